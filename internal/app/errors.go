package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"relay/api/internal/auth"
	"relay/api/internal/delivery"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var kindStatus = map[delivery.Kind]struct {
	status int
	code   string
}{
	delivery.KindNotFound:        {http.StatusNotFound, "NOT_FOUND"},
	delivery.KindForbidden:       {http.StatusForbidden, "FORBIDDEN"},
	delivery.KindInvalidArgument: {http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	delivery.KindUnavailable:     {http.StatusServiceUnavailable, "UNAVAILABLE"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var deliveryErr *delivery.Error
	if errors.As(err, &deliveryErr) {
		if mapped, ok := kindStatus[deliveryErr.Kind]; ok {
			return mapped.status, mapped.code, deliveryErr.Message, nil
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// validationError turns validator failures into a 422 listing each field.
func validationError(err error) *DomainError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	fields := make(map[string]string, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid "+strings.Join(names, ", "), fields)
}
