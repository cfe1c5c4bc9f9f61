package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"relay/api/internal/auth"
	"relay/api/internal/delivery"
	"relay/api/internal/store"
	"relay/api/internal/worker"
)

// WebsocketHandler upgrades authenticated requests into push connections.
type WebsocketHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string) error
	ConnectionCount() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type TaskStats interface {
	Stats() worker.Stats
}

type Options struct {
	CORSOrigin  string
	TokenSecret []byte
	Websocket   WebsocketHandler
	// Checks are pinged by /api/ready, keyed by the name reported.
	Checks map[string]Pinger
	Tasks  TaskStats
	Logger logrus.FieldLogger
}

type HTTPServer struct {
	service    *delivery.Service
	corsOrigin string
	secret     []byte
	ws         WebsocketHandler
	checks     map[string]Pinger
	tasks      TaskStats
	validate   *validator.Validate
	log        logrus.FieldLogger
}

func NewHTTPServer(service *delivery.Service, opts Options) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		secret:     opts.TokenSecret,
		ws:         opts.Websocket,
		checks:     opts.Checks,
		tasks:      opts.Tasks,
		validate:   validate,
		log:        opts.Logger.WithField("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWebsocket(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	userID, ok := s.requireUser(w, r, bearerToken(r))
	if !ok {
		return
	}

	switch parts[1] {
	case "conversations":
		s.handleConversations(w, r, userID, parts[2:])
		return
	case "messages":
		s.handleMessages(w, r, userID, parts[2:])
		return
	case "presence":
		s.handlePresence(w, r, userID, parts[2:])
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "starred" {
		items, err := s.service.ListStarred(r.Context(), userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "search" {
		query := r.URL.Query()
		resp, err := s.service.SearchMessages(r.Context(), userID,
			query.Get("conversationId"),
			query.Get("q"),
			queryInt(query.Get("limit"), 20),
			queryInt(query.Get("offset"), 0),
		)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "stats" {
		payload := map[string]any{}
		if s.ws != nil {
			payload["connections"] = s.ws.ConnectionCount()
		}
		if s.tasks != nil {
			payload["tasks"] = s.tasks.Stats()
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

// handleWebsocket authenticates with ?token= since browsers cannot set
// headers on the upgrade request.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Realtime transport not configured", nil)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	userID, ok := s.requireUser(w, r, token)
	if !ok {
		return
	}
	if err := s.ws.ServeWS(w, r, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("websocket upgrade failed")
	}
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListConversations(ctx, userID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
		case http.MethodPost:
			var body struct {
				OtherUserID string `json:"otherUserId" validate:"required"`
			}
			if !s.decodeValid(w, r, &body) {
				return
			}
			conv, err := s.service.StartConversation(ctx, userID, body.OtherUserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, conv)
		default:
			methodNotAllowed(w)
		}
		return
	}

	conversationID := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		conv, err := s.service.GetConversation(ctx, conversationID, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
		return
	}
	if len(parts) < 2 {
		methodNotAllowed(w)
		return
	}

	switch {
	case parts[1] == "messages" && r.Method == http.MethodGet:
		query := r.URL.Query()
		var before *time.Time
		if raw := query.Get("before"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be an RFC 3339 timestamp", nil)
				return
			}
			before = &parsed
		}
		items, err := s.service.GetMessages(ctx, conversationID, userID, queryInt(query.Get("limit"), 0), before)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})

	case parts[1] == "messages" && r.Method == http.MethodPost:
		var body struct {
			Content          string            `json:"content" validate:"max=10000"`
			EncryptedContent string            `json:"encryptedContent" validate:"required_with=ContentIV"`
			ContentIV        string            `json:"contentIv" validate:"required_with=EncryptedContent"`
			MessageType      string            `json:"messageType" validate:"omitempty,oneof=text image audio video file"`
			Attachment       *store.Attachment `json:"attachment"`
			ReplyToID        *string           `json:"replyToId"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		msg, err := s.service.SendMessage(ctx, conversationID, userID, delivery.SendRequest{
			Content:          body.Content,
			EncryptedContent: body.EncryptedContent,
			ContentIV:        body.ContentIV,
			MessageType:      store.MessageType(body.MessageType),
			Attachment:       body.Attachment,
			ReplyToID:        body.ReplyToID,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)

	case parts[1] == "read" && r.Method == http.MethodPost:
		count, err := s.service.MarkAsRead(ctx, conversationID, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count})

	case parts[1] == "delivered" && r.Method == http.MethodPost:
		count, err := s.service.MarkMessagesDelivered(ctx, conversationID, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count})

	case parts[1] == "unread" && r.Method == http.MethodGet:
		count, err := s.service.GetUnreadCount(ctx, conversationID, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unreadCount": count})

	case parts[1] == "typing" && r.Method == http.MethodPost:
		var body struct {
			IsRecording bool `json:"isRecording"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		if err := s.service.StartTyping(ctx, conversationID, userID, body.IsRecording); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case parts[1] == "typing" && r.Method == http.MethodDelete:
		if err := s.service.StopTyping(ctx, conversationID, userID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case parts[1] == "pins" && r.Method == http.MethodGet:
		items, err := s.service.ListPinned(ctx, conversationID, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})

	case parts[1] == "keys" && len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			PublicKey string `json:"publicKey" validate:"required,max=8192"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		key, err := s.service.StorePublicKey(ctx, conversationID, userID, body.PublicKey)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, key)

	case parts[1] == "keys" && len(parts) == 3 && r.Method == http.MethodGet:
		key, err := s.service.GetPublicKey(ctx, conversationID, userID, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, key)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 1 && parts[0] == "pending" && r.Method == http.MethodGet {
		pending, err := s.service.GetPendingMessages(ctx, userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
		return
	}

	messageID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Content          string `json:"content" validate:"max=10000"`
				EncryptedContent string `json:"encryptedContent" validate:"required_with=ContentIV"`
				ContentIV        string `json:"contentIv" validate:"required_with=EncryptedContent"`
			}
			if !s.decodeValid(w, r, &body) {
				return
			}
			msg, err := s.service.EditMessage(ctx, messageID, userID, delivery.EditRequest{
				Content:          body.Content,
				EncryptedContent: body.EncryptedContent,
				ContentIV:        body.ContentIV,
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, msg)
		case http.MethodDelete:
			forEveryone := r.URL.Query().Get("forEveryone") == "true"
			if err := s.service.DeleteMessage(ctx, messageID, userID, forEveryone); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}

	var err error
	switch action := parts[1]; {
	case action == "history" && r.Method == http.MethodGet:
		items, histErr := s.service.GetEditHistory(ctx, messageID, userID)
		if histErr != nil {
			s.fail(w, r, histErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edits": items})
		return

	case action == "reactions" && r.Method == http.MethodPost:
		var body struct {
			Emoji string `json:"emoji" validate:"required,max=32"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		reaction, reactErr := s.service.AddReaction(ctx, messageID, userID, body.Emoji)
		if reactErr != nil {
			s.fail(w, r, reactErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reaction": reaction, "removed": reaction == nil})
		return

	case action == "forward" && r.Method == http.MethodPost:
		var body struct {
			ConversationID string `json:"conversationId" validate:"required"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		msg, fwdErr := s.service.ForwardMessage(ctx, messageID, body.ConversationID, userID)
		if fwdErr != nil {
			s.fail(w, r, fwdErr)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
		return

	case action == "attachment-url" && r.Method == http.MethodGet:
		link, linkErr := s.service.AttachmentURL(ctx, messageID, userID)
		if linkErr != nil {
			s.fail(w, r, linkErr)
			return
		}
		writeJSON(w, http.StatusOK, link)
		return

	case action == "reactions" && r.Method == http.MethodDelete:
		err = s.service.RemoveReaction(ctx, messageID, userID)
	case action == "pin" && r.Method == http.MethodPost:
		err = s.service.PinMessage(ctx, messageID, userID)
	case action == "pin" && r.Method == http.MethodDelete:
		err = s.service.UnpinMessage(ctx, messageID, userID)
	case action == "star" && r.Method == http.MethodPost:
		err = s.service.StarMessage(ctx, messageID, userID)
	case action == "star" && r.Method == http.MethodDelete:
		err = s.service.UnstarMessage(ctx, messageID, userID)
	case action == "delivered" && r.Method == http.MethodPost:
		err = s.service.MarkMessageDelivered(ctx, messageID, userID)
	case action == "read" && r.Method == http.MethodPost:
		err = s.service.MarkMessageRead(ctx, messageID, userID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()
	if len(parts) == 1 && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.GetPresence(ctx, parts[0]))
		return
	}
	if len(parts) == 0 && r.Method == http.MethodPost {
		var body struct {
			UserIDs []string `json:"userIds" validate:"required,min=1,max=100,dive,required"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"presence": s.service.GetMultiplePresence(ctx, body.UserIDs)})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return "", false
	}
	return claims.Sub, true
}

// decodeValid decodes the JSON body into target and runs its validate tags,
// writing the error response itself when either fails.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		s.fail(w, r, validationError(err))
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
