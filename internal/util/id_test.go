package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	a := NewID("msg")
	b := NewID("msg")

	assert.True(t, strings.HasPrefix(a, "msg_"))
	assert.Len(t, a, len("msg_")+32)
	assert.NotEqual(t, a, b)
	assert.Len(t, NewID(""), 32)
}
