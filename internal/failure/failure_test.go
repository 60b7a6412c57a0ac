package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient(cause, "llm throttled"), true},
		{"wrapped transient", fmt.Errorf("execute: %w", Transient(cause, "llm throttled")), true},
		{"template", Template(nil, "template missing"), false},
		{"precondition", Precondition(nil, "upstream missing"), false},
		{"format", ResponseFormat(cause, false, "bad json"), false},
		{"truncated format", ResponseFormat(cause, true, "bad json"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", cause, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPublicHidesCause(t *testing.T) {
	err := Transient(errors.New("dial tcp 10.0.0.4:443: api_key=sk-secret"), "language model service unavailable")
	assert.Equal(t, "language model service unavailable", Public(err))
	assert.Contains(t, err.Error(), "sk-secret", "cause stays available for logs")

	assert.Equal(t, internalMessage, Public(errors.New("panic: runtime error at /src/stage.go:42")))
	assert.Equal(t, "", Public(nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindPrecondition, KindOf(fmt.Errorf("wrap: %w", Precondition(nil, "x"))))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.True(t, Is(Template(nil, "t"), KindTemplate))
	assert.False(t, Is(nil, KindTemplate))
}
