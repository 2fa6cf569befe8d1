package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeProviderError struct{ permanent bool }

func (e fakeProviderError) Error() string     { return "provider failure" }
func (e fakeProviderError) IsPermanent() bool { return e.permanent }

type fakeStatusError struct{ code int }

func (e fakeStatusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e fakeStatusError) HTTPStatus() int { return e.code }

type fakeRPCError struct{ code int }

func (e fakeRPCError) Error() string  { return "rpc error" }
func (e fakeRPCError) ErrorCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify_ExplicitMarkers(t *testing.T) {
	t.Parallel()
	transient := Classify(Transient(errors.New("invalid params")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("rpc timed out")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)

	assert.NoError(t, Transient(nil))
	assert.NoError(t, Terminal(nil))
}

func TestClassify_RepresentativeErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		class  Class
		reason string
	}{
		{"nil", nil, ClassTerminal, "nil_error"},
		{"provider permanent", fmt.Errorf("wrap: %w", fakeProviderError{permanent: true}), ClassTerminal, "provider_permanent"},
		{"provider transient", fakeProviderError{}, ClassTransient, "provider_transient"},
		{"context deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient, "context_deadline_exceeded"},
		{"context canceled", context.Canceled, ClassTerminal, "context_canceled"},
		{"http 429", fakeStatusError{429}, ClassTransient, "http_Too Many Requests"},
		{"http 503", fakeStatusError{503}, ClassTransient, "http_5xx"},
		{"http 404", fakeStatusError{404}, ClassTerminal, "http_4xx"},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), ClassTransient, "net_timeout"},
		{"jsonrpc internal", fakeRPCError{-32603}, ClassTransient, "jsonrpc_server_transient"},
		{"jsonrpc server range", fakeRPCError{-32050}, ClassTransient, "jsonrpc_server_range"},
		{"jsonrpc revert", fakeRPCError{3}, ClassTerminal, "jsonrpc_execution_reverted"},
		{"jsonrpc invalid params", fakeRPCError{-32602}, ClassTerminal, "jsonrpc_terminal"},
		{"message transient", errors.New("upstream: 429 Too Many Requests"), ClassTransient, "message_transient"},
		{"message terminal", errors.New("token not found"), ClassTerminal, "message_terminal"},
		{"unknown", errors.New("unexpected failure"), ClassTerminal, "unknown_terminal_default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Classify(tt.err)
			assert.Equal(t, tt.class, d.Class)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.class == ClassTransient, d.IsTransient())
		})
	}
}

func TestClassify_UnwrapsClassifiedError(t *testing.T) {
	t.Parallel()
	base := errors.New("root")
	err := Transient(base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "root", err.Error())
}
