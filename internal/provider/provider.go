// Package provider defines the capability every data-source integration
// implements and the registry the worker resolves them from.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
)

// Handler executes one unit of work for a single provider.
type Handler interface {
	Provider() model.Provider
	Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name model.Provider
	Fn   func(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error)
}

func (h HandlerFunc) Provider() model.Provider { return h.Name }

func (h HandlerFunc) Execute(ctx context.Context, req model.IntegrationRequest) (model.ProviderPayload, error) {
	return h.Fn(ctx, req)
}

// Error is the typed failure a handler returns. Permanent errors are never
// retried.
type Error struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsPermanent() bool { return e.Permanent }

func Transient(err error) error {
	return &Error{Code: model.ErrorCodeProviderError, Err: err}
}

func Permanent(code string, err error) error {
	if code == "" {
		code = model.ErrorCodePermanent
	}
	return &Error{Code: code, Permanent: true, Err: err}
}

func NotImplemented(p model.Provider) error {
	return &Error{
		Code:      model.ErrorCodeNotImplemented,
		Permanent: true,
		Err:       fmt.Errorf("provider %s has no handler", p),
	}
}

func UnsupportedChain(p model.Provider, chain model.Chain) error {
	return &Error{
		Code:      model.ErrorCodeUnsupportedChain,
		Permanent: true,
		Err:       fmt.Errorf("provider %s does not support chain %s", p, chain),
	}
}

func InvalidAccount(account string) error {
	return &Error{
		Code:      model.ErrorCodeInvalidAccount,
		Permanent: true,
		Err:       fmt.Errorf("invalid account %q", account),
	}
}

// CodeOf extracts the result error code; untyped errors map to PROVIDER_ERROR.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return model.ErrorCodeProviderError
}

// IsPermanent reports whether err is a typed permanent provider error.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}
