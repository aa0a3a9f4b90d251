package provider

import (
	"context"
	"errors"

	"github.com/mediaforge/api/internal/model"
)

var (
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrTimeout             = errors.New("provider timeout")
)

// Request is the vendor-neutral generation request handed to a provider.
// Vendor-specific request/response shapes never cross this boundary.
type Request struct {
	JobID      string
	AccountID  string
	MediaType  model.MediaType
	Parameters map[string]interface{}
}

// Result is the vendor-neutral outcome of a generation call. Cost is the
// provider's base cost in credit cents, before markup.
type Result struct {
	OutputURL string
	Cost      int64
	Duration  float64
	Metadata  map[string]interface{}
}

// Provider is the fixed capability contract every generation backend
// implements. One provider serves exactly one media type.
type Provider interface {
	ID() string
	MediaType() model.MediaType
	EstimateCost(req *Request) (int64, error)
	Generate(ctx context.Context, req *Request) (*Result, error)
	Health(ctx context.Context) model.ProviderStatus
}

// TransientError marks a provider failure as retryable against an alternate
// backend. Timeouts are always treated as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether a dispatch failure should trigger the retry
// path rather than failing the job outright.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}
