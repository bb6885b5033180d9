package worker

import (
	"context"
	"fmt"

	"github.com/goliatone/go-jobqueue/pkg/domain"
)

// Handler executes one job. The returned value is encoded as the job result.
type Handler func(ctx context.Context, data domain.Payload) (any, error)

// Typed wraps a handler taking a decoded payload of type T. Payloads that do
// not decode into T fail the job with domain.ErrEncoding.
func Typed[T, R any](fn func(ctx context.Context, in T) (R, error)) Handler {
	return func(ctx context.Context, data domain.Payload) (any, error) {
		var in T
		if err := data.Decode(&in); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return fn(ctx, in)
	}
}

// Echo returns the payload unchanged.
func Echo(ctx context.Context, data domain.Payload) (any, error) {
	return data, nil
}
