package genapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glowstyle/glowstyle-backend/internal/resilience"
)

// breakerResource names the shared circuit breaker protecting the
// generation API. All credentials funnel through the same breaker.
const breakerResource = "generation-api"

// Fallback tries an ordered list of API credentials. A fatal error aborts
// immediately; a retryable one advances to the next credential; the last
// error propagates when all credentials are exhausted.
type Fallback struct {
	keys     []string
	breakers *resilience.Registry
	log      *slog.Logger
}

// NewFallback builds the orchestrator from the primary key and an optional
// backup. Empty keys are skipped.
func NewFallback(breakers *resilience.Registry, log *slog.Logger, keys ...string) *Fallback {
	valid := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			valid = append(valid, k)
		}
	}
	return &Fallback{keys: valid, breakers: breakers, log: log}
}

// Do invokes fn with each credential in order, each attempt gated by the
// shared circuit breaker.
func (f *Fallback) Do(ctx context.Context, fn func(ctx context.Context, apiKey string) error) error {
	if len(f.keys) == 0 {
		return fmt.Errorf("genapi: no credentials configured")
	}

	breaker := f.breakers.Get(breakerResource)

	var lastErr error
	for i, key := range f.keys {
		err := breaker.Execute(func() error {
			return fn(ctx, key)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if IsFatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if i < len(f.keys)-1 && f.log != nil {
			f.log.Warn("generation credential failed, trying next", "credential", i, "err", err)
		}
	}
	return lastErr
}
