package storage

import (
	"context"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// RetryConfig bounds how transient backend failures are retried.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig retries a transient failure once after a short
// delay. Persistent failures surface immediately so a build fails
// rather than hanging.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
	"temporary failure",
	"service unavailable",
	"slow down",
	"slowdown",
	"internal error",
	"timeout",
}

// IsRetryableError classifies backend I/O failures: network-level and
// throttling errors are worth one more attempt, everything else
// (missing keys, permission errors, malformed requests) is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFound(err) {
		return false
	}
	if err == context.Canceled {
		return false
	}
	if err == context.DeadlineExceeded {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Resilient wraps a Backend with retry-on-transient-failure and a
// circuit breaker, so repeated backend outages fail fast instead of
// retrying forever.
type Resilient struct {
	backend Backend
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewResilient(backend Backend, retry RetryConfig, logger *zap.Logger) *Resilient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "storage-" + backend.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Resilient{backend: backend, retry: retry, breaker: breaker, logger: logger}
}

func (r *Resilient) Name() string { return r.backend.Name() }

// execute runs op through the breaker, retrying transient failures up
// to the configured attempt budget with exponential backoff.
func (r *Resilient) execute(ctx context.Context, operation string, op func() error) error {
	delay := r.retry.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, op()
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperrors.NewStorageUnavailableError(r.backend.Name(), err)
		}
		if !IsRetryableError(err) {
			return err
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		r.logger.Warn("retrying storage operation after transient failure",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.retry.BackoffMultiplier)
		if delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return apperrors.NewStorageUnavailableError(r.backend.Name(), lastErr)
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte, contentType string) error {
	return r.execute(ctx, "set", func() error {
		return r.backend.Set(ctx, key, value, contentType)
	})
}

func (r *Resilient) FSet(ctx context.Context, key, filename, contentType string) error {
	return r.execute(ctx, "fset", func() error {
		return r.backend.FSet(ctx, key, filename, contentType)
	})
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.execute(ctx, "get", func() error {
		var err error
		out, err = r.backend.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Resilient) GetURL(ctx context.Context, key string) (string, error) {
	var out string
	err := r.execute(ctx, "get_url", func() error {
		var err error
		out, err = r.backend.GetURL(ctx, key)
		return err
	})
	return out, err
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	return r.execute(ctx, "delete", func() error {
		return r.backend.Delete(ctx, key)
	})
}
