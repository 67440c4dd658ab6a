package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// flakyBackend fails the first failures calls of every operation with
// the configured error, then succeeds.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	store    map[string][]byte
}

func newFlakyBackend(failures int, err error) *flakyBackend {
	return &flakyBackend{failures: failures, err: err, store: map[string][]byte{}}
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBackend) Set(_ context.Context, key string, value []byte, _ string) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = value
	return nil
}

func (f *flakyBackend) FSet(_ context.Context, key, filename, _ string) error {
	return f.fail()
}

func (f *flakyBackend) Get(_ context.Context, key string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.store[key]; ok {
		return v, nil
	}
	return nil, &NotFoundError{Key: key}
}

func (f *flakyBackend) GetURL(_ context.Context, key string) (string, error) {
	return "", f.fail()
}

func (f *flakyBackend) Delete(_ context.Context, key string) error {
	return f.fail()
}

var _ = Describe("Retry", func() {
	Describe("DefaultRetryConfig", func() {
		It("retries a transient failure exactly once", func() {
			config := DefaultRetryConfig()
			Expect(config.MaxAttempts).To(Equal(2))
			Expect(config.InitialDelay).To(Equal(250 * time.Millisecond))
			Expect(config.BackoffMultiplier).To(Equal(2.0))
		})
	})

	Describe("IsRetryableError", func() {
		It("identifies transient network failures", func() {
			for _, msg := range []string{
				"connection refused",
				"Connection Reset by peer",
				"broken pipe",
				"i/o timeout",
				"network is unreachable",
				"503 Service Unavailable",
				"SlowDown: please reduce request rate",
			} {
				Expect(IsRetryableError(errors.New(msg))).To(BeTrue(), msg)
			}
		})

		It("does not retry permanent failures", func() {
			for _, msg := range []string{
				"access denied",
				"invalid bucket name",
				"malformed request",
			} {
				Expect(IsRetryableError(errors.New(msg))).To(BeFalse(), msg)
			}
		})

		It("does not retry not-found or cancellation", func() {
			Expect(IsRetryableError(&NotFoundError{Key: "k"})).To(BeFalse())
			Expect(IsRetryableError(context.Canceled)).To(BeFalse())
			Expect(IsRetryableError(nil)).To(BeFalse())
		})

		It("retries deadline expiry", func() {
			Expect(IsRetryableError(context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Describe("Resilient", func() {
		quickRetry := RetryConfig{
			MaxAttempts:       2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}

		It("succeeds when one transient failure precedes success", func() {
			backend := newFlakyBackend(1, errors.New("connection refused"))
			resilient := NewResilient(backend, quickRetry, zap.NewNop())

			Expect(resilient.Set(context.Background(), "k", []byte("v"), "text/plain")).To(Succeed())
			data, err := resilient.Get(context.Background(), "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("v")))
		})

		It("gives up after the attempt budget and reports the backend unavailable", func() {
			backend := newFlakyBackend(10, errors.New("connection refused"))
			resilient := NewResilient(backend, quickRetry, zap.NewNop())

			err := resilient.Set(context.Background(), "k", []byte("v"), "text/plain")
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeStorageUnavailable)).To(BeTrue())
			Expect(backend.calls).To(Equal(2))
		})

		It("does not retry a permanent failure", func() {
			backend := newFlakyBackend(10, errors.New("access denied"))
			resilient := NewResilient(backend, quickRetry, zap.NewNop())

			err := resilient.Set(context.Background(), "k", []byte("v"), "text/plain")
			Expect(err).To(HaveOccurred())
			Expect(backend.calls).To(Equal(1))
		})

		It("passes a not-found through unchanged", func() {
			backend := newFlakyBackend(0, nil)
			resilient := NewResilient(backend, quickRetry, zap.NewNop())

			_, err := resilient.Get(context.Background(), "missing")
			Expect(IsNotFound(err)).To(BeTrue())
		})
	})
})
