package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// WriterOptions configures the best-effort store writer.
type WriterOptions struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Writer performs the state machine's store writes. Writes are never
// retried: a failure, or a rejected call while the breaker is open, is
// logged and counted and the caller carries on.
type Writer struct {
	store   storage.DocumentStore
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	logger  zerolog.Logger
}

// NewWriter wraps store with a circuit breaker.
func NewWriter(store storage.DocumentStore, opts WriterOptions, logger zerolog.Logger) *Writer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	w := &Writer{
		store:   store,
		timeout: opts.Timeout,
		logger:  logger.With().Str("component", "slot-writer").Logger(),
	}

	w.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "slot-store",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker changed state")
		},
	})

	return w
}

// BreakerState reports the breaker state for diagnostics.
func (w *Writer) BreakerState() string {
	return w.breaker.State().String()
}

// Put writes fields to collection/id and reports whether it succeeded.
func (w *Writer) Put(op, collection, id string, fields map[string]any, merge bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	_, err := w.breaker.Execute(func() (any, error) {
		return nil, w.store.Put(ctx, collection, id, fields, merge)
	})
	if err != nil {
		w.fail(op, collection, id, err)
		return false
	}
	return true
}

// Add appends a document to collection, returning its id.
func (w *Writer) Add(op, collection string, fields map[string]any) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	res, err := w.breaker.Execute(func() (any, error) {
		return w.store.Add(ctx, collection, fields)
	})
	if err != nil {
		w.fail(op, collection, "", err)
		return "", false
	}
	id, _ := res.(string)
	return id, true
}

// Get reads a single document. A missing document is not a failure.
func (w *Writer) Get(op, collection, id string) (*storage.Document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	res, err := w.breaker.Execute(func() (any, error) {
		return w.store.Get(ctx, collection, id)
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.fail(op, collection, id, err)
		}
		return nil, err
	}
	doc, _ := res.(*storage.Document)
	return doc, nil
}

// Query reads documents for the caller to reconcile. Errors are returned,
// not counted.
func (w *Writer) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	res, err := w.breaker.Execute(func() (any, error) {
		return w.store.Query(ctx, collection, q)
	})
	if err != nil {
		return nil, err
	}
	docs, _ := res.([]storage.Document)
	return docs, nil
}

func (w *Writer) fail(op, collection, id string, err error) {
	metrics.StoreWriteFailures.WithLabelValues(op).Inc()
	w.logger.Error().
		Err(err).
		Str("op", op).
		Str("collection", collection).
		Str("id", id).
		Str("breaker", w.breaker.State().String()).
		Msg("Store write failed, local state kept")
}
