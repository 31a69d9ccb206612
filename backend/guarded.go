package backend

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.snapstore.dev/core/breaker"
)

// Guarded wraps a Backend with a circuit breaker and instrumentation.
// Calls rejected by an open breaker fail with a retryable *UnavailableError
// without performing I/O. ErrNotFound and *CorruptionError outcomes describe
// stored documents rather than backend health, and don't count as failures.
// Failed writes are wrapped in *OpError.
type Guarded struct {
	inner   Backend
	breaker *breaker.Breaker
}

// Guard wraps Backend |b| with a breaker.Breaker of the given Config.
func Guard(b Backend, cfg breaker.Config) *Guarded {
	if cfg.IsExpected == nil {
		cfg.IsExpected = isDocumentOutcome
	}
	return &Guarded{
		inner:   b,
		breaker: breaker.New(b.Provider(), cfg),
	}
}

func isDocumentOutcome(err error) bool { return IsNotFound(err) || IsCorruption(err) }

// Unwrap returns the guarded Backend.
func (g *Guarded) Unwrap() Backend { return g.inner }

// Breaker returns the Guarded breaker.Breaker.
func (g *Guarded) Breaker() *breaker.Breaker { return g.breaker }

func (g *Guarded) Provider() string { return g.inner.Provider() }

func (g *Guarded) WriteSnapshot(ctx context.Context, id string, body []byte) error {
	return g.write(ctx, "write_snapshot", id, func(ctx context.Context) error {
		return g.inner.WriteSnapshot(ctx, id, body)
	})
}

func (g *Guarded) ReadSnapshot(ctx context.Context, id string) (body []byte, err error) {
	err = g.call(ctx, "read_snapshot", func(ctx context.Context) (err error) {
		body, err = g.inner.ReadSnapshot(ctx, id)
		return
	})
	return
}

func (g *Guarded) ListSnapshotIDs(ctx context.Context) (ids []string, err error) {
	err = g.call(ctx, "list_snapshots", func(ctx context.Context) (err error) {
		ids, err = g.inner.ListSnapshotIDs(ctx)
		return
	})
	return
}

func (g *Guarded) DeleteSnapshot(ctx context.Context, id string) error {
	return g.write(ctx, "delete_snapshot", id, func(ctx context.Context) error {
		return g.inner.DeleteSnapshot(ctx, id)
	})
}

func (g *Guarded) WritePointer(ctx context.Context, body []byte) error {
	return g.write(ctx, "write_pointer", "", func(ctx context.Context) error {
		return g.inner.WritePointer(ctx, body)
	})
}

func (g *Guarded) ReadPointer(ctx context.Context) (body []byte, err error) {
	err = g.call(ctx, "read_pointer", func(ctx context.Context) (err error) {
		body, err = g.inner.ReadPointer(ctx)
		return
	})
	return
}

func (g *Guarded) DeletePointer(ctx context.Context) error {
	return g.write(ctx, "delete_pointer", "", g.inner.DeletePointer)
}

func (g *Guarded) WriteBackup(ctx context.Context, name string, body []byte) error {
	return g.write(ctx, "write_backup", name, func(ctx context.Context) error {
		return g.inner.WriteBackup(ctx, name, body)
	})
}

func (g *Guarded) CheckReady(ctx context.Context) error {
	return g.call(ctx, "check_ready", g.inner.CheckReady)
}

// PointerFingerprint delegates to the wrapped Backend, or returns
// ErrUnsupported if it isn't a Fingerprinter.
func (g *Guarded) PointerFingerprint(ctx context.Context) (fp string, err error) {
	var f, ok = g.inner.(Fingerprinter)
	if !ok {
		return "", ErrUnsupported
	}
	err = g.call(ctx, "pointer_fingerprint", func(ctx context.Context) (err error) {
		fp, err = f.PointerFingerprint(ctx)
		return
	})
	return
}

// LatestSuccessfulID delegates to the wrapped Backend, or returns
// ErrUnsupported if it isn't a LatestFinder.
func (g *Guarded) LatestSuccessfulID(ctx context.Context) (id string, err error) {
	var f, ok = g.inner.(LatestFinder)
	if !ok {
		return "", ErrUnsupported
	}
	err = g.call(ctx, "latest_successful", func(ctx context.Context) (err error) {
		id, err = f.LatestSuccessfulID(ctx)
		return
	})
	return
}

func (g *Guarded) write(ctx context.Context, op, id string, fn func(context.Context) error) error {
	var err = g.call(ctx, op, fn)
	if err != nil && !IsNotFound(err) {
		err = &OpError{Backend: g.inner.Provider(), Op: op, ID: id, Err: err}
	}
	return err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var started = time.Now()
	var err = g.breaker.Execute(ctx, fn)

	var oe *breaker.OpenError
	if errors.As(err, &oe) {
		err = &UnavailableError{Backend: g.inner.Provider(), Op: op, Err: oe}
	}

	var status = "success"
	switch {
	case err == nil:
	case IsNotFound(err):
		status = "not_found"
	case oe != nil:
		status = "rejected"
	default:
		status = "error"
	}
	backendOperationTotal.WithLabelValues(g.inner.Provider(), op, status).Inc()
	backendOperationDuration.WithLabelValues(g.inner.Provider(), op, status).Observe(time.Since(started).Seconds())

	return err
}

var (
	_ Backend       = (*Guarded)(nil)
	_ Fingerprinter = (*Guarded)(nil)
	_ LatestFinder  = (*Guarded)(nil)
)

var (
	backendOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_backend_operation_total",
		Help: "Total number of snapshot backend operations",
	}, []string{"backend", "operation", "status"})

	backendOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snapstore_backend_operation_duration_seconds",
		Help:    "Duration of snapshot backend operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"backend", "operation", "status"})
)
