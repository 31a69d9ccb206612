// Package breaker implements a circuit breaker which isolates callers from a
// failing remote backend. After FailureThreshold consecutive failures within
// a MonitoringPeriod the breaker opens, and calls fail immediately without
// attempting I/O. Once RecoveryTimeout has elapsed a single trial call is
// allowed through (half-open): its success closes the breaker, and its
// failure re-opens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// State of a Breaker.
type State int

const (
	// Closed passes calls through, counting consecutive failures.
	Closed State = iota
	// Open rejects calls immediately.
	Open
	// HalfOpen allows a single trial call to probe recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config of a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures which opens the breaker.
	FailureThreshold int `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"5" description:"Consecutive backend failures which open the circuit breaker"`
	// MonitoringPeriod is the window within which consecutive failures are counted.
	// A failure arriving after the window has elapsed begins a new count.
	MonitoringPeriod time.Duration `long:"monitoring-period" env:"MONITORING_PERIOD" default:"1m" description:"Window within which consecutive failures are counted"`
	// RecoveryTimeout is how long the breaker stays open before a trial call.
	RecoveryTimeout time.Duration `long:"recovery-timeout" env:"RECOVERY_TIMEOUT" default:"30s" description:"Time the circuit stays open before a trial call is allowed"`
	// CallTimeout, if non-zero, bounds the duration of each call.
	CallTimeout time.Duration `long:"call-timeout" env:"CALL_TIMEOUT" default:"30s" description:"Timeout applied to each backend call (zero disables)"`
	// IsExpected classifies errors which are expected outcomes rather than
	// faults (eg, not-found). They're returned to the caller, but counted as
	// successes. If nil, all errors are faults.
	IsExpected func(error) bool `no-flag:"t"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MonitoringPeriod: time.Minute,
		RecoveryTimeout:  30 * time.Second,
	}
}

// OpenError is returned for calls rejected by an open Breaker.
// It's retryable after RetryAfter has elapsed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry after %s)", e.Name, e.RetryAfter)
}

// Retryable returns true.
func (e *OpenError) Retryable() bool { return true }

// Stats is a point-in-time summary of a Breaker.
type Stats struct {
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
	LastError           string
	OpenedAt            time.Time
	Rejected            int64
}

// Breaker is a circuit breaker. It's safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int       // Consecutive failures of the current window.
	windowStart time.Time // Time of the first failure of the current window.
	lastFailure time.Time
	lastErr     error
	openedAt    time.Time
	trialActive bool // A half-open trial call is in flight.
	rejected    int64
}

// New returns a closed Breaker with the given name and Config.
// Non-positive Config values are replaced with defaults.
func New(name string, cfg Config) *Breaker {
	var def = DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	var b = &Breaker{name: name, cfg: cfg, now: time.Now}
	breakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// SetClock replaces the Breaker's clock. It's intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Name of the Breaker.
func (b *Breaker) Name() string { return b.name }

// Execute invokes |fn| if the Breaker admits the call, and records its outcome.
// If the Breaker is open, an *OpenError is returned without invoking |fn|.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	var trial, err = b.admit()
	if err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	var callErr = fn(ctx)

	switch {
	case callErr == nil,
		b.cfg.IsExpected != nil && b.cfg.IsExpected(callErr):
		b.onSuccess(trial)
	case errors.Is(callErr, context.Canceled) && ctx.Err() == context.Canceled:
		// The caller gave up. This says nothing of backend health.
		b.onAbandon(trial)
	default:
		b.onFailure(trial, callErr)
	}
	return callErr
}

// State returns the current State of the Breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Stats returns a point-in-time Stats of the Breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	var s = Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
		Rejected:            b.rejected,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

// Reset forces the Breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.trialActive = 0, false
	b.transition(Closed)
}

func (b *Breaker) admit() (trial bool, _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if !b.trialActive {
			b.trialActive = true
			return true, nil
		}
	}
	b.rejected++
	breakerRejectedTotal.WithLabelValues(b.name).Inc()

	var retryAfter = b.openedAt.Add(b.cfg.RecoveryTimeout).Sub(b.now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, &OpenError{Name: b.name, RetryAfter: retryAfter}
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialActive = false
		log.WithField("breaker", b.name).Info("circuit breaker trial succeeded; closing")
	}
	b.failures = 0
	if b.state != Closed && (trial || b.state == HalfOpen) {
		b.transition(Closed)
	}
}

func (b *Breaker) onAbandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialActive = false
	b.mu.Unlock()
}

func (b *Breaker) onFailure(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var now = b.now()
	b.lastFailure, b.lastErr = now, err

	if trial {
		b.trialActive = false
		b.openedAt = now
		b.transition(Open)

		log.WithFields(log.Fields{
			"breaker": b.name,
			"err":     err,
		}).Warn("circuit breaker trial failed; re-opening")
		return
	}

	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.MonitoringPeriod {
		b.failures, b.windowStart = 0, now
	}
	b.failures++

	if b.state == Closed && b.failures >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(Open)

		log.WithFields(log.Fields{
			"breaker":  b.name,
			"failures": b.failures,
			"err":      err,
			"timeout":  b.cfg.RecoveryTimeout,
		}).Warn("circuit breaker opened")
	}
}

// maybeHalfOpen moves an open breaker to half-open once RecoveryTimeout has
// elapsed. b.mu must be held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
	}
}

// transition sets the State. b.mu must be held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitionsTotal.WithLabelValues(b.name, to.String()).Inc()
}

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapstore_breaker_state",
		Help: "Current circuit breaker state (0: closed, 1: open, 2: half-open)",
	}, []string{"breaker"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"breaker", "to"})

	breakerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapstore_breaker_rejected_total",
		Help: "Total number of calls rejected by an open circuit breaker",
	}, []string{"breaker"})
)
