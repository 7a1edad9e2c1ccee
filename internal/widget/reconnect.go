package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds the reinitialization attempts after transport loss.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy returns the standard bounded policy: delay doubles
// per attempt up to five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Reconnector drives bounded-backoff reinitialization after the widget
// reports transport loss. One Reconnector belongs to one adapter instance.
//
// Behavior: TransportLost starts a backoff sequence unless one is already
// running; past the attempt ceiling the sequence stops and the terminal
// error surfaces through onTerminal. TransportRestored while a sequence is
// in progress triggers exactly one immediate retry instead of waiting out
// the current delay.
type Reconnector struct {
	policy     ReconnectPolicy
	reinit     func(ctx context.Context) error
	onTerminal func(err error)
	logger     *slog.Logger

	mu         sync.Mutex
	inProgress bool
	kick       chan struct{}
	stop       chan struct{}
	stopped    bool
}

// NewReconnector builds a reconnector. reinit is invoked per attempt;
// onTerminal fires once when the ceiling is exceeded.
func NewReconnector(policy ReconnectPolicy, reinit func(ctx context.Context) error, onTerminal func(err error), logger *slog.Logger) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultReconnectPolicy()
	}
	return &Reconnector{
		policy:     policy,
		reinit:     reinit,
		onTerminal: onTerminal,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// TransportLost starts a backoff sequence. No-op if one is already running
// or the reconnector has been stopped.
func (r *Reconnector) TransportLost() {
	r.mu.Lock()
	if r.inProgress || r.stopped {
		r.mu.Unlock()
		return
	}
	r.inProgress = true
	r.kick = make(chan struct{}, 1)
	kick := r.kick
	r.mu.Unlock()

	go r.run(kick)
}

// TransportRestored triggers one immediate retry if a backoff sequence is in
// progress; otherwise it is a no-op.
func (r *Reconnector) TransportRestored() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inProgress || r.kick == nil {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// InProgress reports whether a backoff sequence is currently running.
func (r *Reconnector) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// Stop cancels any running sequence permanently.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()
}

func (r *Reconnector) run(kick chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.kick = nil
		r.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.BaseDelay
	bo.Multiplier = r.policy.Multiplier
	bo.MaxInterval = r.policy.MaxDelay
	bo.RandomizationFactor = 0
	// The attempt ceiling bounds the sequence; a wall-clock cap would make
	// NextBackOff return Stop for long delays.
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-kick:
			// Transport restored: retry immediately instead of waiting.
			timer.Stop()
			r.logger.Debug("Transport restored, retrying immediately", "attempt", attempt)
		case <-r.stop:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := r.reinit(ctx)
		cancel()
		if err == nil {
			r.logger.Info("Widget reinitialized after transport loss", "attempt", attempt)
			return
		}
		lastErr = err
		r.logger.Warn("Widget reinitialization attempt failed",
			"attempt", attempt, "max_attempts", r.policy.MaxAttempts, "error", err)
	}

	if r.onTerminal != nil {
		r.onTerminal(NewTerminalReconnectError(r.policy.MaxAttempts, lastErr))
	}
}
