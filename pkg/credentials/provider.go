package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the lifecycle state of a RotatingProvider. States move strictly
// forward and are never revisited.
type Status int

const (
	// StatusInitialized means the provider holds its initial snapshot and
	// the refresh loop has not been dispatched.
	StatusInitialized Status = iota

	// StatusRunning means Start has armed the provider: a refresh loop is
	// tracking the snapshot's expiration, or the snapshot never expires and
	// there is nothing to track.
	StatusRunning

	// StatusShuttingDown means a stop has been requested but the refresh
	// loop has not finished quiescing.
	StatusShuttingDown

	// StatusStopped is terminal: the refresh loop has exited, the retriever
	// is torn down, and all waiters are released.
	StatusStopped
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RotatingProvider serves a credential snapshot and keeps it fresh in the
// background. A single goroutine, dispatched by Start when the snapshot can
// expire, replaces the snapshot RefreshBuffer before its expiration and backs
// off on failure; readers observe whole snapshots through Credentials without
// ever blocking on a fetch.
//
// All methods are safe for concurrent use.
type RotatingProvider struct {
	retriever   Retriever
	sessionName string
	log         *slog.Logger
	clock       clock.Clock

	current atomic.Pointer[ExpiringCredentials]

	mu       sync.Mutex
	status   Status
	loopLive bool  // refresh goroutine dispatched and not yet exited
	tornDown bool  // retriever teardown outcome recorded
	finished bool  // doneCh closed
	closeErr error // teardown failure, set before waiters release

	stopCh chan struct{} // closed by Shutdown to interrupt the sleep
	doneCh chan struct{} // closed once the provider reaches StatusStopped
}

// Option configures a RotatingProvider.
type Option func(*RotatingProvider)

// WithSessionName labels the provider's log output. The name has no effect
// on rotation behavior.
func WithSessionName(name string) Option {
	return func(p *RotatingProvider) { p.sessionName = name }
}

// WithLogger routes the provider's diagnostics to the given logger instead
// of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *RotatingProvider) { p.log = l }
}

// WithClock substitutes the time source used for scheduling. Tests inject a
// mock clock to drive rotation deterministically.
func WithClock(c clock.Clock) Option {
	return func(p *RotatingProvider) { p.clock = c }
}

// NewRotatingProvider fetches an initial snapshot through the retriever and
// returns a provider serving it in state StatusInitialized. The fetch is
// synchronous: when it fails, the error is returned as a *RetrievalError and
// no provider exists. On success the provider owns the retriever; Shutdown
// tears it down.
func NewRotatingProvider(ctx context.Context, retriever Retriever, opts ...Option) (*RotatingProvider, error) {
	p := &RotatingProvider{
		retriever: retriever,
		status:    StatusInitialized,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.sessionName != "" {
		p.log = p.log.With("session", p.sessionName)
	}
	if p.clock == nil {
		p.clock = clock.New()
	}

	creds, err := retriever.Retrieve(ctx)
	if err != nil {
		var re *RetrievalError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, &RetrievalError{Cause: err}
	}
	p.current.Store(&creds)
	return p, nil
}

// Start arms the provider. The first call from StatusInitialized moves it to
// StatusRunning and, when the snapshot carries an expiration, dispatches the
// refresh loop; every other call is a no-op. Start returns immediately and
// never waits on the loop.
func (p *RotatingProvider) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusInitialized {
		return
	}
	p.status = StatusRunning

	creds := p.current.Load()
	if !creds.CanExpire() {
		p.log.Debug("credentials never expire, rotation not scheduled")
		return
	}
	p.loopLive = true
	go p.run(creds.Expiration)
}

// Credentials returns the current snapshot without blocking. Concurrent
// readers observe either the previous snapshot or its fully formed
// replacement, never a mix of the two. The snapshot stays readable after
// Shutdown: it is the last one obtained before stopping.
func (p *RotatingProvider) Credentials() ExpiringCredentials {
	return *p.current.Load()
}

// Status returns the provider's lifecycle state.
func (p *RotatingProvider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Shutdown requests a stop and tears down the retriever. Only the first call
// has any effect; later calls return nil immediately. When a refresh loop is
// live the provider moves to StatusShuttingDown and the loop observes the
// stop at its next safe point — Shutdown does not wait for it. With nothing
// running (never started, a non-expiring snapshot, or a loop that already
// exited) the provider goes straight to StatusStopped. The retriever teardown
// happens synchronously here; a teardown failure is returned as a
// *ShutdownError and observed by every waiter.
func (p *RotatingProvider) Shutdown() error {
	p.mu.Lock()
	if p.status == StatusShuttingDown || p.status == StatusStopped {
		p.mu.Unlock()
		return nil
	}
	if p.loopLive {
		p.status = StatusShuttingDown
		close(p.stopCh)
	} else {
		p.status = StatusStopped
	}
	p.mu.Unlock()

	var shutErr error
	if err := p.retriever.Close(); err != nil {
		shutErr = &ShutdownError{Cause: err}
		p.log.Error("credentials retriever teardown failed", "error", err)
	} else {
		p.log.Debug("credentials provider shutting down")
	}

	p.mu.Lock()
	p.tornDown = true
	p.closeErr = shutErr
	p.maybeFinishLocked()
	p.mu.Unlock()
	return shutErr
}

// WaitUntilStopped blocks until the provider reaches StatusStopped or ctx is
// done, returning immediately when the provider has already stopped. All
// concurrent waiters are released at the terminal transition; each returns
// the retriever teardown error when there was one, nil otherwise.
func (p *RotatingProvider) WaitUntilStopped(ctx context.Context) error {
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// maybeFinishLocked completes the transition to StatusStopped once the
// refresh loop has exited and the teardown outcome is recorded. Waiters are
// released here and nowhere else.
func (p *RotatingProvider) maybeFinishLocked() {
	if p.finished || !p.tornDown || p.loopLive {
		return
	}
	p.finished = true
	p.status = StatusStopped
	close(p.doneCh)
}

// run is the rotation scheduler. It executes at most once per provider and
// is the sole writer of the snapshot after construction. expiry is the next
// wake-up reference: the snapshot's expiration after a successful refresh, a
// synthetic deadline after a failed one.
func (p *RotatingProvider) run(expiry time.Time) {
	defer p.loopExited()

	for !expiry.IsZero() {
		if p.stopRequested() {
			return
		}
		if !p.sleepUntil(expiry.Add(-RefreshBuffer)) {
			return
		}
		if p.stopRequested() {
			return
		}

		// No deadline on the fetch: a hung retriever stalls only this
		// goroutine, never readers.
		fresh, err := p.retriever.Retrieve(context.Background())
		if err != nil {
			now := p.clock.Now()
			retryIn := ShortRetryInterval
			if p.current.Load().Expired(now) {
				retryIn = LongRetryInterval
			}
			// The buffer is added back so the next attempt fires after
			// exactly retryIn; a bare now+retryIn would put the wake-up
			// deadline in the past.
			expiry = now.Add(RefreshBuffer + retryIn)
			p.log.Warn("credentials refresh failed", "error", err, "retry_in", retryIn)
			continue
		}

		p.current.Store(&fresh)
		expiry = fresh.Expiration
		p.log.Info("credentials rotated",
			"access_key_id", fresh.AccessKeyID, "expiration", fresh.Expiration)
	}
	p.log.Debug("refreshed credentials never expire, rotation loop exiting")
}

// loopExited records that the refresh goroutine is gone. While a stop is in
// flight this finishes the ShuttingDown→Stopped transition; after a natural
// exit the provider stays in StatusRunning and a later Shutdown reaches
// StatusStopped directly.
func (p *RotatingProvider) loopExited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loopLive = false
	p.maybeFinishLocked()
}

// stopRequested reports whether Shutdown has been called. The loop checks it
// between steps only; an in-flight Retrieve is never aborted.
func (p *RotatingProvider) stopRequested() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// sleepUntil blocks until the deadline passes or a stop is requested,
// reporting false when interrupted. Deadlines already in the past return
// immediately without arming a timer.
func (p *RotatingProvider) sleepUntil(deadline time.Time) bool {
	wait := deadline.Sub(p.clock.Now())
	if wait <= 0 {
		return true
	}
	timer := p.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	}
}
