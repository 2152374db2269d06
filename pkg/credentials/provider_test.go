package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// stubRetriever plays back a scripted sequence of results, repeating the
// final one once the script is exhausted.
type stubRetriever struct {
	mu       sync.Mutex
	script   []retrieveResult
	calls    int
	closes   int
	closeErr error
}

type retrieveResult struct {
	creds ExpiringCredentials
	err   error
}

func (s *stubRetriever) Retrieve(ctx context.Context) (ExpiringCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	res := s.script[idx]
	return res.creds, res.err
}

func (s *stubRetriever) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *stubRetriever) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubRetriever) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// waitFor polls until cond holds, failing the test after a generous budget.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle gives the refresh goroutine real time to reach its next blocking
// point before the mock clock moves again.
func settle() {
	time.Sleep(100 * time.Millisecond)
}

func newTestProvider(t *testing.T, stub *stubRetriever, mock *clock.Mock) *RotatingProvider {
	t.Helper()
	p, err := NewRotatingProvider(context.Background(), stub, WithClock(mock), WithSessionName("test"))
	if err != nil {
		t.Fatalf("NewRotatingProvider() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestNewRotatingProviderServesInitialSnapshot(t *testing.T) {
	mock := clock.NewMock()
	want := ExpiringCredentials{
		AccessKeyID:     "AKIA1",
		SecretAccessKey: "s1",
		SessionToken:    "t1",
		Expiration:      mock.Now().Add(time.Hour),
	}
	stub := &stubRetriever{script: []retrieveResult{{creds: want}}}

	p := newTestProvider(t, stub, mock)

	if got := p.Status(); got != StatusInitialized {
		t.Errorf("Status() = %v, want %v", got, StatusInitialized)
	}
	// Readable before Start.
	if got := p.Credentials(); got != want {
		t.Errorf("Credentials() = %+v, want %+v", got, want)
	}
	if got := stub.callCount(); got != 1 {
		t.Errorf("retriever calls = %d, want 1", got)
	}
}

func TestNewRotatingProviderInitialFetchFailure(t *testing.T) {
	cause := errors.New("issuer unreachable")
	stub := &stubRetriever{script: []retrieveResult{{err: cause}}}

	p, err := NewRotatingProvider(context.Background(), stub, WithClock(clock.NewMock()))
	if p != nil {
		t.Fatalf("NewRotatingProvider() provider = %v, want nil", p)
	}
	var re *RetrievalError
	if !errors.As(err, &re) {
		t.Fatalf("NewRotatingProvider() error = %v, want *RetrievalError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestNewRotatingProviderKeepsRetrievalError(t *testing.T) {
	orig := &RetrievalError{Source: "metadata-endpoint", Cause: errors.New("404")}
	stub := &stubRetriever{script: []retrieveResult{{err: orig}}}

	_, err := NewRotatingProvider(context.Background(), stub, WithClock(clock.NewMock()))
	var re *RetrievalError
	if !errors.As(err, &re) {
		t.Fatalf("NewRotatingProvider() error = %v, want *RetrievalError", err)
	}
	if re.Source != "metadata-endpoint" {
		t.Errorf("Source = %q, want %q", re.Source, "metadata-endpoint")
	}
}

func TestStartWithoutExpirationSkipsRotation(t *testing.T) {
	mock := clock.NewMock()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1"}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	if got := p.Status(); got != StatusRunning {
		t.Errorf("Status() after Start = %v, want %v", got, StatusRunning)
	}

	// Even far in the future there is nothing scheduled.
	mock.Add(24 * time.Hour)
	settle()
	if got := stub.callCount(); got != 1 {
		t.Errorf("retriever calls = %d, want 1 (no background refresh)", got)
	}

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() after Shutdown = %v, want %v", got, StatusStopped)
	}
}

func TestStartIdempotent(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
		{creds: ExpiringCredentials{AccessKeyID: "AKIA2", SecretAccessKey: "s2"}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	p.Start()

	// One loop means exactly one refresh before the non-expiring result ends it.
	mock.Add(55 * time.Minute)
	waitFor(t, func() bool { return stub.callCount() == 2 }, "single refresh attempt")
	settle()
	if got := stub.callCount(); got != 2 {
		t.Errorf("retriever calls = %d, want 2 (loop dispatched once)", got)
	}
}

func TestRotationReplacesSnapshot(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	first := ExpiringCredentials{
		AccessKeyID:     "AKIA1",
		SecretAccessKey: "s1",
		SessionToken:    "t1",
		Expiration:      now.Add(3600 * time.Second),
	}
	second := ExpiringCredentials{
		AccessKeyID:     "AKIA2",
		SecretAccessKey: "s2",
		SessionToken:    "t2",
		Expiration:      now.Add(7200 * time.Second),
	}
	stub := &stubRetriever{script: []retrieveResult{{creds: first}, {creds: second}}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	settle()

	// Not before expiry minus the buffer.
	if got := stub.callCount(); got != 1 {
		t.Fatalf("retriever calls before buffer window = %d, want 1", got)
	}

	mock.Add(3300 * time.Second)
	waitFor(t, func() bool { return stub.callCount() == 2 }, "refresh attempt at expiry minus buffer")
	waitFor(t, func() bool { return p.Credentials().AccessKeyID == "AKIA2" }, "snapshot replacement")

	// Field-for-field, never a mix.
	if got := p.Credentials(); got != second {
		t.Errorf("Credentials() = %+v, want %+v", got, second)
	}
}

func TestRotationShortBackoffWhileCredentialsValid(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(3600 * time.Second)}},
		{err: errors.New("throttled")},
		{creds: ExpiringCredentials{AccessKeyID: "AKIA2", SecretAccessKey: "s2"}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	settle()

	// Failure happens at expiry minus buffer; the stale snapshot is still
	// valid there, so the next attempt comes 60s later.
	mock.Add(3300 * time.Second)
	waitFor(t, func() bool { return stub.callCount() == 2 }, "first refresh attempt")
	settle()

	mock.Add(59 * time.Second)
	settle()
	if got := stub.callCount(); got != 2 {
		t.Fatalf("retriever calls 59s after failure = %d, want 2", got)
	}

	mock.Add(1 * time.Second)
	waitFor(t, func() bool { return stub.callCount() == 3 }, "retry 60s after failure")

	// The stale snapshot kept serving throughout.
	waitFor(t, func() bool { return p.Credentials().AccessKeyID == "AKIA2" }, "recovery snapshot")
}

func TestRotationLongBackoffAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(-10 * time.Second)}},
		{err: errors.New("issuer down")},
		{creds: ExpiringCredentials{AccessKeyID: "AKIA2", SecretAccessKey: "s2"}},
	}}
	p := newTestProvider(t, stub, mock)

	// The snapshot is already past its expiration, so the first attempt
	// fires immediately and its failure schedules the long retry.
	p.Start()
	waitFor(t, func() bool { return stub.callCount() == 2 }, "immediate refresh attempt")
	settle()

	mock.Add(3599 * time.Second)
	settle()
	if got := stub.callCount(); got != 2 {
		t.Fatalf("retriever calls 3599s after failure = %d, want 2", got)
	}

	mock.Add(1 * time.Second)
	waitFor(t, func() bool { return stub.callCount() == 3 }, "retry 3600s after failure")
}

func TestRotationFailureKeepsServingStaleSnapshot(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	first := ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(3600 * time.Second)}
	stub := &stubRetriever{script: []retrieveResult{
		{creds: first},
		{err: errors.New("throttled")},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	mock.Add(3300 * time.Second)
	waitFor(t, func() bool { return stub.callCount() >= 2 }, "refresh attempt")
	settle()

	if got := p.Credentials(); got != first {
		t.Errorf("Credentials() after failed refresh = %+v, want stale %+v", got, first)
	}
}

func TestRotationStopsAfterNonExpiringRefresh(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
		{creds: ExpiringCredentials{AccessKeyID: "AKIA2", SecretAccessKey: "s2"}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	mock.Add(55 * time.Minute)
	waitFor(t, func() bool { return p.Credentials().AccessKeyID == "AKIA2" }, "non-expiring snapshot")
	settle()

	// The loop exited on its own; the provider still reports Running and a
	// shutdown completes without waiting on anything.
	if got := p.Status(); got != StatusRunning {
		t.Errorf("Status() after natural loop exit = %v, want %v", got, StatusRunning)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() after Shutdown = %v, want %v", got, StatusStopped)
	}
}

func TestShutdownInterruptsSleep(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	settle()

	// The loop is asleep until expiry minus buffer on a clock that will
	// never advance; only the stop signal can wake it.
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); err != nil {
		t.Fatalf("WaitUntilStopped() error = %v", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() = %v, want %v", got, StatusStopped)
	}
	if got := stub.closeCount(); got != 1 {
		t.Errorf("retriever closes = %d, want 1", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
	}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); err != nil {
		t.Fatalf("WaitUntilStopped() error = %v", err)
	}

	if err := p.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() = %v, want %v", got, StatusStopped)
	}
	if got := stub.closeCount(); got != 1 {
		t.Errorf("retriever closes = %d, want 1", got)
	}
}

func TestShutdownFromInitialized(t *testing.T) {
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1"}},
	}}
	p := newTestProvider(t, stub, clock.NewMock())

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() = %v, want %v", got, StatusStopped)
	}

	// Start after the terminal state is a no-op.
	p.Start()
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() after late Start = %v, want %v", got, StatusStopped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); err != nil {
		t.Errorf("WaitUntilStopped() error = %v", err)
	}
}

func TestShutdownPropagatesTeardownError(t *testing.T) {
	cause := errors.New("connection pool leak")
	stub := &stubRetriever{
		script:   []retrieveResult{{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1"}}},
		closeErr: cause,
	}
	p := newTestProvider(t, stub, clock.NewMock())
	p.Start()

	err := p.Shutdown()
	var se *ShutdownError
	if !errors.As(err, &se) {
		t.Fatalf("Shutdown() error = %v, want *ShutdownError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}

	// Waiters observe the same failure.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := p.WaitUntilStopped(ctx); !errors.Is(werr, cause) {
		t.Errorf("WaitUntilStopped() error = %v, want teardown failure", werr)
	}

	// The repeat call reports nothing new.
	if err := p.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
}

func TestWaitUntilStoppedReleasesAllWaiters(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
	}}
	p := newTestProvider(t, stub, mock)
	p.Start()

	const waiters = 5
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			errs <- p.WaitUntilStopped(context.Background())
		}()
	}
	settle()

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("waiter %d error = %v, want nil", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d not released", i)
		}
	}
}

func TestWaitUntilStoppedHonorsContext(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
	}}
	p := newTestProvider(t, stub, mock)
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitUntilStopped() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := p.Status(); got != StatusRunning {
		t.Errorf("Status() = %v, want %v (abandoned wait must not stop the provider)", got, StatusRunning)
	}
}

func TestCredentialsServedAfterShutdown(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	want := ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}
	stub := &stubRetriever{script: []retrieveResult{{creds: want}}}
	p := newTestProvider(t, stub, mock)

	p.Start()
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); err != nil {
		t.Fatalf("WaitUntilStopped() error = %v", err)
	}

	if got := p.Credentials(); got != want {
		t.Errorf("Credentials() after stop = %+v, want %+v", got, want)
	}
}

func TestConcurrentLifecycleCalls(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	stub := &stubRetriever{script: []retrieveResult{
		{creds: ExpiringCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "s1", Expiration: now.Add(time.Hour)}},
	}}
	p := newTestProvider(t, stub, mock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start()
			_ = p.Credentials()
			_ = p.Status()
			_ = p.Shutdown()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitUntilStopped(ctx); err != nil {
		t.Fatalf("WaitUntilStopped() error = %v", err)
	}
	if got := p.Status(); got != StatusStopped {
		t.Errorf("Status() = %v, want %v", got, StatusStopped)
	}
	if got := stub.closeCount(); got != 1 {
		t.Errorf("retriever closes = %d, want 1", got)
	}
}
