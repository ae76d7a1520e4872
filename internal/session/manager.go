// Package session owns a connector's live session handle: lazy creation,
// leasing for repository calls, idle release and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/metrics"
)

var (
	// ErrMissingCredentials is returned (as Fatal) when a required credential is empty.
	ErrMissingCredentials = errors.New("missing required credentials")
	// ErrCreate matches every Fatal outcome that came from building the
	// session rather than from a call made with it. The error text is the
	// underlying cause.
	ErrCreate = errors.New("session creation failed")
)

// NoTimeout asks Use to wait for fn without a deadline. Only pass it for
// operations that honor ctx themselves.
const NoTimeout time.Duration = -1

type createError struct{ err error }

func (e *createError) Error() string        { return e.err.Error() }
func (e *createError) Unwrap() error        { return e.err }
func (e *createError) Is(target error) bool { return target == ErrCreate }

// State is the lifecycle state of the managed session.
type State string

// Session states.
const (
	StateAbsent   State = "absent"
	StateCreating State = "creating"
	StateLive     State = "live"
)

// Defaults applied to zero Config fields.
const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultInitialRetry = 60 * time.Second
	DefaultCallTimeout  = 60 * time.Second
)

// Factory creates, checks and destroys sessions of handle type H.
// crawler.Connector satisfies it.
type Factory[H any] interface {
	RequiredCredentials() []string
	CreateSession(ctx context.Context, creds crawler.Credentials) (H, error)
	CheckLive(ctx context.Context, session H) error
	DestroySession(ctx context.Context, session H) error
}

// Config tunes a Manager.
type Config struct {
	ConnectionID string
	IdleTimeout  time.Duration
	CallTimeout  time.Duration
	// InitialRetry is the retry-after applied when creation fails before any
	// session has ever been live.
	InitialRetry time.Duration
}

// Manager holds at most one live session. Creation and destruction are
// serialized by the lifecycle lock; leases are tracked under mu.
type Manager[H any] struct {
	factory Factory[H]
	creds   crawler.Credentials
	exec    *bounded.Executor
	cfg     Config
	logger  *zap.Logger

	lifecycle chan struct{}

	mu         sync.Mutex
	state      State
	handle     H
	lastUsed   time.Time
	everLive   bool
	leases     int
	generation uint64
}

// NewManager builds a Manager. exec and logger may be nil.
func NewManager[H any](
	factory Factory[H],
	creds crawler.Credentials,
	exec *bounded.Executor,
	cfg Config,
	logger *zap.Logger,
) *Manager[H] {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.InitialRetry <= 0 {
		cfg.InitialRetry = DefaultInitialRetry
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if exec == nil {
		exec = bounded.NewExecutor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager[H]{
		factory:   factory,
		creds:     creds,
		exec:      exec,
		cfg:       cfg,
		logger:    logger.With(zap.String("connection_id", cfg.ConnectionID)),
		lifecycle: make(chan struct{}, 1),
		state:     StateAbsent,
	}
}

// State reports the current lifecycle state.
func (m *Manager[H]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastUsed reports when the session last served a successful call.
func (m *Manager[H]) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

type lease[H any] struct {
	handle     H
	generation uint64
	created    bool
}

// Get returns the live session, creating it if needed, and refreshes its
// last-used time. Repository calls should go through Use instead so the
// session cannot be released underneath them.
func (m *Manager[H]) Get(ctx context.Context) bounded.Outcome[H] {
	out := m.lease(ctx)
	l, ok := out.Value()
	if !ok {
		return bounded.Map[lease[H], H](out)
	}
	m.release(l, bounded.KindSuccess)
	return bounded.Success(l.handle)
}

// Use leases the session and runs fn through a bounded call. A zero
// call.Timeout means the manager's CallTimeout; NoTimeout removes the bound.
// A transient connectivity failure discards the session so the next call
// re-creates it. A Fatal outcome wrapping ErrCreate means no session could be
// built and fn never ran.
func Use[H, T any](
	ctx context.Context,
	m *Manager[H],
	call bounded.Call,
	fn func(ctx context.Context, session H) (T, error),
) bounded.Outcome[T] {
	out := m.lease(ctx)
	l, ok := out.Value()
	if !ok {
		return bounded.Map[lease[H], T](out)
	}
	switch call.Timeout {
	case 0:
		call.Timeout = m.cfg.CallTimeout
	case NoTimeout:
		call.Timeout = 0
	}
	res := bounded.Execute(ctx, m.exec, call, func(ctx context.Context) (T, error) {
		return fn(ctx, l.handle)
	})
	m.release(l, res.Kind())
	if res.Kind() == bounded.KindTransient && brokenConnection(res.Err()) {
		m.discard(l.generation, res.Err())
		return retryNow[T](m.exec.Now(), res.Interruption())
	}
	return res
}

// retryNow rewrites a mid-life interruption so the next call re-creates the
// session without waiting.
func retryNow[T any](now time.Time, si *bounded.ServiceInterruption) bounded.Outcome[T] {
	cp := *si
	cp.RetryAfter = now
	return bounded.Transient[T](&cp)
}

// Check tests the connection with a lightweight liveness call. A stale
// session that fails its liveness call is discarded and a fresh one is built and
// checked in its place; only a failure of that fresh session is reported as
// transient.
func (m *Manager[H]) Check(ctx context.Context) bounded.Outcome[struct{}] {
	for attempt := 0; ; attempt++ {
		out := m.lease(ctx)
		l, ok := out.Value()
		if !ok {
			return bounded.Map[lease[H], struct{}](out)
		}
		res := bounded.Execute(ctx, m.exec, bounded.Call{Name: "session.check", Timeout: m.cfg.CallTimeout},
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.factory.CheckLive(ctx, l.handle)
			})
		m.release(l, res.Kind())
		if res.Kind() != bounded.KindTransient {
			return res
		}
		m.discard(l.generation, res.Err())
		switch {
		case l.created:
			return bounded.Transient[struct{}](&bounded.ServiceInterruption{
				Cause:      res.Interruption().Cause,
				RetryAfter: m.exec.Now().Add(m.cfg.InitialRetry),
				Err:        res.Err(),
			})
		case attempt > 0:
			// Someone else rebuilt the session between our attempts and it
			// failed too; let the next call try again.
			return retryNow[struct{}](m.exec.Now(), res.Interruption())
		}
	}
}

// ReleaseIfIdle destroys the session when it has been idle for at least the
// idle timeout and nothing holds a lease. It reports whether a session was
// released. Destruction failures are logged and the session is cleared anyway.
func (m *Manager[H]) ReleaseIfIdle(ctx context.Context, now time.Time) bounded.Outcome[bool] {
	if err := m.lockLifecycle(ctx); err != nil {
		return bounded.Interrupted[bool](err)
	}
	defer m.unlockLifecycle()

	m.mu.Lock()
	if m.state != StateLive || m.leases > 0 || now.Sub(m.lastUsed) < m.cfg.IdleTimeout {
		m.mu.Unlock()
		return bounded.Success(false)
	}
	handle := m.clearLocked()
	m.mu.Unlock()

	out := m.destroy(ctx, handle)
	if out.Kind() == bounded.KindInterrupted {
		return bounded.Map[struct{}, bool](out)
	}
	metrics.ObserveSessionEvent(m.cfg.ConnectionID, "idle_released")
	m.logger.Info("idle session released", zap.Duration("idle_timeout", m.cfg.IdleTimeout))
	return bounded.Success(true)
}

// Disconnect unconditionally destroys and clears the session.
func (m *Manager[H]) Disconnect(ctx context.Context) error {
	if err := m.lockLifecycle(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	defer m.unlockLifecycle()

	m.mu.Lock()
	if m.state != StateLive {
		m.mu.Unlock()
		return nil
	}
	handle := m.clearLocked()
	m.mu.Unlock()

	out := m.destroy(ctx, handle)
	metrics.ObserveSessionEvent(m.cfg.ConnectionID, "disconnected")
	if out.Kind() != bounded.KindSuccess {
		return fmt.Errorf("disconnect: %w", out.Err())
	}
	return nil
}

func (m *Manager[H]) lease(ctx context.Context) bounded.Outcome[lease[H]] {
	if l, ok := m.tryLease(); ok {
		return bounded.Success(l)
	}
	if err := m.lockLifecycle(ctx); err != nil {
		return bounded.Interrupted[lease[H]](err)
	}
	defer m.unlockLifecycle()

	// Another caller may have finished creating while we waited.
	if l, ok := m.tryLease(); ok {
		return bounded.Success(l)
	}
	if missing := m.missingCredentials(); len(missing) > 0 {
		return bounded.Fatal[lease[H]](&createError{
			err: fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", ")),
		})
	}

	m.mu.Lock()
	m.state = StateCreating
	everLive := m.everLive
	m.mu.Unlock()

	out := bounded.Execute(ctx, m.exec, bounded.Call{Name: "session.create", Timeout: m.cfg.CallTimeout},
		func(ctx context.Context) (H, error) {
			return m.factory.CreateSession(ctx, m.creds)
		})

	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := out.Value()
	if !ok {
		m.state = StateAbsent
		metrics.ObserveSessionEvent(m.cfg.ConnectionID, "create_failed")
		m.logger.Warn("session creation failed", zap.Stringer("kind", out.Kind()), zap.Error(out.Err()))
		if out.Kind() == bounded.KindTransient {
			if everLive {
				return retryNow[lease[H]](m.exec.Now(), out.Interruption())
			}
			return bounded.Transient[lease[H]](&bounded.ServiceInterruption{
				Cause:      "session creation failed: " + out.Interruption().Cause,
				RetryAfter: m.exec.Now().Add(m.cfg.InitialRetry),
				Err:        out.Err(),
			})
		}
		if out.Kind() == bounded.KindFatal {
			return bounded.Fatal[lease[H]](&createError{err: out.Err()})
		}
		return bounded.Map[H, lease[H]](out)
	}
	m.state = StateLive
	m.handle = handle
	m.everLive = true
	m.lastUsed = m.exec.Now()
	m.generation++
	m.leases++
	metrics.ObserveSessionEvent(m.cfg.ConnectionID, "created")
	m.logger.Debug("session created")
	return bounded.Success(lease[H]{handle: handle, generation: m.generation, created: true})
}

func (m *Manager[H]) tryLease() (lease[H], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLive {
		return lease[H]{}, false
	}
	m.leases++
	return lease[H]{handle: m.handle, generation: m.generation}, true
}

func (m *Manager[H]) release(l lease[H], kind bounded.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases > 0 {
		m.leases--
	}
	if kind == bounded.KindSuccess && l.generation == m.generation && m.state == StateLive {
		m.lastUsed = m.exec.Now()
	}
}

// discard drops the session without destroying it remotely, if it is still
// the generation the failing caller used.
func (m *Manager[H]) discard(generation uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLive || m.generation != generation {
		return
	}
	m.clearLocked()
	metrics.ObserveSessionEvent(m.cfg.ConnectionID, "discarded")
	m.logger.Warn("session discarded after transient failure", zap.Error(cause))
}

func (m *Manager[H]) clearLocked() H {
	handle := m.handle
	var zero H
	m.handle = zero
	m.state = StateAbsent
	return handle
}

func (m *Manager[H]) destroy(ctx context.Context, handle H) bounded.Outcome[struct{}] {
	out := bounded.Execute(ctx, m.exec, bounded.Call{Name: "session.destroy", Timeout: m.cfg.CallTimeout},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.factory.DestroySession(ctx, handle)
		})
	if out.Kind() != bounded.KindSuccess {
		m.logger.Warn("session destroy failed; state cleared", zap.Stringer("kind", out.Kind()), zap.Error(out.Err()))
	}
	return out
}

func (m *Manager[H]) missingCredentials() []string {
	var missing []string
	for _, key := range m.factory.RequiredCredentials() {
		if strings.TrimSpace(m.creds[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func (m *Manager[H]) lockLifecycle(ctx context.Context) error {
	select {
	case m.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager[H]) unlockLifecycle() {
	<-m.lifecycle
}

func brokenConnection(err error) bool {
	return errors.Is(err, bounded.ErrTimeout) || bounded.IsConnectivity(err)
}
