// Package session enforces the idle-logout policy for signed-in users.
//
// A Monitor watches interaction events for one browsing context, persists
// the time of the last one, and signs the user out after IdleTimeout
// without activity. Expiry clears the local session, revokes it with the
// auth provider and redirects to the sign-in page with session=expired.
//
// Lock order: Monitor.mu is taken before any lock inside the EventSource
// (Subscribe) or the Clock (Timer.Stop). Listeners and timer callbacks run
// without either held.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/model"
)

// Config tunes a Monitor. Zero values take the defaults.
type Config struct {
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
	SignInPath     string
	SignOutTimeout time.Duration
	Clock          Clock
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.SignInPath == "" {
		c.SignInPath = DefaultSignInPath
	}
	if c.SignOutTimeout <= 0 {
		c.SignOutTimeout = defaultSignOutTimeout
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Monitor tracks idle time for one session. Create with NewMonitor; the
// zero value is not usable.
type Monitor struct {
	mu sync.Mutex

	cfg    Config
	store  kvstore.Store
	events EventSource
	auth   Authenticator
	nav    Navigator
	logger *slog.Logger

	state   State
	running bool
	ctx     context.Context

	idleTimer  Timer
	checkTimer Timer
	// Generations invalidate callbacks of timers that were already
	// replaced or stopped when they fire.
	idleGen  uint64
	checkGen uint64

	unsubscribe []func()
}

// NewMonitor creates a monitor. store holds the user record and the
// activity time; auth and nav may be nil.
func NewMonitor(store kvstore.Store, events EventSource, auth Authenticator, nav Navigator, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:    cfg,
		store:  store,
		events: events,
		auth:   auth,
		nav:    nav,
		logger: cfg.Logger,
		state:  Inactive,
		ctx:    context.Background(),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether Start has been called without a matching Stop.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastActivity returns the persisted activity time. It returns false when
// none is stored or the value cannot be decoded.
func (m *Monitor) LastActivity() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivityLocked()
}

// IdleTimeout returns the configured idle window.
func (m *Monitor) IdleTimeout() time.Duration {
	return m.cfg.IdleTimeout
}

// Start registers the activity listeners and the liveness check. When a
// session is already persisted it is either resumed or, if its last
// activity is older than the idle window, expired immediately.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.startLocked(ctx)
	expire := false
	if m.hasUserLocked() {
		expire = m.resumeLocked()
	}
	m.mu.Unlock()

	if expire {
		m.logger.Info("persisted session already idle past timeout")
		m.Expire(ctx)
	}
}

// Stop clears both timers and removes every listener. Events delivered
// after Stop have no effect.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopIdleLocked()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	m.checkGen++
	if m.state == Monitoring {
		m.state = Inactive
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// OnUserLogin marks the start of an authenticated session. The caller
// persists the user record first.
func (m *Monitor) OnUserLogin(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		m.startLocked(ctx)
	}
	m.writeActivityLocked(m.cfg.Clock.Now())
	m.state = Monitoring
	m.armIdleLocked(m.cfg.IdleTimeout)
	m.logger.Debug("session monitoring started")
}

// OnUserLogout stops monitoring and forgets the activity time. Remote
// sign-out is the caller's responsibility on an explicit logout.
func (m *Monitor) OnUserLogout() {
	m.Stop()
	m.mu.Lock()
	m.removeLocked(model.KeyLastActivityTime)
	m.state = Inactive
	m.mu.Unlock()
	m.logger.Debug("session monitoring stopped on logout")
}

// Expire runs the idle-timeout side effects: clear the local session,
// revoke it remotely and redirect to sign-in. It is safe to call more than
// once; calls made while expiry is in progress, or after the session
// record is gone, do nothing. A failed remote sign-out is logged and does
// not stop the local expiry.
func (m *Monitor) Expire(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.state == Expiring || (m.state != Monitoring && !m.hasUserLocked()) {
		m.mu.Unlock()
		return
	}
	m.state = Expiring
	m.stopIdleLocked()
	m.removeLocked(model.KeyUser)
	m.removeLocked(model.KeyLastActivityTime)
	auth, nav := m.auth, m.nav
	m.mu.Unlock()

	if auth != nil {
		signOutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SignOutTimeout)
		if err := auth.SignOut(signOutCtx); err != nil {
			m.logger.Warn("remote sign-out after idle timeout", "error", err)
		}
		cancel()
	}

	if nav != nil && !m.onSignInPage(nav.Path()) {
		nav.Redirect(m.expiredURL())
	}

	m.mu.Lock()
	m.state = Inactive
	m.mu.Unlock()
	m.logger.Info("session expired after inactivity", "idle_timeout", m.cfg.IdleTimeout)
}

func (m *Monitor) startLocked(ctx context.Context) {
	m.running = true
	m.ctx = ctx
	if m.events != nil {
		for _, ev := range ActivityEvents {
			ev := ev
			m.unsubscribe = append(m.unsubscribe, m.events.Subscribe(ev, func() { m.handleActivity(ev) }))
		}
	}
	m.scheduleCheckLocked()
}

// resumeLocked enters Monitoring for a persisted session, or reports that
// it must be expired. A session with no readable activity time starts its
// idle window now.
func (m *Monitor) resumeLocked() (expire bool) {
	now := m.cfg.Clock.Now()
	last, ok := m.lastActivityLocked()
	if !ok {
		last = now
		m.writeActivityLocked(now)
	}
	idle := now.Sub(last)
	if idle >= m.cfg.IdleTimeout {
		return true
	}
	m.state = Monitoring
	m.armIdleLocked(m.cfg.IdleTimeout - idle)
	return false
}

func (m *Monitor) handleActivity(ev EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.state != Monitoring {
		return
	}
	m.writeActivityLocked(m.cfg.Clock.Now())
	m.armIdleLocked(m.cfg.IdleTimeout)
}

func (m *Monitor) armIdleLocked(d time.Duration) {
	m.stopIdleLocked()
	gen := m.idleGen
	m.idleTimer = m.cfg.Clock.AfterFunc(d, func() { m.onIdleTimer(gen) })
}

func (m *Monitor) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.idleGen++
}

func (m *Monitor) scheduleCheckLocked() {
	m.checkGen++
	gen := m.checkGen
	m.checkTimer = m.cfg.Clock.AfterFunc(m.cfg.CheckInterval, func() { m.onCheck(gen) })
}

// onIdleTimer fires when no activity reset the idle timer. The persisted
// activity time is consulted first since another context sharing the
// store may have recorded activity.
func (m *Monitor) onIdleTimer(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.idleGen || m.state != Monitoring {
		m.mu.Unlock()
		return
	}
	if remaining, ok := m.remainingLocked(); ok {
		m.armIdleLocked(remaining)
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()
	m.Expire(ctx)
}

// onCheck is the recurring liveness check.
func (m *Monitor) onCheck(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.checkGen {
		m.mu.Unlock()
		return
	}
	m.scheduleCheckLocked()

	expire := false
	switch m.state {
	case Monitoring:
		if !m.hasUserLocked() {
			// Signed out elsewhere.
			m.stopIdleLocked()
			m.state = Inactive
			break
		}
		_, ok := m.remainingLocked()
		expire = !ok
	case Inactive:
		if m.hasUserLocked() {
			// Signed in elsewhere.
			expire = m.resumeLocked()
		}
	}
	ctx := m.ctx
	m.mu.Unlock()

	if expire {
		m.Expire(ctx)
	}
}

// remainingLocked returns the time left in the idle window according to
// the persisted activity time, and false when it has run out or cannot be
// read.
func (m *Monitor) remainingLocked() (time.Duration, bool) {
	last, ok := m.lastActivityLocked()
	if !ok {
		return 0, false
	}
	remaining := m.cfg.IdleTimeout - m.cfg.Clock.Now().Sub(last)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (m *Monitor) hasUserLocked() bool {
	raw, ok := m.readLocked(model.KeyUser)
	if !ok {
		return false
	}
	rec, ok := model.DecodeUserRecord(raw)
	return ok && !rec.IsGuest()
}

func (m *Monitor) lastActivityLocked() (time.Time, bool) {
	raw, ok := m.readLocked(model.KeyLastActivityTime)
	if !ok {
		return time.Time{}, false
	}
	return model.DecodeActivityTime(raw)
}

func (m *Monitor) writeActivityLocked(t time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.Set(model.KeyLastActivityTime, model.EncodeActivityTime(t)); err != nil {
		m.logger.Debug("persist activity time", "error", err)
	}
}

func (m *Monitor) readLocked(key string) (string, bool) {
	if m.store == nil {
		return "", false
	}
	v, err := m.store.Get(key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Debug("read session state", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (m *Monitor) removeLocked(key string) {
	if m.store == nil {
		return
	}
	if err := m.store.Remove(key); err != nil {
		m.logger.Debug("clear session state", "key", key, "error", err)
	}
}

func (m *Monitor) onSignInPage(current string) bool {
	u, err := url.Parse(current)
	if err != nil {
		return current == m.cfg.SignInPath
	}
	return u.Path == m.cfg.SignInPath
}

func (m *Monitor) expiredURL() string {
	return m.cfg.SignInPath + "?session=expired"
}
