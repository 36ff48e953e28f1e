package session

import (
	"context"
	"time"
)

const (
	// DefaultIdleTimeout is how long a session may go without interaction.
	DefaultIdleTimeout = 15 * time.Minute

	// DefaultCheckInterval is how often the liveness check re-reads the
	// persisted activity time. It catches sessions whose idle timer was
	// delayed, e.g. in a throttled background tab.
	DefaultCheckInterval = 60 * time.Second

	// DefaultSignInPath is where an expired session is sent.
	DefaultSignInPath = "/auth/signin"

	defaultSignOutTimeout = 10 * time.Second
)

// State is the monitor's lifecycle state.
type State int

const (
	// Inactive means no authenticated session is tracked.
	Inactive State = iota
	// Monitoring means a session is present and the idle timer is armed.
	Monitoring
	// Expiring means the idle timeout fired and sign-out is in progress.
	Expiring
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Monitoring:
		return "monitoring"
	case Expiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// EventType is a user interaction that counts as activity.
type EventType string

const (
	EventPointerDown EventType = "pointerdown"
	EventPointerMove EventType = "pointermove"
	EventKeyDown     EventType = "keydown"
	EventScroll      EventType = "scroll"
	EventTouchStart  EventType = "touchstart"
	EventClick       EventType = "click"
)

// ActivityEvents is the fixed set of events the monitor listens to.
var ActivityEvents = []EventType{
	EventPointerDown,
	EventPointerMove,
	EventKeyDown,
	EventScroll,
	EventTouchStart,
	EventClick,
}

// IsActivityEvent reports whether name is one of ActivityEvents.
func IsActivityEvent(name string) bool {
	for _, e := range ActivityEvents {
		if string(e) == name {
			return true
		}
	}
	return false
}

// EventSource delivers interaction events. Subscribe returns a func that
// removes the listener. Implementations must not hold their own locks
// while invoking listeners.
type EventSource interface {
	Subscribe(event EventType, fn func()) (unsubscribe func())
}

// Authenticator revokes the session with the external auth provider.
type Authenticator interface {
	SignOut(ctx context.Context) error
}

// Navigator reports the current location and performs redirects.
type Navigator interface {
	Path() string
	Redirect(url string)
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the monitor can be driven manually.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
