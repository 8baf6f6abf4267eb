package broker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session is the per-adapter authenticated state. It is replaced as a whole
// on re-authentication, never mutated field by field, so concurrent readers
// cannot observe a partial update.
type Session struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

// Valid reports whether the session can still be used at the given instant.
// A zero ExpiresAt means the session does not expire.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// SessionHolder owns an adapter's session and serializes authentication.
// Concurrent callers needing a session share one in-flight authenticate
// instead of issuing duplicate token requests.
type SessionHolder struct {
	current atomic.Pointer[Session]
	group   singleflight.Group
}

// Current returns the session as last replaced, which may be nil or expired.
func (h *SessionHolder) Current() *Session {
	return h.current.Load()
}

// Replace atomically installs a new session.
func (h *SessionHolder) Replace(s *Session) {
	h.current.Store(s)
}

// Invalidate drops the current session so the next Ensure re-authenticates.
func (h *SessionHolder) Invalidate() {
	h.current.Store(nil)
}

// Ensure returns a valid session, running authFn at most once across all
// concurrent callers when the current session is missing or expired.
func (h *SessionHolder) Ensure(ctx context.Context, authFn func(ctx context.Context) (*Session, error)) (*Session, error) {
	if s := h.current.Load(); s.Valid(time.Now()) {
		return s, nil
	}

	v, err, _ := h.group.Do("authenticate", func() (interface{}, error) {
		// A caller that queued behind the winner sees the fresh session here
		// and skips the network round trip.
		if s := h.current.Load(); s.Valid(time.Now()) {
			return s, nil
		}
		s, err := authFn(ctx)
		if err != nil {
			return nil, err
		}
		h.current.Store(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}
