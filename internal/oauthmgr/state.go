package oauthmgr

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateTTL bounds how long an authorization round-trip may take. A state
// nonce that is not consumed within the window is discarded.
const stateTTL = 10 * time.Minute

type pendingAuth struct {
	userID    string
	brokerKey string
	expiresAt time.Time
}

// stateStore holds in-flight authorization state nonces. In-memory on
// purpose: a pending authorization does not survive a restart, the user
// simply starts over.
type stateStore struct {
	mu      sync.Mutex
	pending map[string]pendingAuth
	now     func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{
		pending: make(map[string]pendingAuth),
		now:     time.Now,
	}
}

// Issue mints a state nonce bound to (user, broker).
func (s *stateStore) Issue(userID, brokerKey string) string {
	state := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	s.pending[state] = pendingAuth{
		userID:    userID,
		brokerKey: brokerKey,
		expiresAt: s.now().Add(stateTTL),
	}
	return state
}

// Consume looks up and removes the binding for a returned state. The compare
// against stored nonces is constant-time.
func (s *stateStore) Consume(state string) (userID, brokerKey string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	for candidate, p := range s.pending {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(state)) == 1 {
			delete(s.pending, candidate)
			return p.userID, p.brokerKey, true
		}
	}
	return "", "", false
}

func (s *stateStore) evictLocked() {
	now := s.now()
	for state, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, state)
		}
	}
}
