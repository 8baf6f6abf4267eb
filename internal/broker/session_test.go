package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	assert.False(t, nilSession.Valid(now))
	assert.False(t, (&Session{}).Valid(now))
	assert.True(t, (&Session{Token: "t"}).Valid(now), "zero expiry means no expiry")
	assert.True(t, (&Session{Token: "t", ExpiresAt: now.Add(time.Hour)}).Valid(now))
	assert.False(t, (&Session{Token: "t", ExpiresAt: now.Add(-time.Second)}).Valid(now))
}

func TestSessionHolderEnsureSingleFlight(t *testing.T) {
	var holder SessionHolder
	var calls atomic.Int32

	authFn := func(ctx context.Context) (*Session, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the flight open
		return &Session{Token: "tok", AccountID: "acct"}, nil
	}

	const concurrency = 16
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := holder.Ensure(context.Background(), authFn)
			assert.NoError(t, err)
			assert.Equal(t, "tok", s.Token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one authenticate")
}

func TestSessionHolderEnsureReusesValidSession(t *testing.T) {
	var holder SessionHolder
	holder.Replace(&Session{Token: "existing", ExpiresAt: time.Now().Add(time.Hour)})

	s, err := holder.Ensure(context.Background(), func(ctx context.Context) (*Session, error) {
		t.Fatal("authFn must not run while session is valid")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "existing", s.Token)
}

func TestSessionHolderReauthenticatesAfterExpiry(t *testing.T) {
	var holder SessionHolder
	holder.Replace(&Session{Token: "stale", ExpiresAt: time.Now().Add(-time.Minute)})

	s, err := holder.Ensure(context.Background(), func(ctx context.Context) (*Session, error) {
		return &Session{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "fresh", s.Token)
	assert.Equal(t, "fresh", holder.Current().Token, "new session must be installed")
}

func TestSessionHolderInvalidate(t *testing.T) {
	var holder SessionHolder
	holder.Replace(&Session{Token: "t"})
	holder.Invalidate()
	assert.Nil(t, holder.Current())
}
