package broker

import (
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClassifyRetriesDialFailureForOrderPlacement(t *testing.T) {
	// A dial failure proves the request never reached the broker, so even
	// non-idempotent order placement may be retried.
	tr := newTransport("http://127.0.0.1:1", "test", 10000, 1, zap.NewNop())
	dialErr := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/order",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")},
	}

	retryable, terminal, _ := tr.classify(nil, dialErr, false)
	assert.True(t, retryable)
	assert.Nil(t, terminal)
}

func TestClassifyDoesNotRetryAmbiguousPlacementFailure(t *testing.T) {
	// Once the request may have gone out, a lost response is ambiguous and
	// order placement must not be resubmitted.
	tr := newTransport("http://127.0.0.1:1", "test", 10000, 1, zap.NewNop())
	timeoutErr := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/order",
		Err: errors.New("net/http: timeout awaiting response headers"),
	}

	retryable, terminal, _ := tr.classify(nil, timeoutErr, false)
	assert.False(t, retryable)
	assert.Nil(t, terminal)

	// Reads remain retryable either way.
	retryable, _, _ = tr.classify(nil, timeoutErr, true)
	assert.True(t, retryable)
}
