package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultCallTimeout = 15 * time.Second

// transport is the shared request path for REST adapters: per-connection
// throttling, bounded timeouts, retry with exponential backoff for
// idempotent calls, and classification into the error taxonomy.
type transport struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	broker  string

	// reauth, when set, is invoked once per call after the broker rejects
	// the session mid-flight; the call is then repeated against the fresh
	// session.
	reauth func(ctx context.Context) error
}

// authProbeKey marks requests issued by Authenticate itself, so a rejected
// probe cannot trigger another re-authentication.
type authProbeKey struct{}

func authProbe(ctx context.Context) context.Context {
	return context.WithValue(ctx, authProbeKey{}, true)
}

func newTransport(baseURL, brokerKey string, perSecond float64, burst int, logger *zap.Logger) *transport {
	return &transport{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(defaultCallTimeout),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
		broker:  brokerKey,
	}
}

// do executes a request. Idempotent calls (reads, cancels, status polls) are
// retried up to maxRetries with backoff. Non-idempotent calls (order
// placement) are retried only when the failure proves the broker never
// accepted the request: an ambiguous timeout after the request went out is
// surfaced as a NetworkError instead, because blind resubmission risks a
// duplicate order.
func (t *transport) do(ctx context.Context, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	const maxRetries = 3

	var resp *resty.Response
	var err error
	reauthed := false

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: method + " " + url, Err: err}
		}

		t.logger.Debug("executing broker request",
			zap.String("broker", t.broker),
			zap.String("method", method),
			zap.String("url", url),
		)
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		retryable, terminal, retryAfter := t.classify(resp, err, idempotent)
		if terminal != nil {
			var authErr *AuthenticationError
			if errors.As(terminal, &authErr) && t.reauth != nil && !reauthed && ctx.Value(authProbeKey{}) == nil {
				// The broker invalidated the session server-side. Drop it,
				// authenticate again and repeat the call exactly once. The
				// repeat does not consume a retry attempt.
				reauthed = true
				if rerr := t.reauth(ctx); rerr == nil {
					t.logger.Info("re-authenticated after session rejection",
						zap.String("broker", t.broker),
					)
					attempt--
					continue
				}
			}
			return resp, terminal
		}
		if !retryable || attempt == maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		t.logger.Warn("broker request failed, retrying",
			zap.String("broker", t.broker),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, &NetworkError{Op: method + " " + url, Err: ctx.Err()}
		}
	}

	if err != nil {
		return nil, &NetworkError{Op: method + " " + url, Err: err}
	}
	return resp, &NetworkError{
		Op:  method + " " + url,
		Err: fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String()),
	}
}

// classify decides whether a failed attempt may be retried and whether it
// maps to a terminal taxonomy error. Returns (retryable, terminal error,
// broker-supplied retry-after).
func (t *transport) classify(resp *resty.Response, err error, idempotent bool) (bool, error, time.Duration) {
	if resp == nil || resp.StatusCode() == 0 {
		// A dial failure proves the request never reached the broker, so
		// even order placement can be retried. Anything after a successful
		// dial is the ambiguous "did it submit?" case: do not retry
		// non-idempotent calls.
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return true, nil, 0
		}
		return idempotent, nil, 0
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return false, &AuthenticationError{BrokerKey: t.broker, Reason: resp.String()}, 0
	case status == http.StatusTooManyRequests || status == 418:
		var after time.Duration
		if secs, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
			after = time.Duration(secs) * time.Second
		}
		return true, nil, after
	case status >= http.StatusInternalServerError:
		// Server errors before acceptance are safe to retry even for order
		// placement only when the broker tells us the request was rejected
		// outright; without that signal, treat like a lost response.
		return idempotent, nil, 0
	case status >= http.StatusBadRequest:
		return false, &BrokerBusinessError{
			BrokerKey: t.broker,
			Code:      strconv.Itoa(status),
			Message:   resp.String(),
		}, 0
	}
	return false, nil, 0
}
