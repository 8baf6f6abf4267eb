package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/config"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/executor"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/oauthmgr"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

func newTestServer(t *testing.T, tokenURL string) (*Server, *oauthmgr.Manager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OAuthTokenRecord{}))

	mgr := oauthmgr.New(db, secrets.NewAESEncryptor("test"), config.OAuth{
		RedirectBaseURL: "http://localhost:8080",
		Providers: map[string]config.OAuthProvider{
			"tradier": {
				ClientID: "id", ClientSecret: "secret",
				AuthURL:  "https://auth.example.com/authorize",
				TokenURL: tokenURL,
			},
		},
	}, zap.NewNop())

	return NewServer(0, mgr, registry.New(registry.ModeMultiUser, zap.NewNop()), &stubTrades{}, zap.NewNop()), mgr
}

// stubTrades records the last call and returns a canned result.
type stubTrades struct {
	lastUserID string
	lastSignal models.TradeSignal
	lastPct    float64
}

func (s *stubTrades) ExecuteTrade(ctx context.Context, userID string, signal models.TradeSignal, opts executor.Options) *executor.ExecResult {
	s.lastUserID = userID
	s.lastSignal = signal
	return &executor.ExecResult{Success: true}
}

func (s *stubTrades) ClosePosition(ctx context.Context, userID, symbol string, percentage float64) *executor.ExecResult {
	s.lastUserID = userID
	s.lastPct = percentage
	return &executor.ExecResult{Success: true}
}

func issueState(t *testing.T, mgr *oauthmgr.Manager) string {
	t.Helper()
	raw, err := mgr.AuthorizeURL("u1", "tradier")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func tokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
}

func TestCallbackGET(t *testing.T) {
	upstream := tokenEndpoint(t)
	defer upstream.Close()
	srv, mgr := newTestServer(t, upstream.URL+"/token")
	state := issueState(t, mgr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/broker/callback?code=abc&state="+state, nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	status, err := mgr.Status("u1", "tradier")
	require.NoError(t, err)
	assert.Equal(t, oauthmgr.StateConnected, status)
}

func TestCallbackPOST(t *testing.T) {
	upstream := tokenEndpoint(t)
	defer upstream.Close()
	srv, mgr := newTestServer(t, upstream.URL+"/token")
	state := issueState(t, mgr)

	form := url.Values{"code": {"abc"}, "state": {state}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/broker/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackRejections(t *testing.T) {
	srv, _ := newTestServer(t, "https://token.example.com/token")

	// Missing parameters.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/broker/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown state.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/broker/callback?code=x&state=bogus", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unsupported verb.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/auth/broker/callback", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExecuteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "https://token.example.com/token")
	stub := srv.trades.(*stubTrades)

	body := `{"user_id":"u1","signal":{"symbol":"AAPL","action":"buy","price":150}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", stub.lastUserID)
	assert.Equal(t, "AAPL", stub.lastSignal.Symbol)

	var res executor.ExecResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)

	// Missing user fails fast without reaching the executor.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"signal":{}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/execute", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestClosePositionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "https://token.example.com/token")
	stub := srv.trades.(*stubTrades)

	body := `{"user_id":"u1","symbol":"AAPL","percentage":50}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/positions/close", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50.0, stub.lastPct)
}

func TestStatusAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, "https://token.example.com/token")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Brokers []string `json:"brokers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status.Brokers, "binance")
	assert.Contains(t, status.Brokers, "alpaca")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}
