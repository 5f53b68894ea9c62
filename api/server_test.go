package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"gridbot/bot"
	"gridbot/config"
	"gridbot/kernel"
	"gridbot/store"
)

const (
	testPassword   = "hunter2"
	testTOTPSecret = "JBSWY3DPEHPK3PXP"
)

// fakeController stands in for the bot: a canned status plus a counter
// for operator commands.
type fakeController struct {
	mu     sync.Mutex
	status bot.Status
	resets int
}

func (f *fakeController) Status() bot.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) ResetRisk() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeController) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func newTestServer(t *testing.T, totpSecret string) (*Server, *fakeController, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctrl := &fakeController{status: bot.Status{
		State:     "running",
		Exchange:  "bybit",
		Symbol:    "BTCUSDT",
		Tier:      "800-1500",
		GridCount: 15,
		LastPrice: 50000,
		Balance:   1000,
		Risk:      kernel.NewRiskState(1000, time.Now()),
	}}

	srv, err := NewServer(config.APIConfig{
		Enabled:         true,
		Port:            0,
		JWTSecret:       "test-secret",
		AdminPassword:   testPassword,
		ResetTOTPSecret: totpSecret,
	}, ctrl, st)
	require.NoError(t, err)

	return srv, ctrl, st
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	w := doRequest(srv, http.MethodPost, "/api/login", "", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLoginIssuesToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	token := login(t, srv)

	claims, err := srv.auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Subject)
	require.Equal(t, "operator", claims.Role)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodPost, "/api/login", "", map[string]string{"password": "not-the-password"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/login", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	for _, path := range []string{"/api/status", "/api/trades", "/api/events", "/api/equity", "/api/statistics"} {
		w := doRequest(srv, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "path %s", path)
	}

	w := doRequest(srv, http.MethodPost, "/api/risk/reset", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/status", "garbage-token", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusReflectsController(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	token := login(t, srv)

	w := doRequest(srv, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status bot.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "running", status.State)
	require.Equal(t, "BTCUSDT", status.Symbol)
	require.Equal(t, "800-1500", status.Tier)
	require.Equal(t, 15, status.GridCount)
}

func TestLogoutBlacklistsToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	token := login(t, srv)

	w := doRequest(srv, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// A fresh login works again.
	token = login(t, srv)
	w = doRequest(srv, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRiskResetForwardsToBot(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	token := login(t, srv)

	// No TOTP secret configured: an empty body is enough.
	w := doRequest(srv, http.MethodPost, "/api/risk/reset", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, ctrl.resetCount())
}

func TestRiskResetRequiresTOTPWhenConfigured(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, testTOTPSecret)
	token := login(t, srv)

	// Missing and wrong codes are rejected without touching the bot.
	w := doRequest(srv, http.MethodPost, "/api/risk/reset", token, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/risk/reset", token, map[string]string{"otp_code": "000000"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, 0, ctrl.resetCount())

	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	require.NoError(t, err)

	w = doRequest(srv, http.MethodPost, "/api/risk/reset", token, map[string]string{"otp_code": code})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, ctrl.resetCount())
}

func TestStopSignalsShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	token := login(t, srv)

	select {
	case <-srv.StopRequested():
		t.Fatal("stop channel closed before the stop request")
	default:
	}

	w := doRequest(srv, http.MethodPost, "/api/stop", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-srv.StopRequested():
	default:
		t.Fatal("stop channel still open after the stop request")
	}

	// A second stop is harmless.
	w = doRequest(srv, http.MethodPost, "/api/stop", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTradesServedFromStore(t *testing.T) {
	srv, _, st := newTestServer(t, "")
	token := login(t, srv)

	require.NoError(t, st.Trade().Save(&store.TradeModel{
		Symbol: "BTCUSDT", Side: "Buy", Price: 49766.67, Qty: 0.002, OrderID: "o-1", Status: "Filled",
	}))
	require.NoError(t, st.Trade().Save(&store.TradeModel{
		Symbol: "BTCUSDT", Side: "Sell", Price: 50233.33, Qty: 0.002, OrderID: "o-2", Status: "Filled", PnL: 0.893,
	}))

	w := doRequest(srv, http.MethodGet, "/api/trades", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var trades []store.TradeModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 2)

	w = doRequest(srv, http.MethodGet, "/api/trades?symbol=ETHUSDT", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Empty(t, trades)
}

func TestEventsServedFromStore(t *testing.T) {
	srv, _, st := newTestServer(t, "")
	token := login(t, srv)

	require.NoError(t, st.Event().Log(&store.EventModel{Type: store.EventGridRebuilt, Symbol: "BTCUSDT", Message: "15 levels"}))
	require.NoError(t, st.Event().Log(&store.EventModel{Type: store.EventRiskHalt, Symbol: "BTCUSDT", Message: "daily loss limit"}))

	w := doRequest(srv, http.MethodGet, "/api/events", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var events []store.EventModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)

	w = doRequest(srv, http.MethodGet, "/api/events?type="+store.EventRiskHalt, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, store.EventRiskHalt, events[0].Type)
}

func TestEquityServedFromStore(t *testing.T) {
	srv, _, st := newTestServer(t, "")
	token := login(t, srv)

	require.NoError(t, st.Equity().Save(&store.EquityModel{TotalEquity: 1000, Balance: 1000}))
	require.NoError(t, st.Equity().Save(&store.EquityModel{TotalEquity: 1010, Balance: 1005}))

	w := doRequest(srv, http.MethodGet, "/api/equity?limit=1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snaps []store.EquityModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
}

func TestStatisticsUseBotSymbol(t *testing.T) {
	srv, _, st := newTestServer(t, "")
	token := login(t, srv)

	// A winning and a losing round trip for the bot's symbol.
	require.NoError(t, st.Trade().Save(&store.TradeModel{Symbol: "BTCUSDT", Side: "Sell", Price: 50233, Qty: 0.002, PnL: 0.9, Note: "round trip"}))
	require.NoError(t, st.Trade().Save(&store.TradeModel{Symbol: "BTCUSDT", Side: "Buy", Price: 49766, Qty: 0.002, PnL: -0.2, Note: "round trip"}))

	w := doRequest(srv, http.MethodGet, "/api/statistics", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats store.TradeStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.EqualValues(t, 2, stats.Trades)
	require.EqualValues(t, 1, stats.Wins)
	require.InDelta(t, 0.7, stats.TotalPnL, 1e-9)
}
