package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/lock"
	"trading-core/internal/money"
	"trading-core/internal/monitor"
	"trading-core/internal/orderstore"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	balances := balance.NewManager(nil)
	balances.SeedInitialBalance("USDT", money.MustParse("10000", "USDT"))

	store, err := orderstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	brk := breaker.New(breaker.Config{LossThreshold: decimal.RequireFromString("0.1")})

	return NewServer(brk, balances, lock.NewLocker(), store,
		monitor.NewEngineMetrics(), "", "test-secret",
		SystemMeta{NodeID: "node-1", PaperTrading: true})
}

func obtainToken(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"secret": "test-secret"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(body))
	s.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthIsPublic(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/balances", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(map[string]string{"secret": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(body))
	s.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBalancesEndpoint(t *testing.T) {
	s := testServer(t)
	token := obtainToken(t, s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/balances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "10000.00000000", resp["USDT"]["total"])
	require.Equal(t, "0.00000000", resp["USDT"]["reserved"])
}

func TestBreakerEndpoint(t *testing.T) {
	s := testServer(t)
	token := obtainToken(t, s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/breaker", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "CLOSED", resp.State)
}
