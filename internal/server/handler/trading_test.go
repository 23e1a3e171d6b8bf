package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/server/middleware"
	"github.com/marketloop/bondmarket/internal/service"
	"github.com/marketloop/bondmarket/internal/store/memory"
	"github.com/marketloop/bondmarket/internal/trading"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testAPI wires real services over the in-memory backend and exposes the
// routed mux, mirroring how the server registers handlers.
type testAPI struct {
	mux   *http.ServeMux
	store *memory.Store
	exec  *trading.Executor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memory.New()
	logger := testLogger()
	stores := st.Stores()

	exec := trading.NewExecutor(st, trading.Config{}, logger)
	bondSvc := service.NewBondService(stores.Bonds, nil, logger)
	portSvc := service.NewPortfolioService(stores.Portfolios, stores.Transactions, stores.Bonds, logger)

	th := NewTradingHandler(exec, logger)
	bh := NewBondHandler(bondSvc, logger)
	ph := NewPortfolioHandler(portSvc, logger)
	pay := NewPaymentHandler(exec, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bonds", bh.ListBonds)
	mux.HandleFunc("GET /api/bonds/{id}", bh.GetBond)
	mux.HandleFunc("POST /api/bonds", bh.CreateBond)
	mux.HandleFunc("PUT /api/bonds/{id}/status", bh.UpdateStatus)
	mux.HandleFunc("POST /api/trading/buy", th.Buy)
	mux.HandleFunc("POST /api/trading/sell", th.Sell)
	mux.HandleFunc("GET /api/trading", th.ListTransactions)
	mux.HandleFunc("GET /api/portfolio", ph.GetPortfolio)
	mux.HandleFunc("POST /api/payments/deposit", pay.Deposit)

	return &testAPI{mux: mux, store: st, exec: exec}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req = req.WithContext(middleware.WithUserID(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) seedBond(t *testing.T, id string, units int64) {
	t.Helper()
	require.NoError(t, a.store.Stores().Bonds.Create(context.Background(), domain.Bond{
		ID:             id,
		Name:           "Bond " + id,
		FaceValue:      1000,
		MaturityDate:   time.Now().AddDate(5, 0, 0),
		UnitsAvailable: units,
		Status:         domain.BondStatusActive,
	}))
}

func (a *testAPI) fund(t *testing.T, user string, amount float64) {
	t.Helper()
	_, err := a.exec.Deposit(context.Background(), user, amount, "test")
	require.NoError(t, err)
}

func TestBuyEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 100)
	api.fund(t, "user-1", 10000)

	rec := api.do(t, http.MethodPost, "/api/trading/buy", "user-1", map[string]any{
		"bond_id":        "bond-1",
		"quantity":       5,
		"price_per_unit": 1000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, domain.TradeSideBuy, resp.Transaction.Side)
	assert.Equal(t, float64(5000), resp.NewBalance)
	assert.NotEmpty(t, resp.Transaction.ID)
}

func TestBuyEndpointErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 3)
	api.fund(t, "user-1", 100)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown bond", map[string]any{"bond_id": "nope", "quantity": 1, "price_per_unit": 1}, http.StatusNotFound},
		{"zero quantity", map[string]any{"bond_id": "bond-1", "quantity": 0, "price_per_unit": 1}, http.StatusBadRequest},
		{"oversell", map[string]any{"bond_id": "bond-1", "quantity": 10, "price_per_unit": 1}, http.StatusConflict},
		{"insufficient funds", map[string]any{"bond_id": "bond-1", "quantity": 2, "price_per_unit": 100}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/trading/buy", "user-1", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())

			var envelope struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.False(t, envelope.Success)
			assert.NotEmpty(t, envelope.Error)
		})
	}
}

func TestBuyEndpointMissingUser(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 10)

	rec := api.do(t, http.MethodPost, "/api/trading/buy", "", map[string]any{
		"bond_id": "bond-1", "quantity": 1, "price_per_unit": 100,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeaderIdentityOverridesBody(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 10)
	api.fund(t, "real-user", 1000)

	rec := api.do(t, http.MethodPost, "/api/trading/buy", "real-user", map[string]any{
		"user_id":        "someone-else",
		"bond_id":        "bond-1",
		"quantity":       1,
		"price_per_unit": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "real-user", resp.Transaction.UserID)
}

func TestSellEndpointRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 10)
	api.fund(t, "user-1", 1000)

	rec := api.do(t, http.MethodPost, "/api/trading/buy", "user-1", map[string]any{
		"bond_id": "bond-1", "quantity": 3, "price_per_unit": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/trading/sell", "user-1", map[string]any{
		"bond_id": "bond-1", "quantity": 3, "price_per_unit": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1000), resp.NewBalance)
}

func TestSellEndpointWithoutHoldings(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 10)
	api.fund(t, "user-1", 1000)

	rec := api.do(t, http.MethodPost, "/api/trading/sell", "user-1", map[string]any{
		"bond_id": "bond-1", "quantity": 1, "price_per_unit": 100,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListTransactionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 100)
	api.fund(t, "user-1", 10000)

	for i := 0; i < 3; i++ {
		rec := api.do(t, http.MethodPost, "/api/trading/buy", "user-1", map[string]any{
			"bond_id": "bond-1", "quantity": 1, "price_per_unit": 100,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := api.do(t, http.MethodGet, "/api/trading?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listTransactionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Transactions, 4) // deposit + 3 buys
}

func TestDepositEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/payments/deposit", "user-1", map[string]any{
		"amount": 2500, "method": "upi",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2500), resp.NewBalance)

	rec = api.do(t, http.MethodPost, "/api/payments/deposit", "user-1", map[string]any{
		"amount": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBondEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/bonds", "admin", map[string]any{
		"bond_id":         "bond-1",
		"name":            "State Infra 2030",
		"issuer":          "State",
		"coupon_rate":     6.9,
		"face_value":      1000,
		"maturity_date":   "2030-06-01",
		"units_available": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/bonds/bond-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bond domain.Bond
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bond))
	assert.Equal(t, int64(500), bond.UnitsAvailable)

	rec = api.do(t, http.MethodGet, "/api/bonds", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing listBondsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Bonds, 1)

	rec = api.do(t, http.MethodGet, "/api/bonds/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/bonds/bond-1/status", "admin", map[string]any{
		"status": "inactive",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/bonds", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Bonds)
}

func TestPortfolioEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedBond(t, "bond-1", 100)
	api.fund(t, "user-1", 10000)

	rec := api.do(t, http.MethodPost, "/api/trading/buy", "user-1", map[string]any{
		"bond_id": "bond-1", "quantity": 4, "price_per_unit": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/portfolio", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view service.PortfolioView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, float64(8000), view.Balance)
	require.Len(t, view.Holdings, 1)
	assert.Equal(t, int64(4), view.Holdings[0].Quantity)
}
