// Package api exposes the ledger over HTTP and streams price updates over
// WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/ledger"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/position"
	"github.com/watmarket/market-engine/internal/store"
)

// Handler serves the market, trading and portfolio endpoints.
type Handler struct {
	engine    *ledger.Engine
	store     store.Reader
	positions *position.Aggregator
}

// NewHandler creates a Handler. Reads go to st directly; every write goes
// through eng.
func NewHandler(eng *ledger.Engine, st store.Reader) *Handler {
	return &Handler{engine: eng, store: st, positions: position.New(st)}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets. InitialLiquidity
// opens both pools at the same depth; YesPool/NoPool open it skewed.
type CreateMarketRequest struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	ClosesAt         time.Time `json:"closes_at"`
	InitialLiquidity float64   `json:"initial_liquidity"`
	YesPool          float64   `json:"yes_pool"`
	NoPool           float64   `json:"no_pool"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// BetRequest is the JSON body for POST /bets.
type BetRequest struct {
	MarketID string        `json:"market_id"`
	Outcome  model.Outcome `json:"outcome"`
	Stake    int64         `json:"stake"`
}

// SellRequest is the JSON body for POST /sells.
type SellRequest struct {
	MarketID string        `json:"market_id"`
	Outcome  model.Outcome `json:"outcome"`
	Shares   float64       `json:"shares"`
}

// MarketView is a market with its current quote.
type MarketView struct {
	model.Market
	Quote cpmm.Quote `json:"quote"`
}

func viewOf(m model.Market) MarketView {
	return MarketView{Market: m, Quote: cpmm.QuotePools(m.YesPool, m.NoPool)}
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
// Optional ?resolved=true|false filter.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var filter store.MarketFilter
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "resolved must be true or false", http.StatusBadRequest)
			return
		}
		filter.Resolved = &resolved
	}

	markets, err := h.store.ListMarkets(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, viewOf(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, ok := h.loadMarket(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*market))
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
func (h *Handler) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	market, ok := h.loadMarket(w, r)
	if !ok {
		return
	}
	points, err := h.store.PriceHistory(r.Context(), market.ID)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// GetMarketBets handles GET /api/v1/markets/{marketID}/bets
func (h *Handler) GetMarketBets(w http.ResponseWriter, r *http.Request) {
	market, ok := h.loadMarket(w, r)
	if !ok {
		return
	}
	lots, err := h.store.LotsByMarket(r.Context(), market.ID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []model.PositionLot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// CreateMarket handles POST /api/v1/markets (admin)
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.YesPool == 0 && req.NoPool == 0 && req.InitialLiquidity > 0 {
		req.YesPool, req.NoPool = req.InitialLiquidity, req.InitialLiquidity
	}

	admin := mustAccount(r.Context())
	market, err := h.engine.CreateMarket(r.Context(), ledger.NewMarket{
		Title:       req.Title,
		Description: req.Description,
		ClosesAt:    req.ClosesAt,
		YesPool:     req.YesPool,
		NoPool:      req.NoPool,
		CreatedBy:   admin.ID,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(*market))
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve (admin)
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	admin := mustAccount(r.Context())
	res, err := h.engine.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.Outcome, admin.ID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InvalidateMarket handles POST /api/v1/markets/{marketID}/invalidate (admin)
func (h *Handler) InvalidateMarket(w http.ResponseWriter, r *http.Request) {
	admin := mustAccount(r.Context())
	res, err := h.engine.InvalidateMarket(r.Context(), chi.URLParam(r, "marketID"), admin.ID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Trading ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct := mustAccount(r.Context())
	res, err := h.engine.PlaceBet(r.Context(), acct.ID, req.MarketID, req.Outcome, req.Stake)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// SellShares handles POST /api/v1/sells
func (h *Handler) SellShares(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct := mustAccount(r.Context())
	res, err := h.engine.SellShares(r.Context(), acct.ID, req.MarketID, req.Outcome, req.Shares)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Account views ---

// Me handles GET /api/v1/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	acct := mustAccount(r.Context())
	fresh, err := h.store.GetAccount(r.Context(), acct.ID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// MyBets handles GET /api/v1/me/bets
func (h *Handler) MyBets(w http.ResponseWriter, r *http.Request) {
	lots, err := h.store.LotsByAccount(r.Context(), mustAccount(r.Context()).ID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []model.PositionLot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// MyPositions handles GET /api/v1/me/positions
func (h *Handler) MyPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.Aggregate(r.Context(), mustAccount(r.Context()).ID)
	if err != nil {
		slog.Error("aggregate positions failed", "err", err)
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// MyPortfolio handles GET /api/v1/me/portfolio
func (h *Handler) MyPortfolio(w http.ResponseWriter, r *http.Request) {
	summary, err := h.positions.PortfolioSummary(r.Context(), mustAccount(r.Context()).ID)
	if err != nil {
		slog.Error("portfolio summary failed", "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MyTrades handles GET /api/v1/me/trades
func (h *Handler) MyTrades(w http.ResponseWriter, r *http.Request) {
	items, err := h.positions.TradeHistory(r.Context(), mustAccount(r.Context()).ID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.TradeHistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// MyTransactions handles GET /api/v1/me/transactions
func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.store.TransactionsByAccount(r.Context(), mustAccount(r.Context()).ID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Helpers ---

func (h *Handler) loadMarket(w http.ResponseWriter, r *http.Request) (*model.Market, bool) {
	market, err := h.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return nil, false
	}
	return market, true
}

// statusByKind maps every ledger error kind to exactly one HTTP status.
var statusByKind = map[ledger.Kind]int{
	ledger.KindMarketNotFound:      http.StatusNotFound,
	ledger.KindAccountNotFound:     http.StatusNotFound,
	ledger.KindMarketResolved:      http.StatusConflict,
	ledger.KindMarketClosed:        http.StatusConflict,
	ledger.KindAlreadyResolved:     http.StatusConflict,
	ledger.KindMarketInvalid:       http.StatusUnprocessableEntity,
	ledger.KindInsufficientBalance: http.StatusUnprocessableEntity,
	ledger.KindInsufficientShares:  http.StatusUnprocessableEntity,
	ledger.KindSellTooSmall:        http.StatusUnprocessableEntity,
	ledger.KindInvalidOutcome:      http.StatusBadRequest,
	ledger.KindInvalidStake:        http.StatusBadRequest,
	ledger.KindInvalidShares:       http.StatusBadRequest,
	ledger.KindStoreConflict:       http.StatusServiceUnavailable,
}

// writeLedgerError writes a ledger failure with its kind as "code".
func writeLedgerError(w http.ResponseWriter, err error) {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		slog.Error("unclassified ledger error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	status, ok := statusByKind[lerr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if lerr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": lerr.Error(), "code": lerr.Kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
