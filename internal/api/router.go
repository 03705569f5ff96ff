package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/watmarket/market-engine/internal/ledger"
	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/store"
)

// Deps are the collaborators the router wires together. Limiter and Hub
// may be nil.
type Deps struct {
	Engine  *ledger.Engine
	Store   store.Reader
	Auth    *Authenticator
	Limiter *RateLimiter
	Hub     *WSHub
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) chi.Router {
	h := NewHandler(d.Engine, d.Store)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	limit := func(route string) func(http.Handler) http.Handler {
		if d.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return d.Limiter.Middleware(route)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if d.Hub != nil {
			// WebSocket endpoint for real-time price updates.
			r.Get("/ws", d.Hub.HandleWS)
		}

		// Public market data.
		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Get("/markets/{marketID}/history", h.GetMarketHistory)
		r.Get("/markets/{marketID}/bets", h.GetMarketBets)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)

			r.With(limit("bets")).Post("/bets", h.PlaceBet)
			r.With(limit("sells")).Post("/sells", h.SellShares)

			r.Get("/me", h.Me)
			r.Get("/me/bets", h.MyBets)
			r.Get("/me/positions", h.MyPositions)
			r.Get("/me/portfolio", h.MyPortfolio)
			r.Get("/me/trades", h.MyTrades)
			r.Get("/me/transactions", h.MyTransactions)

			// Market management.
			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/markets", h.CreateMarket)
				r.Post("/markets/{marketID}/resolve", h.ResolveMarket)
				r.Post("/markets/{marketID}/invalidate", h.InvalidateMarket)
			})
		})
	})
	return r
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
