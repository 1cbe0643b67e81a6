// Package api exposes the ledger over HTTP. Handlers decode and validate
// requests, call the ledger and distribution services, and map error kinds
// to status codes. Decimals travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/distribution"
	"github.com/coinvest/ledger-engine/internal/ledger"
	"github.com/coinvest/ledger-engine/internal/metrics"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	ledger   *ledger.Service
	engine   *distribution.Engine
	validate *validator.Validate
}

// NewHandler creates the HTTP handlers.
func NewHandler(l *ledger.Service, e *distribution.Engine) *Handler {
	return &Handler{
		ledger:   l,
		engine:   e,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the ledger API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Post("/cash/deposit", h.DepositCash)
			r.Post("/cash/withdraw", h.WithdrawCash)
			r.Get("/transactions", h.ListTransactions)

			r.Get("/investments", h.ListUserInvestments)
			r.Post("/investments", h.OpenPosition)
			r.Get("/investments/{slot}", h.GetPosition)
			r.Delete("/investments/{slot}", h.ClosePosition)
			r.Post("/investments/{slot}/deposit", h.DepositToPosition)
			r.Post("/investments/{slot}/withdraw", h.WithdrawFromPosition)
			r.Put("/investments/{slot}/profit", h.UpdateProfit)
		})

		r.Get("/investments", h.ListTierInvestments)
		r.Get("/distributions", h.ListDistributions)
	})

	// Path and parameters match what the trading bot already calls.
	r.Get("/trade/callback/sell", h.TradeCallback)
	r.Post("/trade/callback/sell", h.TradeCallback)
}

// NewRouter builds the full server router: middleware, health, metrics, the
// event stream (if ws is non-nil) and the ledger API.
func NewRouter(h *Handler, ws http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	if ws != nil {
		r.Get("/api/v1/ws", ws)
	}

	// Everything except the long-lived stream gets a request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		h.Routes(r)
	})
	return r
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response. Errors without a kind are
// logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorBody{Error: errorDetail{Kind: kind, Message: apperr.MessageOf(err)}})
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.InvalidArgument, "invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.New(apperr.InvalidArgument, "field %s failed %s validation", fe.Field(), fe.Tag())
		}
		return apperr.New(apperr.InvalidArgument, "invalid request body")
	}
	return nil
}

func slotParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "slot")
	slot, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.InvalidArgument, "slot must be an integer, got %q", raw)
	}
	return slot, nil
}

// intQuery parses an optional integer query parameter. Malformed values are
// reported with the given kind.
func intQuery(r *http.Request, name string, def int, kind apperr.Kind) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(kind, "%s must be an integer, got %q", name, raw)
	}
	return v, nil
}
