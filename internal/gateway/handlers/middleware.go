package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/gateway/ratelimit"
	"github.com/llmops/metered-gateway/internal/gateway/wallet"
	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/metrics"
	"github.com/llmops/metered-gateway/internal/shared/models"
)

type contextKey string

const (
	ctxAPIKey         contextKey = "api_key"
	ctxWalletSnapshot contextKey = "wallet_snapshot"
)

// APIKeyHeader is the inbound credential header.
const APIKeyHeader = "api-key"

type Middleware struct {
	wallets *wallet.Cache
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewMiddleware(wallets *wallet.Cache, limiter *ratelimit.Limiter, logger *zap.Logger) *Middleware {
	return &Middleware{
		wallets: wallets,
		limiter: limiter,
		logger:  logger,
	}
}

// Auth resolves the caller's wallet snapshot from the api-key header and
// stores it on the request context.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get(APIKeyHeader)
		if rawKey == "" {
			writeError(w, gwerr.ErrUnauthorized)
			metrics.RequestsTotal.WithLabelValues("unauthorized").Inc()
			return
		}

		snap, err := m.wallets.Get(r.Context(), rawKey)
		if err != nil {
			if gwerr.HTTPStatus(err) != http.StatusUnauthorized {
				m.logger.Error("wallet resolve failed", zap.Error(err))
				writeError(w, fmt.Errorf("internal error"))
			} else {
				writeError(w, gwerr.ErrUnauthorized)
			}
			metrics.RequestsTotal.WithLabelValues("unauthorized").Inc()
			return
		}

		ctx := context.WithValue(r.Context(), ctxAPIKey, rawKey)
		ctx = context.WithValue(ctx, ctxWalletSnapshot, snap)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit admits the request against the account's sliding window.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, ok := r.Context().Value(ctxWalletSnapshot).(*models.WalletSnapshot)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		res := m.limiter.Admit(r.Context(), snap.AccountID)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))

		if !res.Allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, gwerr.ErrRateLimited)
			metrics.RateLimited.Inc()
			metrics.RequestsTotal.WithLabelValues("rate_limited").Inc()
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError writes the gateway's JSON error envelope with the status mapped
// from the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwerr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
