package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/billing"
	"github.com/llmops/metered-gateway/internal/gateway/cache"
	"github.com/llmops/metered-gateway/internal/gateway/fingerprint"
	"github.com/llmops/metered-gateway/internal/gateway/stream"
	"github.com/llmops/metered-gateway/internal/gateway/upstream"
	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/metrics"
	"github.com/llmops/metered-gateway/internal/shared/models"
)

// ChatHandler orchestrates the request lifecycle: authenticated and
// rate-admitted requests arrive here, get served from cache or live upstream,
// and leave settled against the caller's wallet.
type ChatHandler struct {
	upstream     *upstream.Client
	cache        *cache.Cache
	meter        *billing.Meter
	reemitter    *stream.Reemitter
	defaultModel string
	logger       *zap.Logger
}

func NewChatHandler(up *upstream.Client, c *cache.Cache, meter *billing.Meter, re *stream.Reemitter, defaultModel string, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		upstream:     up,
		cache:        c,
		meter:        meter,
		reemitter:    re,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// HandleChat handles POST /chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawKey, _ := ctx.Value(ctxAPIKey).(string)
	snap, ok := ctx.Value(ctxWalletSnapshot).(*models.WalletSnapshot)
	if rawKey == "" || !ok {
		writeError(w, gwerr.ErrUnauthorized)
		return
	}

	var req upstream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages must not be empty")
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	// Reject unmapped models before touching the network.
	if _, err := h.upstream.Deployment(req.Model); err != nil {
		writeError(w, err)
		metrics.RequestsTotal.WithLabelValues("invalid_model").Inc()
		return
	}

	if req.Stream {
		h.handleStreaming(w, r, rawKey, snap, req)
		return
	}

	// Streaming responses are never cached; everything else is
	// content-addressed by the normalized request.
	fp := fingerprint.Compute(req.Messages, req.Model, req.Temperature, req.MaxTokens)

	var (
		body   json.RawMessage
		usage  openai.Usage
		cached bool
	)
	if entry, hit := h.cache.Get(ctx, fp); hit {
		body = entry.Response
		usage = entry.Usage
		cached = true
		metrics.CacheHits.Inc()
	} else {
		var err error
		body, usage, err = h.upstream.Complete(ctx, req)
		if err != nil {
			writeError(w, err)
			metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
			return
		}
	}

	// A cache hit still bills: the cache saves upstream latency and provider
	// cost, not the caller's spend.
	settlement, err := h.meter.Settle(ctx, rawKey, snap, req.Model, usage)
	if err != nil {
		writeError(w, err)
		metrics.RequestsTotal.WithLabelValues("settle_failed").Inc()
		return
	}

	if !cached {
		h.cache.Put(ctx, fp, body, usage)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", cached))
	w.Header().Set("X-Cost-USD", settlement.Cost.StringFixed(models.CurrencyPlaces))

	h.writeBilledResponse(w, body, settlement, cached)
	metrics.RequestsTotal.WithLabelValues("ok").Inc()
}

// writeBilledResponse merges billing fields into the provider's completion
// object.
func (h *ChatHandler) writeBilledResponse(w http.ResponseWriter, body json.RawMessage, s *billing.Settlement, cached bool) {
	merged := make(map[string]interface{})
	if err := json.Unmarshal(body, &merged); err != nil {
		h.logger.Error("provider response not a JSON object", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	merged["cost"] = s.Cost.InexactFloat64()
	merged["remainingBalance"] = s.NewBalance.InexactFloat64()
	if cached {
		merged["cached"] = true
	}

	json.NewEncoder(w).Encode(merged)
}

// handleStreaming proxies an SSE stream and settles cost as it drains. The
// sufficiency check here is necessarily best-effort against the pre-call
// snapshot: the true cost is only known once the usage frame arrives.
func (h *ChatHandler) handleStreaming(w http.ResponseWriter, r *http.Request, rawKey string, snap *models.WalletSnapshot, req upstream.ChatRequest) {
	ctx := r.Context()

	if !snap.Balance.IsPositive() {
		writeError(w, gwerr.ErrInsufficientFunds)
		metrics.RequestsTotal.WithLabelValues("settle_failed").Inc()
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	body, err := h.upstream.Stream(ctx, req)
	if err != nil {
		writeError(w, err)
		metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	err = h.reemitter.Pipe(body, w, flusher.Flush, func(usage openai.Usage) {
		// Settlement failures cannot change the HTTP status mid-stream;
		// they are logged for reconciliation instead.
		if _, serr := h.meter.Settle(ctx, rawKey, snap, req.Model, usage); serr != nil {
			h.logger.Warn("streaming settlement failed",
				zap.String("account_id", snap.AccountID),
				zap.String("model", req.Model),
				zap.Error(serr),
			)
		}
	})
	if err != nil {
		// Caller disconnect or upstream abort; no sentinel was sent and, if
		// the usage frame never arrived, no debit occurred.
		h.logger.Warn("stream aborted",
			zap.String("account_id", snap.AccountID),
			zap.Error(err),
		)
		metrics.RequestsTotal.WithLabelValues("stream_aborted").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("ok").Inc()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
