package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/billing"
	"github.com/llmops/metered-gateway/internal/gateway/cache"
	"github.com/llmops/metered-gateway/internal/gateway/ratelimit"
	"github.com/llmops/metered-gateway/internal/gateway/stream"
	"github.com/llmops/metered-gateway/internal/gateway/upstream"
	"github.com/llmops/metered-gateway/internal/gateway/wallet"
	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/models"
	redisclient "github.com/llmops/metered-gateway/internal/shared/redis"
)

const completionBody = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o",
	"choices": [{"index":0,"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}],
	"usage": {"prompt_tokens": 80, "completion_tokens": 20, "total_tokens": 100}
}`

const streamFrames = `data: {"id":"chunk-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Pa"}}]}

data: {"id":"chunk-2","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"ris"}}]}

data: {"id":"chunk-3","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":80,"completion_tokens":20,"total_tokens":100}}

data: [DONE]

`

type fakeIdentity struct {
	accounts map[string]models.Account
}

func (f *fakeIdentity) GetAccountByKey(ctx context.Context, rawKey string) (*models.Account, error) {
	account, ok := f.accounts[rawKey]
	if !ok {
		return nil, gwerr.ErrUnauthorized
	}
	return &account, nil
}

type fakeLedger struct {
	balances map[string]decimal.Decimal
	entries  []models.LedgerTransaction
}

func (f *fakeLedger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	balance := f.balances[accountID]
	if balance.LessThan(amount) {
		return decimal.Zero, gwerr.ErrInsufficientFunds
	}
	balance = balance.Sub(amount)
	f.balances[accountID] = balance
	f.entries = append(f.entries, models.LedgerTransaction{
		AccountID: accountID, Delta: amount.Neg(), Description: description, CreatedAt: time.Now(),
	})
	return balance, nil
}

type gatewayFixture struct {
	router        http.Handler
	ledger        *fakeLedger
	upstreamCalls *int64
}

func fixedPricer(cost string) billing.Pricer {
	return func(model string, totalTokens int) decimal.Decimal {
		return decimal.RequireFromString(cost)
	}
}

func newGateway(t *testing.T, balance, cost string, rateLimit int) *gatewayFixture {
	t.Helper()

	var calls int64
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if streaming, _ := body["stream"].(bool); streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, streamFrames)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	}))
	t.Cleanup(upstreamSrv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rdb := redisclient.FromClient(client)

	logger := zap.NewNop()
	bal := decimal.RequireFromString(balance)
	identity := &fakeIdentity{accounts: map[string]models.Account{
		"k1": {ID: "acct-1", Balance: bal},
	}}
	ledger := &fakeLedger{balances: map[string]decimal.Decimal{"acct-1": bal}}

	wallets := wallet.New(rdb, identity, 5*time.Minute, logger)
	limiter := ratelimit.New(rdb, time.Minute, rateLimit, logger)
	responseCache := cache.New(rdb, time.Hour, logger)
	up := upstream.New(upstreamSrv.URL, "upstream-secret", "2024-02-01",
		map[string]string{"gpt-4o": "gpt-4o-prod"}, 5*time.Second, logger)
	meter := billing.NewMeter(ledger, wallets, fixedPricer(cost), logger)

	chatHandler := NewChatHandler(up, responseCache, meter, stream.New(logger), "gpt-4o", logger)
	mw := NewMiddleware(wallets, limiter, logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
	}))
	r.Group(func(r chi.Router) {
		r.Use(mw.Auth)
		r.Use(mw.RateLimit)
		r.Post("/chat", chatHandler.HandleChat)
	})

	return &gatewayFixture{router: r, ledger: ledger, upstreamCalls: &calls}
}

func chatRequest(t *testing.T, apiKey, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	return req
}

const basicBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"What is the capital of France?"}]}`

func TestMissingAPIKeyIsUnauthorized(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "", basicBody))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
	require.Zero(t, atomic.LoadInt64(gw.upstreamCalls))
}

func TestUnknownAPIKeyIsUnauthorized(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "who-dis", basicBody))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBilledCompletionAndCachedReplay(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	// First call goes upstream and is billed.
	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", basicBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, "cmpl-1", first["id"])
	require.InDelta(t, 0.050, first["cost"], 1e-9)
	require.InDelta(t, 9.950, first["remainingBalance"], 1e-9)
	require.NotContains(t, first, "cached")
	require.Equal(t, "false", rec.Header().Get("X-Cache-Hit"))
	require.Equal(t, int64(1), atomic.LoadInt64(gw.upstreamCalls))

	// Identical request replays from cache but is billed again.
	rec = httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", basicBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Equal(t, true, second["cached"])
	require.InDelta(t, 0.050, second["cost"], 1e-9)
	require.InDelta(t, 9.900, second["remainingBalance"], 1e-9)
	require.Equal(t, "true", rec.Header().Get("X-Cache-Hit"))
	require.Equal(t, int64(1), atomic.LoadInt64(gw.upstreamCalls), "cache hit must not call upstream")

	require.Len(t, gw.ledger.entries, 2, "a cache hit still creates a ledger entry")
	require.True(t, gw.ledger.entries[0].Delta.Equal(gw.ledger.entries[1].Delta))
}

func TestInsufficientFundsRefusesDebit(t *testing.T) {
	gw := newGateway(t, "0.001", "1.000", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", basicBody))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Empty(t, gw.ledger.entries)
	require.True(t, gw.ledger.balances["acct-1"].Equal(decimal.RequireFromString("0.001")))
}

func TestUnmappedModelIsBadRequest(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1",
		`{"model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, atomic.LoadInt64(gw.upstreamCalls))
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", `{"messages": not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsOverQuota(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 1)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", basicBody))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1", basicBody))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Len(t, gw.ledger.entries, 1, "a rejected request is never billed")
}

func TestStreamingPassThroughSettlesAtStreamEnd(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"What is the capital of France?"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	first := strings.Index(body, "chunk-1")
	second := strings.Index(body, "chunk-2")
	third := strings.Index(body, "chunk-3")
	require.True(t, first >= 0 && second > first && third > second, "frames must keep arrival order")
	require.Equal(t, 1, strings.Count(body, "[DONE]"))
	require.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))

	require.Len(t, gw.ledger.entries, 1, "stream end triggers exactly one settlement")
	require.True(t, gw.ledger.balances["acct-1"].Equal(decimal.RequireFromString("9.950")))
}

func TestStreamingRefusedOnEmptyWallet(t *testing.T) {
	gw := newGateway(t, "0.000", "0.050", 60)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, chatRequest(t, "k1",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Zero(t, atomic.LoadInt64(gw.upstreamCalls))
}

func TestPreflightCarriesCORSHeaders(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestErrorResponsesCarryCORSHeaders(t *testing.T) {
	gw := newGateway(t, "10.000", "0.050", 60)

	req := chatRequest(t, "", basicBody)
	req.Header.Set("Origin", "https://dashboard.example.com")

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
