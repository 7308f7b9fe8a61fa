// Package wallet implements the read-through wallet snapshot cache.
//
// Snapshots live in shared Redis, not process memory, so every gateway
// instance sees the same (possibly stale, TTL-bounded) balance. The cache is
// never the authority: the ledger store is. After a successful debit the
// settlement path writes the post-debit balance back so the next request in
// the same TTL window sees the decremented value.
package wallet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/shared/database"
	"github.com/llmops/metered-gateway/internal/shared/models"
	redisclient "github.com/llmops/metered-gateway/internal/shared/redis"
)

// IdentityStore resolves an API key to its account and current balance.
type IdentityStore interface {
	GetAccountByKey(ctx context.Context, rawKey string) (*models.Account, error)
}

type Cache struct {
	rdb      *redisclient.Client
	identity IdentityStore
	ttl      time.Duration
	logger   *zap.Logger
}

// New creates a wallet snapshot cache with the given snapshot TTL.
func New(rdb *redisclient.Client, identity IdentityStore, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, identity: identity, ttl: ttl, logger: logger}
}

func snapshotKey(rawKey string) string {
	return "wallet:snapshot:" + database.HashKey(rawKey)
}

// Get returns the wallet snapshot for an API key, fetching from the identity
// store on a miss or expired snapshot. Cache store failures degrade to a
// direct identity lookup. Identity "not found" propagates as
// gwerr.ErrUnauthorized from the store.
func (c *Cache) Get(ctx context.Context, rawKey string) (*models.WalletSnapshot, error) {
	key := snapshotKey(rawKey)

	val, err := c.rdb.Get(ctx, key)
	if err == nil {
		var snap models.WalletSnapshot
		if jsonErr := json.Unmarshal([]byte(val), &snap); jsonErr == nil {
			if time.Since(snap.FetchedAt) <= c.ttl {
				return &snap, nil
			}
		} else {
			c.logger.Warn("wallet snapshot corrupt, refetching", zap.Error(jsonErr))
		}
	} else if !redisclient.IsMiss(err) {
		c.logger.Warn("wallet cache unreachable, falling through to identity store", zap.Error(err))
	}

	account, err := c.identity.GetAccountByKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	snap := &models.WalletSnapshot{
		AccountID: account.ID,
		Balance:   account.Balance,
		FetchedAt: time.Now().UTC(),
	}
	c.store(ctx, key, snap)
	return snap, nil
}

// UpdateBalance overwrites the cached snapshot with a post-debit balance.
// This is a correctness-by-convention safeguard, not a transactional
// guarantee: two settlements can still interleave between check and debit.
func (c *Cache) UpdateBalance(ctx context.Context, rawKey, accountID string, balance decimal.Decimal) {
	c.store(ctx, snapshotKey(rawKey), &models.WalletSnapshot{
		AccountID: accountID,
		Balance:   balance,
		FetchedAt: time.Now().UTC(),
	})
}

func (c *Cache) store(ctx context.Context, key string, snap *models.WalletSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("wallet snapshot marshal failed", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, string(data), c.ttl); err != nil {
		c.logger.Warn("wallet snapshot store failed", zap.Error(err))
	}
}
