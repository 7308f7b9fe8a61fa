// Package database implements the identity and ledger stores over PostgreSQL.
// It is the authoritative home of account balances; everything the gateway
// caches elsewhere is a snapshot of what lives here.
package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// HashKey returns the hex SHA-256 of a raw API key. Raw keys are never stored
// or used as cache keys directly.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// GetAccountByKey looks up the account owning a raw API key.
// Returns gwerr.ErrUnauthorized when no active account matches.
func (db *DB) GetAccountByKey(ctx context.Context, rawKey string) (*models.Account, error) {
	query := `
		SELECT id, api_key_hash, balance, created_at, updated_at
		FROM accounts
		WHERE api_key_hash = $1
	`

	var account models.Account
	err := db.conn.QueryRowContext(ctx, query, HashKey(rawKey)).Scan(
		&account.ID,
		&account.APIKeyHash,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, gwerr.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &account, nil
}

// Debit atomically subtracts amount from the account balance and appends a
// ledger transaction, in one SQL transaction. The balance guard in the UPDATE
// is what keeps two racing settlements from overdrafting the authoritative
// balance even when both passed a stale snapshot check.
// Returns the post-debit balance, or gwerr.ErrInsufficientFunds.
func (db *DB) Debit(ctx context.Context, accountID string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var newBalance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, accountID, amount).Scan(&newBalance)

	if err == sql.ErrNoRows {
		return decimal.Zero, gwerr.ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, account_id, delta, description, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), accountID, amount.Neg(), description)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert ledger transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit debit: %w", err)
	}

	return newBalance, nil
}
