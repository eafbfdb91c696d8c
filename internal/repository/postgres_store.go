// internal/repository/postgres_store.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/database"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// postgresStore keeps values in the kv_store table
type postgresStore struct {
	db     *database.DB
	logger *utils.ServiceLogger
}

// NewPostgresStore creates a store over an open, migrated database
func NewPostgresStore(db *database.DB, logger *zap.Logger) KVStore {
	return &postgresStore{
		db:     db,
		logger: utils.NewServiceLogger(logger, "kv-store"),
	}
}

func (r *postgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM kv_store WHERE key = $1`

	start := time.Now()
	var value []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	r.logger.LogDatabaseQuery(query, []interface{}{key}, time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (r *postgresStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidKey, key, err)
	}

	query := `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP
	`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, key, value)
	r.logger.LogDatabaseQuery(query, []interface{}{key}, time.Since(start), err)

	if err != nil {
		r.logger.Error("Failed to store key", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *postgresStore) Keys(ctx context.Context) ([]string, error) {
	query := `SELECT key FROM kv_store ORDER BY key`

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query)
	r.logger.LogDatabaseQuery(query, nil, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
