package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.QueryRunner = (*PostgresAdapter)(nil)

// PostgresAdapter implements the read-only query capability on Postgres.
// Connections are pooled per DSN and shared across db nodes referencing
// the same source. Only SELECT-shaped statements are accepted; a workflow
// declaration can never mutate a datastore through this adapter.
type PostgresAdapter struct {
	mu    sync.Mutex
	pools map[string]*bun.DB
}

// NewPostgresAdapter creates a postgres query adapter.
func NewPostgresAdapter() *PostgresAdapter {
	return &PostgresAdapter{pools: make(map[string]*bun.DB)}
}

// Close releases every pooled connection.
func (a *PostgresAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for dsn, db := range a.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.pools, dsn)
	}
	return firstErr
}

// Query runs a read-only statement and returns up to limit rows as
// column-name keyed mappings.
func (a *PostgresAdapter) Query(ctx context.Context, cfg ports.SourceConfig, query string, params []any, limit int) ([]map[string]any, error) {
	if !isReadOnlyQuery(query) {
		return nil, fmt.Errorf("%w: only SELECT statements are permitted", domain.ErrInvalidOperation)
	}

	db, err := a.pool(cfg)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("%w: query failed: %v", domain.ErrUnavailableExternalService, err)
	}
	defer rows.Close()

	results, err := scanRows(rows, limit)
	if err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration failed: %v", domain.ErrUnavailableExternalService, err)
	}
	return results, nil
}

// pool returns the shared connection pool for a source's DSN.
func (a *PostgresAdapter) pool(cfg ports.SourceConfig) (*bun.DB, error) {
	dsn, err := resolveSecret(cfg, "dsn_env")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.pools[dsn]; ok {
		return db, nil
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	a.pools[dsn] = db
	return db, nil
}

// isReadOnlyQuery reports whether the statement's leading keyword is
// SELECT or WITH. Comments ahead of the keyword are skipped.
func isReadOnlyQuery(query string) bool {
	trimmed := strings.TrimSpace(query)
	for strings.HasPrefix(trimmed, "--") {
		idx := strings.IndexByte(trimmed, '\n')
		if idx < 0 {
			return false
		}
		trimmed = strings.TrimSpace(trimmed[idx+1:])
	}
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "select") || strings.HasPrefix(lower, "with")
}

// scanRows materializes rows into generic mappings, stopping at limit.
func scanRows(rows *sql.Rows, limit int) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		if limit > 0 && len(results) >= limit {
			break
		}

		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			// Text columns arrive as byte slices from the wire.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, nil
}
