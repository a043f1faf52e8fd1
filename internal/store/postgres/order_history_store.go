package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

const orderHistoryColumns = `order_id, pair, input_amount, strategy, wallet, stage, provider,
	output_amount, tx_hash, failure_code, failure_reason, quotes_expected, quotes_received,
	execution_time_ms, created_at, finished_at`

// OrderHistoryStore implements domain.OrderHistoryStore using PostgreSQL.
type OrderHistoryStore struct {
	pool *pgxpool.Pool
}

// NewOrderHistoryStore creates an OrderHistoryStore over pool.
func NewOrderHistoryStore(pool *pgxpool.Pool) *OrderHistoryStore {
	return &OrderHistoryStore{pool: pool}
}

// Record upserts a terminal order.
func (s *OrderHistoryStore) Record(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO order_history (` + orderHistoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (order_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			provider = EXCLUDED.provider,
			output_amount = EXCLUDED.output_amount,
			tx_hash = EXCLUDED.tx_hash,
			failure_code = EXCLUDED.failure_code,
			failure_reason = EXCLUDED.failure_reason,
			quotes_received = EXCLUDED.quotes_received,
			execution_time_ms = EXCLUDED.execution_time_ms,
			finished_at = EXCLUDED.finished_at`

	_, err := s.pool.Exec(ctx, query,
		rec.OrderID, rec.Pair, rec.InputAmount, rec.Strategy, rec.WalletRef,
		string(rec.Stage), rec.Provider, rec.OutputAmount, rec.TxHash,
		rec.FailureCode, rec.FailureReason, rec.QuotesExpected, rec.QuotesReceived,
		rec.ExecutionTime.Milliseconds(), rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record order %s: %w", rec.OrderID, err)
	}
	return nil
}

// GetByID returns one record or domain.ErrNotFound.
func (s *OrderHistoryStore) GetByID(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderHistoryColumns+` FROM order_history WHERE order_id = $1`, orderID)
	rec, err := scanOrderRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, fmt.Errorf("postgres: order %s: %w", orderID, domain.ErrNotFound)
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order %s: %w", orderID, err)
	}
	return rec, nil
}

// ListRecent returns records newest first.
func (s *OrderHistoryStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	where, tail, args := listClauses("finished_at", opts)
	query := `SELECT ` + orderHistoryColumns + ` FROM order_history` + where + tail
	return s.query(ctx, "list recent orders", query, args...)
}

// ListBefore returns every record finished before the cutoff, oldest first.
func (s *OrderHistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error) {
	return s.query(ctx, "list orders before cutoff",
		`SELECT `+orderHistoryColumns+` FROM order_history WHERE finished_at < $1 ORDER BY finished_at ASC`,
		before,
	)
}

// DeleteBefore removes every record finished before the cutoff.
func (s *OrderHistoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM order_history WHERE finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete orders before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *OrderHistoryStore) query(ctx context.Context, action, query string, args ...any) ([]domain.OrderRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", action, err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrderRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", action, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", action, err)
	}
	return out, nil
}

func scanOrderRecord(row pgx.Row) (domain.OrderRecord, error) {
	var (
		rec    domain.OrderRecord
		stage  string
		execMs int64
	)
	err := row.Scan(
		&rec.OrderID, &rec.Pair, &rec.InputAmount, &rec.Strategy, &rec.WalletRef,
		&stage, &rec.Provider, &rec.OutputAmount, &rec.TxHash,
		&rec.FailureCode, &rec.FailureReason, &rec.QuotesExpected, &rec.QuotesReceived,
		&execMs, &rec.CreatedAt, &rec.FinishedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	rec.Stage = domain.Stage(stage)
	rec.ExecutionTime = time.Duration(execMs) * time.Millisecond
	return rec, nil
}

var _ domain.OrderHistoryStore = (*OrderHistoryStore)(nil)
