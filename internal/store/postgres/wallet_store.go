package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// WalletStore implements domain.WalletStore over the wallet_balances table.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a WalletStore over pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Balance returns the wallet's holding of asset. A wallet with no rows at all
// is unknown and returns domain.ErrNotFound; a known wallet without the asset
// holds zero.
func (s *WalletStore) Balance(ctx context.Context, walletRef, asset string) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(balance) FILTER (WHERE asset = $2), 0), COUNT(*)
		FROM wallet_balances
		WHERE wallet = $1`

	var (
		balance float64
		rows    int64
	)
	err := s.pool.QueryRow(ctx, query, strings.ToLower(walletRef), strings.ToUpper(asset)).Scan(&balance, &rows)
	if err != nil {
		return 0, fmt.Errorf("postgres: wallet %s balance: %w", walletRef, err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("postgres: wallet %s: %w", walletRef, domain.ErrNotFound)
	}
	return balance, nil
}

// Seed upserts balances, keyed by wallet then asset. Existing balances for
// other assets are left alone.
func (s *WalletStore) Seed(ctx context.Context, balances map[string]map[string]float64) error {
	const query = `
		INSERT INTO wallet_balances (wallet, asset, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (wallet, asset) DO UPDATE SET
			balance = EXCLUDED.balance,
			updated_at = NOW()`

	for wallet, assets := range balances {
		for asset, amount := range assets {
			if _, err := s.pool.Exec(ctx, query, strings.ToLower(wallet), strings.ToUpper(asset), amount); err != nil {
				return fmt.Errorf("postgres: seed wallet %s %s: %w", wallet, asset, err)
			}
		}
	}
	return nil
}

var _ domain.WalletStore = (*WalletStore)(nil)
