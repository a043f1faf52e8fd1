// Package memory provides in-process store implementations used when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// WalletStore implements domain.WalletStore over a map seeded at startup.
type WalletStore struct {
	mu       sync.RWMutex
	balances map[string]map[string]float64
}

// NewWalletStore copies seed, keyed by wallet address then asset symbol.
func NewWalletStore(seed map[string]map[string]float64) *WalletStore {
	s := &WalletStore{balances: make(map[string]map[string]float64, len(seed))}
	for wallet, assets := range seed {
		for asset, amount := range assets {
			s.Set(wallet, asset, amount)
		}
	}
	return s
}

// Balance implements domain.WalletStore.
func (s *WalletStore) Balance(_ context.Context, walletRef, asset string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets, ok := s.balances[strings.ToLower(walletRef)]
	if !ok {
		return 0, fmt.Errorf("memory: wallet %s: %w", walletRef, domain.ErrNotFound)
	}
	return assets[strings.ToUpper(asset)], nil
}

// Set overwrites one balance.
func (s *WalletStore) Set(walletRef, asset string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(walletRef)
	if s.balances[key] == nil {
		s.balances[key] = make(map[string]float64)
	}
	s.balances[key][strings.ToUpper(asset)] = amount
}
