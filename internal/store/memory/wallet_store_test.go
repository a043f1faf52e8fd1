package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

func TestWalletStore(t *testing.T) {
	const wallet = "0xAbCdEf0000000000000000000000000000000001"
	s := NewWalletStore(map[string]map[string]float64{wallet: {"eth": 2.5}})
	ctx := context.Background()

	got, err := s.Balance(ctx, "0xabcdef0000000000000000000000000000000001", "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	got, err = s.Balance(ctx, wallet, "WBTC")
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = s.Balance(ctx, "0x0000000000000000000000000000000000000002", "ETH")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s.Set(wallet, "ETH", 1)
	got, _ = s.Balance(ctx, wallet, "eth")
	assert.Equal(t, 1.0, got)
}
