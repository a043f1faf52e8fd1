package provider

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// ErrSimulatedOutage is returned when the simulator rolls a failure.
var ErrSimulatedOutage = errors.New("simulated provider outage")

// SimulatorConfig shapes one simulated provider.
type SimulatorConfig struct {
	Name              string
	MinLatency        time.Duration
	MaxLatency        time.Duration
	QuoteFailureRate  float64
	ExecFailureRate   float64
	MissingTxHashRate float64
	Fee               float64
	Liquidity         float64
	// Slippage is the base price impact on the 0-100 scale.
	Slippage  float64
	PriceSkew float64
}

// Simulator is an Adapter that prices from reference prices with random
// latency, jitter and failures.
type Simulator struct {
	cfg    SimulatorConfig
	prices map[string]float64
	jitter float64

	mu    sync.Mutex
	rng   *rand.Rand
	nonce uint64
}

// NewSimulator creates a simulated provider. prices maps "BASE/QUOTE" to the
// quote-asset price of one base unit. A zero seed uses the clock.
func NewSimulator(cfg SimulatorConfig, prices map[string]float64, jitter float64, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// Give each provider its own stream even when they share a seed.
	for _, c := range cfg.Name {
		seed = seed*31 + int64(c)
	}
	book := make(map[string]float64, len(prices))
	for pair, p := range prices {
		book[strings.ToUpper(pair)] = p
	}
	return &Simulator{
		cfg:    cfg,
		prices: book,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Name implements Adapter.
func (s *Simulator) Name() string { return s.cfg.Name }

// GetQuote implements Adapter.
func (s *Simulator) GetQuote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if err := s.sleep(ctx); err != nil {
		return domain.Quote{}, err
	}
	if s.roll() < s.cfg.QuoteFailureRate {
		return domain.Quote{}, ErrSimulatedOutage
	}

	ref, err := s.referencePrice(req.Pair)
	if err != nil {
		return domain.Quote{}, backoff.Permanent(err)
	}

	price := ref * (1 + s.cfg.PriceSkew + s.jitter*(2*s.roll()-1))
	notional := req.Amount * price
	slippage := s.cfg.Slippage
	if s.cfg.Liquidity > 0 {
		slippage += notional / s.cfg.Liquidity * 100
	}
	output := notional * (1 - s.cfg.Fee) * (1 - slippage/100)

	return domain.Quote{
		Provider:     s.cfg.Name,
		Price:        price,
		OutputAmount: output,
		Slippage:     slippage,
		Liquidity:    s.cfg.Liquidity,
		Fee:          s.cfg.Fee,
		ReceivedAt:   time.Now().UTC(),
	}, nil
}

// Execute implements Adapter.
func (s *Simulator) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	start := time.Now()
	if err := s.sleep(ctx); err != nil {
		return domain.ExecutionResult{}, err
	}
	if s.roll() < s.cfg.ExecFailureRate {
		return domain.ExecutionResult{}, ErrSimulatedOutage
	}

	// Realised price drifts within the quoted slippage.
	drift := req.Quote.Slippage / 100 * s.roll()
	res := domain.ExecutionResult{
		Success:       true,
		Provider:      s.cfg.Name,
		ExecutedPrice: req.Quote.Price * (1 - drift),
		OutputAmount:  req.Quote.OutputAmount * (1 - drift),
		ExecutionTime: time.Since(start),
	}
	if s.roll() >= s.cfg.MissingTxHashRate {
		res.TxHash = s.txHash(req)
	}
	return res, nil
}

func (s *Simulator) referencePrice(pair string) (float64, error) {
	base, quote, err := domain.SplitPair(pair)
	if err != nil {
		return 0, err
	}
	if p, ok := s.prices[base+"/"+quote]; ok {
		return p, nil
	}
	if p, ok := s.prices[quote+"/"+base]; ok && p > 0 {
		return 1 / p, nil
	}
	return 0, fmt.Errorf("%s: no market for %s", s.cfg.Name, pair)
}

func (s *Simulator) txHash(req domain.ExecutionRequest) string {
	s.mu.Lock()
	s.nonce++
	nonce := s.nonce
	s.mu.Unlock()

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return ethcrypto.Keccak256Hash(
		[]byte(s.cfg.Name),
		[]byte(req.OrderID),
		[]byte(req.WalletRef),
		n[:],
	).Hex()
}

func (s *Simulator) sleep(ctx context.Context) error {
	d := s.cfg.MinLatency
	if spread := s.cfg.MaxLatency - s.cfg.MinLatency; spread > 0 {
		d += time.Duration(s.roll() * float64(spread))
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
