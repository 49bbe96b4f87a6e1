package chainstats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rawblock/intel-engine/pkg/models"
)

var (
	// ErrUnsupportedChain is returned by providers that cannot serve a chain.
	ErrUnsupportedChain = errors.New("chain not supported by provider")

	// ErrQuotaExceeded is returned when the upstream API refuses further calls.
	ErrQuotaExceeded = errors.New("upstream quota exceeded")
)

// Provider fetches optional on-chain statistics for an address. Scoring
// treats any error as "no stats" and continues with partial features.
type Provider interface {
	Fetch(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error)

func (f ProviderFunc) Fetch(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error) {
	return f(ctx, address, ct)
}

// WithTimeout bounds every Fetch by d. A provider that does not return in
// time yields models.ErrUpstreamTimeout even if it ignores ctx itself.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return ProviderFunc(func(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			stats *models.ChainStats
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			s, err := p.Fetch(ctx, address, ct)
			ch <- result{s, err}
		}()

		select {
		case r := <-ch:
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s %s: %w", ct, address, models.ErrUpstreamTimeout)
			}
			return r.stats, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s %s after %s: %w", ct, address, d, models.ErrUpstreamTimeout)
			}
			return nil, ctx.Err()
		}
	})
}

// Fixture serves canned statistics from memory.
type Fixture struct {
	mu    sync.RWMutex
	stats map[string]models.ChainStats
	delay time.Duration
}

// NewFixture creates an empty fixture provider.
func NewFixture() *Fixture {
	return &Fixture{stats: make(map[string]models.ChainStats)}
}

// Set registers stats for an identity.
func (f *Fixture) Set(address string, ct models.CryptoType, s models.ChainStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[models.IdentityKey(address, ct)] = s
}

// SetDelay makes every Fetch block for d (or until ctx is done).
func (f *Fixture) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fixture) Fetch(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error) {
	f.mu.RLock()
	s, ok := f.stats[models.IdentityKey(address, ct)]
	delay := f.delay
	f.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", ct, address, models.ErrNotFound)
	}
	s.Counterparties = append([]string(nil), s.Counterparties...)
	s.Transfers = append([]models.Transfer(nil), s.Transfers...)
	return &s, nil
}
