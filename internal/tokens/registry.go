// Package tokens is the Token Registry: an in-memory (symbol, chainId) ->
// TokenDescriptor lookup, refreshed at startup from the Quote Client with a
// static fallback, grounded on pkg/config/chains.go's static USDC/USDT tables
// and pkg/fulfiller/token_manager.go's TokenManager shape.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TokenDescriptor is the identity of a token on a given chain.
type TokenDescriptor struct {
	Symbol   string
	ChainID  int
	Address  string
	Decimals uint8
	Name     string
}

type key struct {
	symbol  string
	chainID int
}

// Registry is the read-mostly Token Registry. Safe for concurrent reads;
// refreshes take the write lock briefly.
type Registry struct {
	mu   sync.RWMutex
	byKey map[key]TokenDescriptor
	// order preserves symbol -> list insertion order for multi-chain symbols.
	order map[string][]int
}

// New returns an empty registry, seeded immediately with the static fallback
// table (spec.md §4.7: "if the call fails after retries, fall back to a
// static table of documented addresses" — seeding with it up front means a
// registry is always usable even before the first refresh completes).
func New() *Registry {
	r := &Registry{
		byKey: make(map[key]TokenDescriptor),
		order: make(map[string][]int),
	}
	for _, d := range staticFallback {
		_ = r.add(d)
	}
	return r
}

func (r *Registry) add(d TokenDescriptor) error {
	d.Symbol = strings.ToUpper(d.Symbol)
	k := key{symbol: d.Symbol, chainID: d.ChainID}
	if _, exists := r.byKey[k]; exists {
		return fmt.Errorf("duplicate token descriptor for symbol %s on chain %d", d.Symbol, d.ChainID)
	}
	r.byKey[k] = d
	r.order[d.Symbol] = append(r.order[d.Symbol], d.ChainID)
	return nil
}

// Lookup returns the descriptor for (symbol, chainID), uppercasing symbol.
func (r *Registry) Lookup(symbol string, chainID int) (TokenDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[key{symbol: strings.ToUpper(symbol), chainID: chainID}]
	return d, ok
}

// TokenFetcher is satisfied by the Quote Client's getTokens call.
type TokenFetcher interface {
	GetTokens(ctx context.Context, chainIDs []int) ([]TokenDescriptor, error)
}

// Refresh repopulates the registry from fetcher, falling back to (keeping)
// the static table already loaded if the fetch fails.
func (r *Registry) Refresh(ctx context.Context, fetcher TokenFetcher, chainIDs []int) error {
	descs, err := fetcher.GetTokens(ctx, chainIDs)
	if err != nil {
		return fmt.Errorf("refresh token registry: %w", err)
	}

	next := &Registry{
		byKey: make(map[key]TokenDescriptor),
		order: make(map[string][]int),
	}
	for _, d := range descs {
		if err := next.add(d); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.byKey = next.byKey
	r.order = next.order
	r.mu.Unlock()
	return nil
}

// staticFallback mirrors the documented USDC/USDT/WETH addresses the teacher
// hardcodes per chain in pkg/config/chains.go, trimmed to Arbitrum since this
// engine executes against a single chain.
var staticFallback = []TokenDescriptor{
	{Symbol: "USDC", ChainID: 42161, Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6, Name: "USD Coin"},
	{Symbol: "USDT", ChainID: 42161, Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: 6, Name: "Tether USD"},
	{Symbol: "WETH", ChainID: 42161, Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18, Name: "Wrapped Ether"},
	{Symbol: "ARB", ChainID: 42161, Address: "0x912CE59144191C1204E64559FE8253a0e49E6548", Decimals: 18, Name: "Arbitrum"},
}
