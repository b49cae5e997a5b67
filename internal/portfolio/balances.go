package portfolio

import (
	"sort"
	"sync"

	"github.com/coachpo/tally/internal/schema"
)

// BalanceBook is the venue-reported holdings projection, one entry per
// (exchange, account, asset). Reports can arrive out of order; the book
// keeps the newest by venue timestamp.
type BalanceBook struct {
	mu      sync.RWMutex
	entries map[string]schema.BalanceUpdate
}

// NewBalanceBook returns an empty book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{entries: make(map[string]schema.BalanceUpdate)}
}

func balanceKey(exchange schema.Exchange, account schema.AccountType, asset string) string {
	return string(exchange) + "|" + string(account) + "|" + asset
}

// Apply folds one balance report in, dropping reports older than the held
// entry.
func (b *BalanceBook) Apply(upd schema.BalanceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := balanceKey(upd.Exchange, upd.Account, upd.Asset)
	if held, ok := b.entries[key]; ok && upd.Timestamp.Before(held.Timestamp) {
		return
	}
	b.entries[key] = upd
}

// Balance returns one asset's entry on one venue.
func (b *BalanceBook) Balance(exchange schema.Exchange, account schema.AccountType, asset string) (schema.BalanceUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	upd, ok := b.entries[balanceKey(exchange, account, asset)]
	return upd, ok
}

// Wallet projects all holdings of one account family, sorted by venue then
// asset.
func (b *BalanceBook) Wallet(account schema.AccountType) []schema.BalanceUpdate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]schema.BalanceUpdate, 0, len(b.entries))
	for _, upd := range b.entries {
		if upd.Account == account {
			out = append(out, upd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}
