package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// Report compares the stored balance projection with a replay of the ledger.
type Report struct {
	UserID   string              `json:"user_id"`
	Asset    string              `json:"asset"`
	Stored   model.WalletBalance `json:"stored"`
	Replayed model.WalletBalance `json:"replayed"`
	Entries  int                 `json:"entries"`
	// Unbalanced lists transaction keys whose internal entries (lock,
	// unlock, transfer) do not net to zero.
	Unbalanced []string `json:"unbalanced,omitempty"`
	OK         bool     `json:"ok"`
}

// Replay rebuilds the balance of (userID, asset) from its ledger entries.
func (l *Ledger) Replay(ctx context.Context, userID, asset string) (model.WalletBalance, error) {
	entries, err := l.store.ListEntries(ctx, store.EntryFilter{UserID: userID, Asset: asset})
	if err != nil {
		return model.WalletBalance{}, fmt.Errorf("ledger: replay: %w", err)
	}
	bal := model.WalletBalance{UserID: userID, Asset: asset}
	for _, e := range entries {
		bal.Apply(e.Bucket, e.Amount)
	}
	return bal, nil
}

// Verify checks that replaying the ledger reproduces the stored balance
// exactly, that no bucket is negative, and that internal moves net to zero.
func (l *Ledger) Verify(ctx context.Context, userID, asset string) (*Report, error) {
	entries, err := l.store.ListEntries(ctx, store.EntryFilter{UserID: userID, Asset: asset})
	if err != nil {
		return nil, fmt.Errorf("ledger: verify: %w", err)
	}
	stored, err := l.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return nil, fmt.Errorf("ledger: verify: %w", err)
	}

	replayed := model.WalletBalance{UserID: userID, Asset: asset}
	internal := make(map[string]decimal.Decimal)
	var order []string
	for _, e := range entries {
		replayed.Apply(e.Bucket, e.Amount)
		if e.Type.Internal() {
			if _, seen := internal[e.Key]; !seen {
				order = append(order, e.Key)
			}
			internal[e.Key] = internal[e.Key].Add(e.Amount)
		}
	}

	r := &Report{
		UserID:   userID,
		Asset:    asset,
		Stored:   stored,
		Replayed: replayed,
		Entries:  len(entries),
	}
	for _, key := range order {
		if !internal[key].IsZero() {
			r.Unbalanced = append(r.Unbalanced, key)
		}
	}
	r.OK = stored.Funding.Equal(replayed.Funding) &&
		stored.Trading.Equal(replayed.Trading) &&
		stored.Locked.Equal(replayed.Locked) &&
		!replayed.Negative() &&
		len(r.Unbalanced) == 0

	if !r.OK {
		l.logger.Error("ledger verification failed",
			"user_id", userID, "asset", asset,
			"stored_trading", stored.Trading.String(), "replayed_trading", replayed.Trading.String(),
			"stored_locked", stored.Locked.String(), "replayed_locked", replayed.Locked.String(),
			"unbalanced", len(r.Unbalanced))
	}
	return r, nil
}
