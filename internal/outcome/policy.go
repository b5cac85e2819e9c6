package outcome

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// PolicyStore persists the system default policy per trade type.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]model.PolicySettings, error)
	SavePolicy(ctx context.Context, p model.PolicySettings) error
}

// Policy holds the system default outcome per trade type. It is safe for
// concurrent use; every change is persisted before it takes effect.
type Policy struct {
	mu       sync.Mutex
	settings map[model.TradeType]model.PolicySettings
	store    PolicyStore
	float    func() float64
	now      func() time.Time
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRandom replaces the source used to sample probability policies.
// float must return values in [0, 1).
func WithRandom(float func() float64) PolicyOption {
	return func(p *Policy) { p.float = float }
}

// WithPolicyClock overrides the time source used for UpdatedAt.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// DefaultSettings is a fixed-lose policy for every trade type.
func DefaultSettings() []model.PolicySettings {
	out := make([]model.PolicySettings, 0, len(model.TradeTypes))
	for _, t := range model.TradeTypes {
		out = append(out, model.PolicySettings{TradeType: t, Mode: model.PolicyFixed, Outcome: model.OutcomeLose})
	}
	return out
}

// NewPolicy creates a Policy seeded with defaults. Trade types missing from
// defaults resolve to lose.
func NewPolicy(ps PolicyStore, defaults []model.PolicySettings, opts ...PolicyOption) *Policy {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p := &Policy{
		settings: make(map[model.TradeType]model.PolicySettings),
		store:    ps,
		float:    rng.Float64,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range defaults {
		p.settings[s.TradeType] = s
	}
	return p
}

// Load merges the settings persisted in the store into memory. A persisted
// entry older than the one held in memory is ignored.
func (p *Policy) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	saved, err := p.store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("outcome: load policies: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range saved {
		if s.Validate() != nil {
			continue
		}
		if cur, ok := p.settings[s.TradeType]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
			continue
		}
		p.settings[s.TradeType] = s
	}
	return nil
}

// Get returns the settings for t.
func (p *Policy) Get(t model.TradeType) (model.PolicySettings, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.settings[t]
	return s, ok
}

// Settings returns a snapshot of every configured trade type.
func (p *Policy) Settings() []model.PolicySettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.PolicySettings, 0, len(p.settings))
	for _, t := range model.TradeTypes {
		if s, ok := p.settings[t]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Set validates, persists and applies s.
func (p *Policy) Set(ctx context.Context, s model.PolicySettings) error {
	if _, err := model.ParseTradeType(string(s.TradeType)); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = p.now().UTC().Truncate(time.Microsecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		if err := p.store.SavePolicy(ctx, s); err != nil {
			return fmt.Errorf("outcome: save policy %s: %w", s.TradeType, err)
		}
	}
	p.settings[s.TradeType] = s
	return nil
}

// SetForceWin sets every trade type to fixed win (enabled) or fixed lose.
func (p *Policy) SetForceWin(ctx context.Context, enabled bool) error {
	o := model.OutcomeLose
	if enabled {
		o = model.OutcomeWin
	}
	for _, t := range model.TradeTypes {
		if err := p.Set(ctx, model.PolicySettings{TradeType: t, Mode: model.PolicyFixed, Outcome: o}); err != nil {
			return err
		}
	}
	return nil
}

// ForceWin reports whether every trade type is fixed to win.
func (p *Policy) ForceWin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range model.TradeTypes {
		s, ok := p.settings[t]
		if !ok || s.Mode != model.PolicyFixed || s.Outcome != model.OutcomeWin {
			return false
		}
	}
	return true
}

// Decide returns the default outcome for t. Settings are re-read from the
// store on every call so that a change made through another instance takes
// effect immediately; a failed read is returned as an error. Probability
// policies are sampled on every call.
func (p *Policy) Decide(ctx context.Context, t model.TradeType) (model.Outcome, string, error) {
	if err := p.Load(ctx); err != nil {
		return model.OutcomeLose, "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.settings[t]
	if !ok {
		return model.OutcomeLose, "", fmt.Errorf("no policy for %s", t)
	}
	switch s.Mode {
	case model.PolicyFixed:
		if !s.Outcome.Valid() {
			return model.OutcomeLose, "", fmt.Errorf("policy %s has invalid outcome %q", t, s.Outcome)
		}
		return s.Outcome, SourcePolicyFixed, nil
	case model.PolicyProbability:
		if s.WinProbability.IsNegative() || s.WinProbability.GreaterThan(decimal.NewFromInt(1)) {
			return model.OutcomeLose, "", fmt.Errorf("policy %s has probability %s", t, s.WinProbability)
		}
		if decimal.NewFromFloat(p.float()).LessThan(s.WinProbability) {
			return model.OutcomeWin, SourcePolicyProbability, nil
		}
		return model.OutcomeLose, SourcePolicyProbability, nil
	}
	return model.OutcomeLose, "", fmt.Errorf("policy %s has unknown mode %q", t, s.Mode)
}
