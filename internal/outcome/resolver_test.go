package outcome

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newResolver(t *testing.T, st *store.MemoryStore, opts ...PolicyOption) *Resolver {
	t.Helper()
	p := NewPolicy(st, DefaultSettings(), opts...)
	return NewResolver(st, p, quiet(), WithClock(func() time.Time { return now }), WithAudit(st))
}

// failingControls returns err from every read.
type failingControls struct {
	store.ControlStore
	err error
}

func (f failingControls) GetUserOutcome(context.Context, string) (*model.UserOutcome, error) {
	return nil, f.err
}

func (f failingControls) ListWindows(context.Context, string) ([]model.TradeWindow, error) {
	return nil, f.err
}

func TestResolveDefaultsToPolicy(t *testing.T) {
	st := store.NewMemoryStore()
	r := newResolver(t, st)

	o, dec := r.Resolve(context.Background(), "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourcePolicyFixed, dec.Source)
}

func TestResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newResolver(t, st)
	require.NoError(t, r.SetForceWin(ctx, "admin", true))

	// Window beats policy.
	w, err := r.CreateWindow(ctx, "admin", model.TradeWindow{
		UserID: "u1", Outcome: model.OutcomeLose,
		Start: now.Add(-time.Minute), End: now.Add(time.Minute),
		Types: model.TypeFlags{Options: true},
	})
	require.NoError(t, err)
	o, dec := r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourceWindow, dec.Source)
	assert.Equal(t, w.ID, dec.WindowID)

	// The window does not cover futures.
	o, _ = r.Resolve(ctx, "u1", model.TradeFutures)
	assert.Equal(t, model.OutcomeWin, o)

	// User override beats the window.
	_, err = r.SetUserOutcome(ctx, "admin", model.UserOutcome{
		UserID: "u1", Enabled: true, Outcome: model.OutcomeWin, Types: model.TypeFlags{Options: true},
	})
	require.NoError(t, err)
	o, dec = r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, o)
	assert.Equal(t, SourceUserOverride, dec.Source)

	// A disabled override falls through to the window.
	_, err = r.SetUserOutcome(ctx, "admin", model.UserOutcome{UserID: "u1", Enabled: false})
	require.NoError(t, err)
	o, _ = r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)

	// Deactivated windows no longer apply.
	require.NoError(t, r.DeactivateWindow(ctx, "admin", w.ID))
	o, dec = r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, o)
	assert.Equal(t, SourcePolicyFixed, dec.Source)
}

func TestWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newResolver(t, st)
	require.NoError(t, r.SetForceWin(ctx, "admin", true))

	_, err := r.CreateWindow(ctx, "admin", model.TradeWindow{
		UserID: "u1", Outcome: model.OutcomeLose,
		Start: now.Add(-time.Hour), End: now,
		Types: model.AllTypes(),
	})
	require.NoError(t, err)

	// End is exclusive.
	o, _ := r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, o)
}

func TestCreateWindowValidation(t *testing.T) {
	r := newResolver(t, store.NewMemoryStore())
	_, err := r.CreateWindow(context.Background(), "admin", model.TradeWindow{
		UserID: "u1", Outcome: model.OutcomeWin, Start: now, End: now,
	})
	assert.True(t, model.IsValidation(err))
}

func TestResolveFailsClosed(t *testing.T) {
	st := store.NewMemoryStore()
	p := NewPolicy(st, nil)
	require.NoError(t, p.SetForceWin(context.Background(), true))

	r := NewResolver(failingControls{ControlStore: st, err: errors.New("db down")}, p, quiet())
	o, dec := r.Resolve(context.Background(), "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourceFailClosed, dec.Source)
	assert.Contains(t, dec.Reason, "db down")
}

func TestResolveMalformedOverrideFailsClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newResolver(t, st)
	require.NoError(t, r.SetForceWin(ctx, "admin", true))
	require.NoError(t, st.UpsertUserOutcome(ctx, &model.UserOutcome{
		UserID: "u1", Enabled: true, Outcome: "draw", Types: model.AllTypes(),
	}))

	o, dec := r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourceFailClosed, dec.Source)
}

func TestMissingPolicyFailsClosed(t *testing.T) {
	r := NewResolver(store.NewMemoryStore(), NewPolicy(nil, nil), quiet())
	o, dec := r.Resolve(context.Background(), "u1", model.TradeSpot)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourceFailClosed, dec.Source)
}

func TestProbabilityPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	draws := []float64{0.1, 0.9}
	i := 0
	r := newResolver(t, st, WithRandom(func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	}))
	require.NoError(t, r.SetPolicy(ctx, "admin", model.PolicySettings{
		TradeType: model.TradeOptions, Mode: model.PolicyProbability, WinProbability: decimal.RequireFromString("0.5"),
	}))

	first, dec := r.Resolve(ctx, "u1", model.TradeOptions)
	second, _ := r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, first)
	assert.Equal(t, model.OutcomeLose, second)
	assert.Equal(t, SourcePolicyProbability, dec.Source)
}

func TestPolicyPersistsAndLoads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewPolicy(st, DefaultSettings())
	require.NoError(t, p.SetForceWin(ctx, true))
	assert.True(t, p.ForceWin())

	reloaded := NewPolicy(st, DefaultSettings())
	assert.False(t, reloaded.ForceWin())
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, reloaded.ForceWin())
}

func TestPolicyChangesReachOtherInstances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := NewPolicy(st, DefaultSettings())
	b := NewPolicy(st, DefaultSettings())
	require.NoError(t, b.Load(ctx))

	require.NoError(t, a.SetForceWin(ctx, true))
	o, source, err := b.Decide(ctx, model.TradeOptions)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeWin, o)
	assert.Equal(t, SourcePolicyFixed, source)

	require.NoError(t, a.SetForceWin(ctx, false))
	o, _, err = b.Decide(ctx, model.TradeOptions)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeLose, o)
}

// failingPolicies fails every read.
type failingPolicies struct{ *store.MemoryStore }

func (failingPolicies) ListPolicies(context.Context) ([]model.PolicySettings, error) {
	return nil, errors.New("db down")
}

func TestPolicyReadErrorFailsClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewPolicy(failingPolicies{st}, DefaultSettings())
	require.NoError(t, p.SetForceWin(ctx, true))

	_, _, err := p.Decide(ctx, model.TradeOptions)
	require.Error(t, err)

	r := NewResolver(st, p, quiet())
	o, dec := r.Resolve(ctx, "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeLose, o)
	assert.Equal(t, SourceFailClosed, dec.Source)
	assert.Contains(t, dec.Reason, "db down")
}

func TestPolicyRejectsInvalid(t *testing.T) {
	p := NewPolicy(nil, DefaultSettings())
	err := p.Set(context.Background(), model.PolicySettings{
		TradeType: model.TradeOptions, Mode: model.PolicyProbability, WinProbability: decimal.RequireFromString("1.5"),
	})
	assert.True(t, model.IsValidation(err))

	s, ok := p.Get(model.TradeOptions)
	require.True(t, ok)
	assert.Equal(t, model.PolicyFixed, s.Mode)
}

func TestPolicyConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	p := NewPolicy(store.NewMemoryStore(), DefaultSettings())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = p.SetForceWin(ctx, i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			o, _, err := p.Decide(ctx, model.TradeOptions)
			assert.NoError(t, err)
			assert.True(t, o.Valid())
		}()
	}
	wg.Wait()
}

func TestControlChangesAreAudited(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newResolver(t, st)
	require.NoError(t, r.SetForceWin(ctx, "ops", true))
	_, err := r.SetUserOutcome(ctx, "ops", model.UserOutcome{UserID: "u1", Enabled: true, Outcome: model.OutcomeWin, Types: model.AllTypes()})
	require.NoError(t, err)

	events, err := r.Audit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "user_outcome.set", events[0].Action)
	assert.Equal(t, "policy.force_win", events[1].Action)
	assert.Equal(t, "ops", events[0].Actor)
}
