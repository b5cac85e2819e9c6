// Package outcome decides whether a settling trade wins or loses. Per-user
// overrides beat time windows, which beat the system default policy. Any
// failure to read the controls resolves to lose.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// Decision sources.
const (
	SourceUserOverride      = "user_override"
	SourceWindow            = "window"
	SourcePolicyFixed       = "policy_fixed"
	SourcePolicyProbability = "policy_probability"
	SourceFailClosed        = "fail_closed"
)

// Decision explains how an outcome was reached.
type Decision struct {
	Source   string `json:"source"`
	WindowID string `json:"window_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Controls is the subset of the store the resolver reads and writes.
type Controls interface {
	GetUserOutcome(ctx context.Context, userID string) (*model.UserOutcome, error)
	UpsertUserOutcome(ctx context.Context, uo *model.UserOutcome) error
	CreateWindow(ctx context.Context, w *model.TradeWindow) error
	DeactivateWindow(ctx context.Context, id string) error
	ListWindows(ctx context.Context, userID string) ([]model.TradeWindow, error)
}

// Resolver resolves settlement outcomes and manages the controls behind them.
type Resolver struct {
	controls Controls
	policy   *Policy
	audit    store.AuditStore
	logger   *slog.Logger
	now      func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithAudit records control changes to a.
func WithAudit(a store.AuditStore) ResolverOption {
	return func(r *Resolver) { r.audit = a }
}

// NewResolver creates a Resolver.
func NewResolver(controls Controls, policy *Policy, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{controls: controls, policy: policy, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the system default policy.
func (r *Resolver) Policy() *Policy { return r.policy }

// Resolve returns the outcome for a trade of type t by userID settling now.
func (r *Resolver) Resolve(ctx context.Context, userID string, t model.TradeType) (model.Outcome, Decision) {
	uo, err := r.controls.GetUserOutcome(ctx, userID)
	switch {
	case err == nil:
		if uo.Enabled && uo.Types.Has(t) {
			if !uo.Outcome.Valid() {
				return r.failClosed(userID, t, fmt.Sprintf("user override has invalid outcome %q", uo.Outcome))
			}
			return uo.Outcome, Decision{Source: SourceUserOverride}
		}
	case errors.Is(err, model.ErrNotFound):
	default:
		return r.failClosed(userID, t, "read user override: "+err.Error())
	}

	windows, err := r.controls.ListWindows(ctx, userID)
	if err != nil {
		return r.failClosed(userID, t, "read trade windows: "+err.Error())
	}
	now := r.now()
	// The latest-starting covering window wins.
	for i := len(windows) - 1; i >= 0; i-- {
		w := windows[i]
		if !w.Covers(now) || !w.Types.Has(t) {
			continue
		}
		if !w.Outcome.Valid() {
			return r.failClosed(userID, t, fmt.Sprintf("window %s has invalid outcome %q", w.ID, w.Outcome))
		}
		return w.Outcome, Decision{Source: SourceWindow, WindowID: w.ID}
	}

	if r.policy == nil {
		return r.failClosed(userID, t, "no policy configured")
	}
	o, source, err := r.policy.Decide(ctx, t)
	if err != nil {
		return r.failClosed(userID, t, err.Error())
	}
	return o, Decision{Source: source}
}

func (r *Resolver) failClosed(userID string, t model.TradeType, reason string) (model.Outcome, Decision) {
	r.logger.Warn("outcome resolution failed closed",
		"user_id", userID, "trade_type", t, "reason", reason)
	return model.OutcomeLose, Decision{Source: SourceFailClosed, Reason: reason}
}

// SetUserOutcome upserts a per-user override.
func (r *Resolver) SetUserOutcome(ctx context.Context, actor string, uo model.UserOutcome) (*model.UserOutcome, error) {
	if uo.UserID == "" {
		return nil, model.Invalid("user_id", "required")
	}
	if uo.Enabled && !uo.Outcome.Valid() {
		return nil, model.Invalid("outcome", "must be win or lose")
	}
	uo.UpdatedAt = r.now()
	if err := r.controls.UpsertUserOutcome(ctx, &uo); err != nil {
		return nil, fmt.Errorf("outcome: upsert override %s: %w", uo.UserID, err)
	}
	r.record(ctx, actor, "user_outcome.set", uo.UserID, uo)
	return &uo, nil
}

// UserOutcome returns the override for userID.
func (r *Resolver) UserOutcome(ctx context.Context, userID string) (*model.UserOutcome, error) {
	return r.controls.GetUserOutcome(ctx, userID)
}

// CreateWindow validates and stores a new active window.
func (r *Resolver) CreateWindow(ctx context.Context, actor string, w model.TradeWindow) (*model.TradeWindow, error) {
	if w.UserID == "" {
		return nil, model.Invalid("user_id", "required")
	}
	if !w.Outcome.Valid() {
		return nil, model.Invalid("outcome", "must be win or lose")
	}
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return nil, model.Invalid("end", "must be after start")
	}
	w.ID = uuid.New().String()
	w.Active = true
	w.CreatedAt = r.now()
	if err := r.controls.CreateWindow(ctx, &w); err != nil {
		return nil, fmt.Errorf("outcome: create window: %w", err)
	}
	r.record(ctx, actor, "window.create", w.UserID, w)
	r.logger.Info("trade window created",
		"window_id", w.ID, "user_id", w.UserID, "outcome", w.Outcome,
		"start", w.Start, "end", w.End)
	return &w, nil
}

// DeactivateWindow turns a window off.
func (r *Resolver) DeactivateWindow(ctx context.Context, actor, id string) error {
	if err := r.controls.DeactivateWindow(ctx, id); err != nil {
		return fmt.Errorf("outcome: deactivate window %s: %w", id, err)
	}
	r.record(ctx, actor, "window.deactivate", id, nil)
	return nil
}

// Windows lists active windows for userID, or for everyone when userID is "".
func (r *Resolver) Windows(ctx context.Context, userID string) ([]model.TradeWindow, error) {
	return r.controls.ListWindows(ctx, userID)
}

// SetPolicy changes the default for one trade type.
func (r *Resolver) SetPolicy(ctx context.Context, actor string, s model.PolicySettings) error {
	if err := r.policy.Set(ctx, s); err != nil {
		return err
	}
	r.record(ctx, actor, "policy.set", string(s.TradeType), s)
	return nil
}

// SetForceWin fixes every trade type to win or lose.
func (r *Resolver) SetForceWin(ctx context.Context, actor string, enabled bool) error {
	if err := r.policy.SetForceWin(ctx, enabled); err != nil {
		return err
	}
	r.record(ctx, actor, "policy.force_win", "*", map[string]bool{"enabled": enabled})
	r.logger.Info("force-win changed", "enabled", enabled, "actor", actor)
	return nil
}

// Audit returns the newest control changes.
func (r *Resolver) Audit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if r.audit == nil {
		return nil, nil
	}
	return r.audit.ListAudit(ctx, limit)
}

func (r *Resolver) record(ctx context.Context, actor, action, target string, detail any) {
	if r.audit == nil {
		return
	}
	var raw string
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = string(b)
		}
	}
	e := model.AuditEvent{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    raw,
		Timestamp: r.now(),
	}
	if err := r.audit.AppendAudit(ctx, e); err != nil {
		r.logger.Error("audit append failed", "action", action, "target", target, "error", err)
	}
}
