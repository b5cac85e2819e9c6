package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trade-engine/internal/model"
)

// ForceWinRequest is the body of POST /admin/force-win.
type ForceWinRequest struct {
	Enabled bool `json:"enabled"`
}

// SetForceWin handles POST /api/v1/admin/force-win. Enabled fixes every
// trade type to win; disabled fixes every type to lose.
func (s *Service) SetForceWin(w http.ResponseWriter, r *http.Request) {
	var req ForceWinRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.resolver.SetForceWin(r.Context(), actor(r), req.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"force_win": s.resolver.Policy().ForceWin(),
		"policy":    s.resolver.Policy().Settings(),
	})
}

// GetPolicy handles GET /api/v1/admin/policy.
func (s *Service) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.Policy().Load(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.resolver.Policy().Settings())
}

// SetPolicy handles PUT /api/v1/admin/policy/{tradeType}.
func (s *Service) SetPolicy(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseTradeType(chi.URLParam(r, "tradeType"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var ps model.PolicySettings
	if !decode(w, r, &ps) {
		return
	}
	ps.TradeType = t
	if err := s.resolver.SetPolicy(r.Context(), actor(r), ps); err != nil {
		s.fail(w, r, err)
		return
	}
	current, _ := s.resolver.Policy().Get(t)
	writeJSON(w, http.StatusOK, current)
}

// SetUserOutcome handles PUT /api/v1/admin/outcomes/{userID}.
func (s *Service) SetUserOutcome(w http.ResponseWriter, r *http.Request) {
	var uo model.UserOutcome
	if !decode(w, r, &uo) {
		return
	}
	uo.UserID = chi.URLParam(r, "userID")
	saved, err := s.resolver.SetUserOutcome(r.Context(), actor(r), uo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// GetUserOutcome handles GET /api/v1/admin/outcomes/{userID}.
func (s *Service) GetUserOutcome(w http.ResponseWriter, r *http.Request) {
	uo, err := s.resolver.UserOutcome(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uo)
}

// CreateWindow handles POST /api/v1/admin/windows.
func (s *Service) CreateWindow(w http.ResponseWriter, r *http.Request) {
	var tw model.TradeWindow
	if !decode(w, r, &tw) {
		return
	}
	created, err := s.resolver.CreateWindow(r.Context(), actor(r), tw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListWindows handles GET /api/v1/admin/windows?user_id=.
func (s *Service) ListWindows(w http.ResponseWriter, r *http.Request) {
	ws, err := s.resolver.Windows(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// DeactivateWindow handles DELETE /api/v1/admin/windows/{id}.
func (s *Service) DeactivateWindow(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.DeactivateWindow(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Audit handles GET /api/v1/admin/audit?limit=.
func (s *Service) Audit(w http.ResponseWriter, r *http.Request) {
	events, err := s.resolver.Audit(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
