package trade

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trade-engine/internal/limits"
	"github.com/atmx/trade-engine/internal/options"
)

// CreateOrder handles POST /api/v1/options/order.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req options.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	o, err := s.options.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /api/v1/options/order/{id}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.options.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/options/order/{id}. Only SCHEDULED
// orders can be cancelled.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.options.Cancel(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ScheduleOrder handles POST /api/v1/options/schedule.
func (s *Service) ScheduleOrder(w http.ResponseWriter, r *http.Request) {
	var req options.ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	st, err := s.options.Schedule(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// CancelScheduled handles DELETE /api/v1/options/schedule/{id}.
func (s *Service) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	st, err := s.options.CancelScheduled(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ActiveOrders handles GET /api/v1/options/active.
func (s *Service) ActiveOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.options.Active(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CompletedOrders handles GET /api/v1/options/completed?limit=.
func (s *Service) CompletedOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.options.Completed(r.Context(), userID(r), queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ScheduledOrders handles GET /api/v1/options/scheduled.
func (s *Service) ScheduledOrders(w http.ResponseWriter, r *http.Request) {
	trades, err := s.options.Scheduled(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func durationParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	d, err := strconv.ParseInt(chi.URLParam(r, "duration"), 10, 64)
	if err != nil {
		writeError(w, "duration must be an integer number of seconds", http.StatusBadRequest)
		return 0, false
	}
	return d, true
}

// FluctuationRanges handles GET /api/v1/options/fluctuation-ranges/{duration}.
func (s *Service) FluctuationRanges(w http.ResponseWriter, r *http.Request) {
	d, ok := durationParam(w, r)
	if !ok {
		return
	}
	ranges, err := limits.FluctuationRanges(d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duration": d, "ranges": ranges})
}

// PurchaseRange handles GET /api/v1/options/purchase-range/{duration}.
func (s *Service) PurchaseRange(w http.ResponseWriter, r *http.Request) {
	d, ok := durationParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duration": d, "range": limits.PurchaseRangeFor(d)})
}
