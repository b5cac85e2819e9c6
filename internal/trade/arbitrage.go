package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/arbitrage"
	"github.com/atmx/trade-engine/internal/model"
)

// ArbitrageProducts handles GET /api/v1/arbitrage/products.
func (s *Service) ArbitrageProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.arbitrage.Products())
}

// Subscribe handles POST /api/v1/arbitrage/contracts.
func (s *Service) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req arbitrage.SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	c, err := s.arbitrage.Subscribe(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Contracts handles GET /api/v1/arbitrage/contracts?status=&limit=.
func (s *Service) Contracts(w http.ResponseWriter, r *http.Request) {
	status := model.ContractStatus(r.URL.Query().Get("status"))
	cs, err := s.arbitrage.List(r.Context(), userID(r), status, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []model.ArbitrageContract{}
	}
	writeJSON(w, http.StatusOK, cs)
}

// GetContract handles GET /api/v1/arbitrage/contracts/{id}.
func (s *Service) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.arbitrage.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CancelContract handles POST /api/v1/arbitrage/contracts/{id}/cancel with
// an optional {"reason"} body.
func (s *Service) CancelContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	c, err := s.arbitrage.Cancel(r.Context(), chi.URLParam(r, "id"), userID(r), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ContractSummary handles GET /api/v1/arbitrage/summary.
func (s *Service) ContractSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.arbitrage.Summarize(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// CompleteContract handles POST /api/v1/admin/arbitrage/contracts/{id}/complete.
// Without a profit the contract pays its expected profit.
func (s *Service) CompleteContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profit *decimal.Decimal `json:"profit"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	c, err := s.arbitrage.Complete(r.Context(), chi.URLParam(r, "id"), req.Profit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("arbitrage contract completed by admin", "contract_id", c.ID, "profit", c.Profit.String())
	writeJSON(w, http.StatusOK, c)
}
