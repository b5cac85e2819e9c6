package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// Balances handles GET /api/v1/wallet/balances.
func (s *Service) Balances(w http.ResponseWriter, r *http.Request) {
	bs, err := s.ledger.Balances(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

// Transactions handles GET /api/v1/wallet/transactions?limit=.
func (s *Service) Transactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.History(r.Context(), userID(r), queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Locks handles GET /api/v1/wallet/locks.
func (s *Service) Locks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.ledger.ActiveLocks(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

// TransferRequest is the body of POST /wallet/transfer. Key makes the
// request idempotent; one is generated when omitted.
type TransferRequest struct {
	Asset  string          `json:"asset"`
	From   model.Bucket    `json:"from"`
	To     model.Bucket    `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Key    string          `json:"key,omitempty"`
}

// Transfer handles POST /api/v1/wallet/transfer.
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		writeError(w, "asset: required", http.StatusBadRequest)
		return
	}
	uid := userID(r)
	key := "transfer:" + uid + ":" + keyOrNew(req.Key)
	applied, err := s.ledger.Transfer(r.Context(), uid, req.Asset, req.From, req.To, req.Amount, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBalance(w, r, uid, req.Asset, applied)
}

func (s *Service) writeBalance(w http.ResponseWriter, r *http.Request, uid, asset string, applied bool) {
	bal, err := s.ledger.Balance(r.Context(), uid, asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "balance": bal})
}

func keyOrNew(k string) string {
	if k != "" {
		return k
	}
	return uuid.New().String()
}

// --- Admin wallet operations ---

// DepositRequest is the body of POST /admin/wallet/deposit.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Bucket model.Bucket    `json:"bucket"`
	Amount decimal.Decimal `json:"amount"`
	Key    string          `json:"key,omitempty"`
}

// Deposit handles POST /api/v1/admin/wallet/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Asset == "" {
		writeError(w, "user_id and asset are required", http.StatusBadRequest)
		return
	}
	if req.Bucket == "" {
		req.Bucket = model.BucketFunding
	}
	applied, err := s.ledger.Deposit(r.Context(), req.UserID, req.Asset, req.Bucket, req.Amount, "deposit:"+keyOrNew(req.Key))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBalance(w, r, req.UserID, req.Asset, applied)
}

// AdjustRequest is the body of POST /admin/wallet/adjust.
type AdjustRequest struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"` // signed
	Reason string          `json:"reason"`
	Key    string          `json:"key,omitempty"`
}

// Adjust handles POST /api/v1/admin/wallet/adjust.
func (s *Service) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Asset == "" || req.Reason == "" {
		writeError(w, "user_id, asset and reason are required", http.StatusBadRequest)
		return
	}
	applied, err := s.ledger.Adjust(r.Context(), req.UserID, req.Asset, req.Amount, req.Reason, "adjust:"+keyOrNew(req.Key))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("admin adjustment", "actor", actor(r), "user_id", req.UserID, "asset", req.Asset, "amount", req.Amount.String())
	s.writeBalance(w, r, req.UserID, req.Asset, applied)
}

// Verify handles GET /api/v1/admin/wallet/verify/{userID}/{asset}.
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ledger.Verify(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
