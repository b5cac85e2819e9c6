package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/atmx/trade-engine/internal/instrument"
	"github.com/atmx/trade-engine/internal/limits"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/settlement"
)

// statusFor maps domain errors to HTTP status codes. Business-rule
// rejections are 409; anything unclassified is a 500.
func statusFor(err error) int {
	switch {
	case model.IsValidation(err),
		errors.Is(err, instrument.ErrInvalidSymbol),
		errors.Is(err, instrument.ErrUnknownQuote),
		errors.Is(err, limits.ErrUnknownDuration):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrOrderNotCancellable),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrLockNotActive),
		errors.Is(err, limits.ErrInstrumentLimitExceeded),
		errors.Is(err, limits.ErrCorrelatedLimitExceeded),
		errors.Is(err, settlement.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// hidden from the client.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseInstrument(w http.ResponseWriter, raw string) (string, bool) {
	inst, err := instrument.Parse(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return inst.Symbol, true
}

// queryLimit reads ?limit=, defaulting to def and capping at 500.
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
