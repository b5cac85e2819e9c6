package trade

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trade-engine/internal/futures"
	"github.com/atmx/trade-engine/internal/model"
)

// OpenPosition handles POST /api/v1/futures/positions.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req futures.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	p, err := s.futures.Open(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ClosePosition handles POST /api/v1/futures/positions/{id}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.futures.Close(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// OpenPositions handles GET /api/v1/futures/positions.
func (s *Service) OpenPositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.futures.OpenPositions(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// PositionHistory handles GET /api/v1/futures/positions/history?limit=.
func (s *Service) PositionHistory(w http.ResponseWriter, r *http.Request) {
	ps, err := s.futures.History(r.Context(), userID(r), queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// PositionSummary handles GET /api/v1/futures/summary.
func (s *Service) PositionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.futures.PnLSummary(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Trades handles GET /api/v1/trades?type=&limit=. It merges options orders,
// futures positions and arbitrage contracts into one tagged-union history,
// newest first.
func (s *Service) Trades(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)
	limit := queryLimit(r, 50)

	flags := model.AllTypes()
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := model.ParseTradeType(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		flags = model.TypeFlags{}
		switch t {
		case model.TradeOptions:
			flags.Options = true
		case model.TradeFutures:
			flags.Futures = true
		case model.TradeSpot:
			flags.Spot = true
		case model.TradeArbitrage:
			flags.Arbitrage = true
		}
	}

	var trades []model.Trade
	if flags.Options {
		active, err := s.options.Active(ctx, uid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		done, err := s.options.Completed(ctx, uid, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for i := range active {
			trades = append(trades, model.OptionsTrade(&active[i]))
		}
		for i := range done {
			trades = append(trades, model.OptionsTrade(&done[i]))
		}
	}
	if flags.Futures {
		open, err := s.futures.OpenPositions(ctx, uid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		closed, err := s.futures.History(ctx, uid, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for i := range open {
			trades = append(trades, model.FuturesTrade(&open[i]))
		}
		for i := range closed {
			trades = append(trades, model.FuturesTrade(&closed[i]))
		}
	}

	if flags.Arbitrage && s.arbitrage != nil {
		cs, err := s.arbitrage.List(ctx, uid, "", limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for i := range cs {
			trades = append(trades, model.ArbitrageTrade(&cs[i]))
		}
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Time().After(trades[j].Time())
	})
	if len(trades) > limit {
		trades = trades[:limit]
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
