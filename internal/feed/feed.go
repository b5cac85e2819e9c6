// Package feed carries price ticks from a Redis pub/sub channel into the
// scheduler.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/instrument"
	"github.com/atmx/trade-engine/internal/model"
)

// DefaultChannel is the pub/sub channel price ticks are published on.
const DefaultChannel = "prices"

// Source delivers raw tick payloads.
type Source interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Sink accepts decoded ticks.
type Sink interface {
	Submit(ctx context.Context, s model.PriceSample) error
}

// tick is the JSON shape published on the channel. Timestamp is RFC 3339 or
// unix milliseconds.
type tick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// Decode parses one tick payload.
func Decode(data []byte) (model.PriceSample, error) {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		return model.PriceSample{}, fmt.Errorf("feed: decode tick: %w", err)
	}
	inst, err := instrument.Parse(t.Instrument)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("feed: %w", err)
	}
	if !t.Price.IsPositive() {
		return model.PriceSample{}, errors.New("feed: price must be positive")
	}
	ts, err := parseTimestamp(t.Timestamp)
	if err != nil {
		return model.PriceSample{}, err
	}
	return model.PriceSample{Instrument: inst.Symbol, Timestamp: ts, Price: t.Price, Volume: t.Volume}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, errors.New("feed: timestamp required")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, fmt.Errorf("feed: timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("feed: timestamp: %w", err)
		}
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("feed: timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Encode renders s in the channel's JSON shape.
func Encode(s model.PriceSample) ([]byte, error) {
	ts, _ := json.Marshal(s.Timestamp.UTC().Format(time.RFC3339Nano))
	return json.Marshal(tick{Instrument: s.Instrument, Price: s.Price, Volume: s.Volume, Timestamp: ts})
}

// Feeder subscribes to a channel and forwards decoded ticks to a Sink.
type Feeder struct {
	src     Source
	channel string
	sink    Sink
	logger  *slog.Logger
}

// NewFeeder creates a Feeder.
func NewFeeder(src Source, channel string, sink Sink, logger *slog.Logger) *Feeder {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{
		src:     src,
		channel: channel,
		sink:    sink,
		logger:  logger.With(slog.String("component", "price_feed")),
	}
}

// Run forwards ticks until ctx is cancelled or the subscription closes.
func (f *Feeder) Run(ctx context.Context) error {
	ch, err := f.src.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("price feed started", "channel", f.channel)
	defer f.logger.Info("price feed stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			s, err := Decode(data)
			if err != nil {
				f.logger.Debug("price tick dropped", "error", err, "payload_len", len(data))
				continue
			}
			if err := f.sink.Submit(ctx, s); err != nil {
				return nil
			}
		}
	}
}
