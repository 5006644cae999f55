package market

import (
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"tradeterm/internal/bus"
	"tradeterm/pkg/types"
)

// Candle is one OHLCV chart candle. Time is the POSIX timestamp of the
// open, aligned to the history's timeframe.
type Candle struct {
	Time   int64
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// NewCandle creates a candle from the first trade of its bucket.
func NewCandle(tim int64, price, volume decimal.Decimal) *Candle {
	return &Candle{Time: tim, Open: price, High: price, Low: price, Close: price, Volume: volume}
}

// Update folds one more trade into the candle.
func (c *Candle) Update(price, volume decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(volume)
}

// History is the rolling OHLCV candle series of one market, aggregated
// from the live trade stream and seeded by a fullhistory download.
// Candles are stored newest first: Candles[0] is the current (incomplete)
// candle.
type History struct {
	SignalChanged              *bus.Signal // payload: int, new length after an add or rebuild; 1 after an in-place head update
	SignalFullHistoryProcessed *bus.Signal // payload: nil

	Candles   []*Candle
	Timeframe int64 // bucket width in seconds, > 0
	Ready     bool

	logger *slog.Logger
}

// NewHistory creates an empty history with the given timeframe in seconds.
func NewHistory(timeframe int64, logger *slog.Logger) *History {
	return &History{
		SignalChanged:              bus.New(),
		SignalFullHistoryProcessed: bus.New(),
		Timeframe:                  timeframe,
		logger:                     logger.With("component", "history"),
	}
}

// AddCandle prepends a candle and fires SignalChanged with the new length.
func (h *History) AddCandle(c *Candle) {
	h.addCandle(c)
	h.SignalChanged.Emit(h, h.Length())
}

func (h *History) addCandle(c *Candle) {
	h.Candles = slices.Insert(h.Candles, 0, c)
}

// Trade folds one live trade into the series. Own fills are skipped; the
// same trade also arrives as a public copy. A trade in the current bucket
// updates the head candle in place; anything else opens a new candle.
func (h *History) Trade(t types.Trade) {
	if t.Own {
		return
	}
	bucket := t.Date / h.Timeframe * h.Timeframe
	candle := h.LastCandle()
	if candle != nil && candle.Time == bucket {
		candle.Update(t.Price, t.Volume)
		h.SignalChanged.Emit(h, 1)
		return
	}
	if candle != nil {
		h.logger.Debug("opening new candle", "bucket", bucket)
	}
	h.AddCandle(NewCandle(bucket, t.Price, t.Volume))
}

// FullHistory rebuilds the recent candles from a trade snapshot. Existing
// candles overlapping the snapshot's time range are dropped and recreated
// fresh; trades are walked in order, one candle per distinct bucket.
func (h *History) FullHistory(trades []types.HistoryTrade) {
	if len(trades) == 0 {
		h.logger.Warn("history download was empty")
		return
	}

	bucketOf := func(date int64) int64 {
		return date / h.Timeframe * h.Timeframe
	}

	// remove existing recent candle(s) if any, they get created fresh
	dateBegin := bucketOf(trades[0].Date)
	for len(h.Candles) > 0 && h.Candles[0].Time >= dateBegin {
		h.Candles = slices.Delete(h.Candles, 0, 1)
	}

	var current *Candle
	for _, tr := range trades {
		bucket := bucketOf(tr.Date)
		if current == nil || bucket != current.Time {
			if current != nil {
				h.addCandle(current)
			}
			current = NewCandle(bucket, tr.Price, tr.Amount)
			continue
		}
		current.Update(tr.Price, tr.Amount)
	}
	// the last (possibly partial) candle
	h.addCandle(current)

	h.Ready = true
	h.SignalFullHistoryProcessed.Emit(h, nil)
	h.SignalChanged.Emit(h, h.Length())
}

// LastCandle returns the current (newest) candle or nil if empty.
func (h *History) LastCandle() *Candle {
	if len(h.Candles) == 0 {
		return nil
	}
	return h.Candles[0]
}

// Length returns the number of candles in the history.
func (h *History) Length() int {
	return len(h.Candles)
}
