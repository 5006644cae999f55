// Package strategy hosts consumers of the engine's signal surface.
//
// Watcher is the built-in reference consumer: it subscribes to the ready,
// disconnect and own-order signals and periodically logs the spread, the
// cumulative depth near the top of the book and the state of our own
// orders. It places no orders itself — it exists to exercise (and
// demonstrate) the consumer interface real strategies build on.
package strategy

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradeterm/internal/api"
	"tradeterm/internal/bus"
	"tradeterm/internal/market"
)

// Watcher logs a periodic market summary and every own-order event.
type Watcher struct {
	api    *api.Api
	logger *slog.Logger

	timer *bus.Timer
	subs  []bus.Subscription

	ready bool
}

// NewWatcher creates a watcher summarizing every interval.
func NewWatcher(a *api.Api, interval time.Duration, logger *slog.Logger) *Watcher {
	w := &Watcher{
		api:    a,
		logger: logger.With("component", "watcher"),
	}

	w.subs = append(w.subs,
		a.SignalReady.Connect(w.slotReady),
		a.SignalDisconnected.Connect(w.slotDisconnected),
		a.Book.SignalOwnAdded.Connect(w.slotOwnAdded),
		a.Book.SignalOwnOpened.Connect(w.slotOwnOpened),
		a.Book.SignalOwnVolume.Connect(w.slotOwnVolume),
		a.Book.SignalOwnRemoved.Connect(w.slotOwnRemoved),
	)

	w.timer = bus.NewTimer(interval, false)
	w.subs = append(w.subs, w.timer.Connect(w.slotSummary))

	return w
}

// Stop cancels the summary timer and disconnects all slots.
func (w *Watcher) Stop() {
	w.timer.Cancel()
	for _, sub := range w.subs {
		sub.Close()
	}
	w.subs = nil
}

func (w *Watcher) slotReady(_, _ any) {
	w.ready = true
	w.logger.Info("market state ready",
		"candles", w.api.History.Length(),
		"own_orders", len(w.api.Book.Owns),
		"socket_lag_us", w.api.SocketLagUS,
	)
}

func (w *Watcher) slotDisconnected(_, _ any) {
	w.ready = false
	w.logger.Warn("disconnected, waiting for re-initialization")
}

func (w *Watcher) slotOwnAdded(_, data any) {
	order := data.(*market.Order)
	w.logger.Info("own order added",
		"side", order.Side, "price", order.Price,
		"volume", order.Volume, "oid", order.OID)
}

func (w *Watcher) slotOwnOpened(_, data any) {
	order := data.(*market.Order)
	w.logger.Info("own order open", "oid", order.OID, "price", order.Price)
}

func (w *Watcher) slotOwnVolume(_, data any) {
	change := data.(market.OwnVolumeChange)
	w.logger.Info("own order fill",
		"oid", change.Order.OID,
		"diff", change.Diff,
		"remaining", change.Order.Volume)
}

func (w *Watcher) slotOwnRemoved(_, data any) {
	removed := data.(market.OwnRemoved)
	w.logger.Info("own order removed",
		"oid", removed.Order.OID, "reason", removed.Reason)
}

// slotSummary logs the top of the book and the depth within one percent
// of it.
func (w *Watcher) slotSummary(_, _ any) {
	if !w.ready {
		return
	}
	book := w.api.Book
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}

	spread := book.Ask.Sub(book.Bid)
	onePct := decimal.NewFromFloat(0.01)
	askDepth, _ := book.GetTotalUpTo(book.Ask.Mul(decimal.NewFromInt(1).Add(onePct)), true)
	_, bidDepthQuote := book.GetTotalUpTo(book.Bid.Mul(decimal.NewFromInt(1).Sub(onePct)), false)

	w.logger.Info("market summary",
		"bid", book.Bid,
		"ask", book.Ask,
		"spread", spread,
		"ask_depth_1pct", askDepth,
		"bid_depth_1pct_quote", bidDepthQuote,
		"last_candle", candleTime(w.api.History.LastCandle()),
	)
}

func candleTime(c *market.Candle) int64 {
	if c == nil {
		return 0
	}
	return c.Time
}
