// Package market maintains the local replica of one market's state: the
// two-sided order book merged from snapshots and incremental deltas, the
// user's own open orders indexed against it, and the rolling OHLCV candle
// history built from the trade stream.
//
// The book is fed from five input streams — ticker, depth, trade,
// user_order and fulldepth — in whatever order the transport delivers
// them, and stays invariant-preserving regardless: crossed levels left
// behind by a ticker that outran its depth deltas are repaired, trades
// that overshoot a level's volume are clamped, and a user-order event
// racing the local order ack is resolved by treating the unknown oid as an
// implicit add.
//
// Nothing here takes a lock: all mutation happens inside slots dispatched
// by the bus, which serializes the entire application under one emit lock.
package market

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeterm/internal/bus"
	"tradeterm/pkg/types"
)

// Level is one side of the book at one price. Volume is the aggregate
// resting volume on the public book; OwnVolume is the part of it that
// belongs to the user's open limit orders at this price and side.
//
// The two cache fields hold cumulative totals from the top of the book
// down through this level inclusive. They are only meaningful while the
// level's index is at or below the side's valid-cache watermark; read
// them through Book.GetTotalUpTo, never directly.
type Level struct {
	Price     decimal.Decimal
	Volume    decimal.Decimal
	OwnVolume decimal.Decimal

	cacheTotalVol      decimal.Decimal
	cacheTotalVolQuote decimal.Decimal
}

// LastChange describes the most recent book mutation, for UI highlighting.
// Side is empty when the last event (a ticker) carried no level change.
type LastChange struct {
	Side   types.Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OwnRemoved is the payload of SignalOwnRemoved.
type OwnRemoved struct {
	Order  *Order
	Reason string // "requested", "completed_passive" or "completed_active"
}

// OwnVolumeChange is the payload of SignalOwnVolume. Diff is negative for
// fills.
type OwnVolumeChange struct {
	Order *Order
	Diff  decimal.Decimal
}

// Book is the order book of one market plus the list of the user's own
// orders on it.
type Book struct {
	// SignalChanged fires after every state-affecting event; UIs repaint
	// on it. The finer-grained own-order signals below fire before it
	// within the same emit chain.
	SignalChanged            *bus.Signal // payload: nil
	SignalFullDepthProcessed *bus.Signal // payload: nil
	SignalOwnsInitialized    *bus.Signal // payload: nil
	SignalOwnsChanged        *bus.Signal // payload: nil
	SignalOwnAdded           *bus.Signal // payload: *Order
	SignalOwnRemoved         *bus.Signal // payload: OwnRemoved
	SignalOwnOpened          *bus.Signal // payload: *Order
	SignalOwnVolume          *bus.Signal // payload: OwnVolumeChange

	Bids []*Level // descending by price, Bids[0] is best bid
	Asks []*Level // ascending by price, Asks[0] is best ask
	Owns []*Order // unordered

	Bid      decimal.Decimal // best bid
	Ask      decimal.Decimal // best ask
	TotalBid decimal.Decimal // Σ bids volume*price (quote currency)
	TotalAsk decimal.Decimal // Σ asks volume (base currency)

	ReadyDepth bool
	ReadyOwns  bool

	DepthUpdated  time.Time
	OrdersUpdated time.Time

	LastChange LastChange

	base  string
	quote string

	// Highest index on each side whose cumulative cache is known correct;
	// -1 means no level is valid. Mutations only ever lower these.
	validBidCache int
	validAskCache int

	logger *slog.Logger
}

// NewBook creates an empty book for the configured market.
func NewBook(base, quote string, logger *slog.Logger) *Book {
	return &Book{
		SignalChanged:            bus.New(),
		SignalFullDepthProcessed: bus.New(),
		SignalOwnsInitialized:    bus.New(),
		SignalOwnsChanged:        bus.New(),
		SignalOwnAdded:           bus.New(),
		SignalOwnRemoved:         bus.New(),
		SignalOwnOpened:          bus.New(),
		SignalOwnVolume:          bus.New(),
		base:                     base,
		quote:                    quote,
		validBidCache:            -1,
		validAskCache:            -1,
		logger:                   logger.With("component", "orderbook"),
	}
}

// ApplyTicker sets the best bid/ask scalars and repairs crossed levels:
// depth deltas may lag the ticker, so levels the book still believes exist
// may have been fully consumed already.
func (b *Book) ApplyTicker(bid, ask decimal.Decimal) {
	b.Bid = bid
	b.Ask = ask
	b.LastChange = LastChange{}
	b.repairCrossedAsks(ask)
	b.repairCrossedBids(bid)
	b.SignalChanged.Emit(b, nil)
}

// ApplyDepth processes one incremental depth update. totalVol is the
// absolute volume now resting at that price; zero removes the level.
// A delta that changes nothing emits no signal.
func (b *Book) ApplyDepth(side types.Side, price, totalVol decimal.Decimal) {
	if b.updateBook(side, price, totalVol) {
		b.SignalChanged.Emit(b, nil)
	}
}

// ApplyTrade folds a public trade into the book. The trade's side is the
// aggressing side, so side == bid means an ask level was consumed. Own
// trades are ignored here: the user-order channel is authoritative for the
// owns list and the public copy of the fill would double-count.
func (b *Book) ApplyTrade(t types.Trade) {
	if !t.Own {
		voldiff := t.Volume.Neg()
		switch t.Side {
		case types.Bid:
			b.repairCrossedAsks(t.Price)
			if len(b.Asks) > 0 && b.Asks[0].Price.Equal(t.Price) {
				top := b.Asks[0]
				top.Volume = top.Volume.Sub(t.Volume)
				if top.Volume.Sign() <= 0 {
					// clamp: fold the overshoot back into the diff
					voldiff = voldiff.Sub(top.Volume)
					b.Asks = slices.Delete(b.Asks, 0, 1)
				}
				b.LastChange = LastChange{Side: types.Ask, Price: t.Price, Volume: voldiff}
				b.updateTotalAsk(voldiff)
				b.validAskCache = -1
			}
			if len(b.Asks) > 0 {
				b.Ask = b.Asks[0].Price
			}

		case types.Ask:
			b.repairCrossedBids(t.Price)
			if len(b.Bids) > 0 && b.Bids[0].Price.Equal(t.Price) {
				top := b.Bids[0]
				top.Volume = top.Volume.Sub(t.Volume)
				if top.Volume.Sign() <= 0 {
					voldiff = voldiff.Sub(top.Volume)
					b.Bids = slices.Delete(b.Bids, 0, 1)
				}
				b.LastChange = LastChange{Side: types.Bid, Price: t.Price, Volume: voldiff}
				b.updateTotalBid(voldiff, t.Price)
				b.validBidCache = -1
			}
			if len(b.Bids) > 0 {
				b.Bid = b.Bids[0].Price
			}
		}
	}
	b.SignalChanged.Emit(b, nil)
}

// ApplyUserOrder processes one decoded user-order event for this market.
// Status-bearing events upsert into the owns list; events whose status
// carries "executing" or "post-pending" are dropped entirely; removal
// events (status "removed:"+reason) delete by oid.
func (b *Book) ApplyUserOrder(u types.UserOrder) {
	var (
		order   *Order
		found   bool
		removed bool
		opened  bool
		voldiff decimal.Decimal
		reason  string
	)

	if strings.Contains(u.Status, types.StatusExecuting) {
		return
	}
	if strings.Contains(u.Status, types.StatusPostPending) {
		return
	}

	if strings.Contains(u.Status, "removed") {
		for i, o := range b.Owns {
			if o.OID == u.OID {
				order = o

				// The exchange sends a "completed_passive" immediately
				// followed by a "completed_active" when a market order
				// fills. Passive removal is meant for limit orders only,
				// so for market orders the passive message is skipped and
				// the active one that follows does the work.
				if o.IsMarket() && strings.Contains(u.Status, "passive") {
					return
				}

				b.logger.Debug("removing own order",
					"oid", u.OID, "price", o.Price, "side", o.Side)

				b.Owns = slices.Delete(b.Owns, i, i+1)
				b.updateLevelOwnVolume(o.Side, o.Price,
					b.GetOwnVolumeAt(o.Price, o.Side))
				removed = true
				reason = u.Reason
				break
			}
		}
	} else {
		for _, o := range b.Owns {
			if o.OID == u.OID {
				order = o
				found = true
				b.logger.Debug("updating own order",
					"oid", u.OID, "volume", u.Volume, "status", u.Status)
				voldiff = u.Volume.Sub(o.Volume)
				opened = o.Status != types.StatusOpen && u.Status == types.StatusOpen
				o.Volume = u.Volume
				o.Status = u.Status
				break
			}
		}

		if !found {
			// The user_order beat the reply to our order/add (there is no
			// delivery-order guarantee between the two), or the order was
			// placed from another client. Treat it like the add ack;
			// AddOwn emits everything needed, so the job is done here.
			b.AddOwn(NewOrder(u.Price, u.Volume, u.Side, u.OID, u.Status))
			return
		}

		b.updateLevelOwnVolume(u.Side, u.Price,
			b.GetOwnVolumeAt(u.Price, u.Side))
	}

	if removed {
		b.SignalOwnRemoved.Emit(b, OwnRemoved{Order: order, Reason: reason})
	}
	if opened {
		b.SignalOwnOpened.Emit(b, order)
	}
	if !voldiff.IsZero() {
		b.SignalOwnVolume.Emit(b, OwnVolumeChange{Order: order, Diff: voldiff})
	}
	b.SignalChanged.Emit(b, nil)
	b.SignalOwnsChanged.Emit(b, nil)
}

// ApplyFullDepth replaces the book with a snapshot. A snapshot carrying an
// error flag is logged and leaves the book untouched. Duplicate prices in
// the input resolve last-occurrence-wins; input ordering is not trusted.
func (b *Book) ApplyFullDepth(fd types.FullDepth) {
	if fd.Error != "" {
		b.logger.Warn("fulldepth snapshot error", "error", fd.Error)
		return
	}

	b.TotalAsk = decimal.Zero
	b.TotalBid = decimal.Zero
	b.Asks = buildSide(fd.Data.Asks, types.Ask)
	b.Bids = buildSide(fd.Data.Bids, types.Bid)
	for _, lvl := range b.Asks {
		b.updateTotalAsk(lvl.Volume)
	}
	for _, lvl := range b.Bids {
		b.updateTotalBid(lvl.Volume, lvl.Price)
	}

	// reapply own volume to the fresh levels
	for _, o := range b.Owns {
		b.updateLevelOwnVolume(o.Side, o.Price, b.GetOwnVolumeAt(o.Price, o.Side))
	}

	if len(b.Bids) > 0 {
		b.Bid = b.Bids[0].Price
	}
	if len(b.Asks) > 0 {
		b.Ask = b.Asks[0].Price
	}

	b.validAskCache = -1
	b.validBidCache = -1
	b.ReadyDepth = true
	b.DepthUpdated = time.Now()
	b.SignalFullDepthProcessed.Emit(b, nil)
	b.SignalChanged.Emit(b, nil)
}

// buildSide turns raw snapshot levels into a sorted side. Duplicate
// prices resolve last-occurrence-wins; comparison is by value, since the
// same price can arrive with different textual scale.
func buildSide(raw []types.DepthLevel, side types.Side) []*Level {
	levels := make([]*Level, 0, len(raw))
outer:
	for _, lv := range raw {
		for _, existing := range levels {
			if existing.Price.Equal(lv.Price) {
				existing.Volume = lv.Amount
				continue outer
			}
		}
		levels = append(levels, &Level{Price: lv.Price, Volume: lv.Amount})
	}
	sort.Slice(levels, func(i, j int) bool {
		return topward(side, levels[i].Price, levels[j].Price)
	})
	return levels
}

// InitOwn replaces the owns list with the authoritative download, filtered
// to this market, and rebuilds own volume on every referenced level.
// Called once after every (re)connect.
func (b *Book) InitOwn(orders []types.OwnOrder) {
	b.Owns = nil

	for _, lvl := range b.Bids {
		lvl.OwnVolume = decimal.Zero
	}
	for _, lvl := range b.Asks {
		lvl.OwnVolume = decimal.Zero
	}

	for _, o := range orders {
		if o.Currency == b.quote && o.Base == b.base {
			b.addOwn(NewOrder(o.Price, o.Amount, o.Type, o.OID, o.Status))
		}
	}

	b.OrdersUpdated = time.Now()
	b.ReadyOwns = true
	b.SignalChanged.Emit(b, nil)
	b.SignalOwnsInitialized.Emit(b, nil)
	b.SignalOwnsChanged.Emit(b, nil)
}

// AddOwn inserts a newly acked (or newly observed) order into the owns
// list and fires the add signals. An oid already present is the duplicate
// of an ack that raced the user-order channel; it is ignored completely.
func (b *Book) AddOwn(order *Order) {
	if b.HaveOwnOID(order.OID) {
		return
	}
	b.logger.Debug("adding own order",
		"side", order.Side, "price", order.Price,
		"volume", order.Volume, "oid", order.OID)
	b.addOwn(order)
	b.SignalOwnAdded.Emit(b, order)
	b.SignalChanged.Emit(b, nil)
	b.SignalOwnsChanged.Emit(b, nil)
}

func (b *Book) addOwn(order *Order) {
	if b.HaveOwnOID(order.OID) {
		return
	}
	b.Owns = append(b.Owns, order)
	b.updateLevelOwnVolume(order.Side, order.Price,
		b.GetOwnVolumeAt(order.Price, order.Side))
}

// GetOwnVolumeAt sums the remaining volume of own orders at a price.
// An empty side matches both sides. This reads the authoritative owns
// list, not the per-level cache — it is what the cache is computed from.
func (b *Book) GetOwnVolumeAt(price decimal.Decimal, side types.Side) decimal.Decimal {
	volume := decimal.Zero
	for _, o := range b.Owns {
		if o.Price.Equal(price) && (side == "" || side == o.Side) {
			volume = volume.Add(o.Volume)
		}
	}
	return volume
}

// HaveOwnOID reports whether an own order with this oid exists.
func (b *Book) HaveOwnOID(oid string) bool {
	for _, o := range b.Owns {
		if o.OID == oid {
			return true
		}
	}
	return false
}

// GetTotalUpTo returns the cumulative base and quote volume from the top
// of the side down through the deepest level whose price is on the
// top-ward side of (or equal to) price. Totals are cached per level and
// recomputed only past the side's valid watermark.
func (b *Book) GetTotalUpTo(price decimal.Decimal, isAsk bool) (total, totalQuote decimal.Decimal) {
	var (
		lst   []*Level
		known int
		side  types.Side
	)
	if isAsk {
		lst, known, side = b.Asks, b.validAskCache, types.Ask
	} else {
		lst, known, side = b.Bids, b.validBidCache, types.Bid
	}

	if len(lst) == 0 {
		return decimal.Zero, decimal.Zero
	}

	// index of the first level not top-ward of price, then settle on the
	// exact match or the level just before it
	hi := sort.Search(len(lst), func(i int) bool {
		return !topward(side, lst[i].Price, price)
	})
	needed := hi - 1
	if hi < len(lst) && lst[hi].Price.Equal(price) {
		needed = hi
	}
	if needed < 0 {
		return decimal.Zero, decimal.Zero
	}

	if needed <= known {
		lvl := lst[needed]
		return lvl.cacheTotalVol, lvl.cacheTotalVolQuote
	}

	total = decimal.Zero
	totalQuote = decimal.Zero
	if known >= 0 {
		total = lst[known].cacheTotalVol
		totalQuote = lst[known].cacheTotalVolQuote
	}
	for i := known + 1; i <= needed; i++ {
		lvl := lst[i]
		total = total.Add(lvl.Volume)
		totalQuote = totalQuote.Add(lvl.Volume.Mul(lvl.Price))
		lvl.cacheTotalVol = total
		lvl.cacheTotalVolQuote = totalQuote
	}

	if isAsk {
		b.validAskCache = needed
	} else {
		b.validBidCache = needed
	}
	return total, totalQuote
}

// repairCrossedBids removes bids above the current best bid, which occurs
// when ticker prices come in before the matching depth deltas.
func (b *Book) repairCrossedBids(bid decimal.Decimal) {
	for len(b.Bids) > 0 && b.Bids[0].Price.GreaterThan(bid) {
		top := b.Bids[0]
		b.updateTotalBid(top.Volume.Neg(), top.Price)
		b.Bids = slices.Delete(b.Bids, 0, 1)
		b.validBidCache = -1
	}
}

// repairCrossedAsks removes asks below the current best ask.
func (b *Book) repairCrossedAsks(ask decimal.Decimal) {
	for len(b.Asks) > 0 && b.Asks[0].Price.LessThan(ask) {
		top := b.Asks[0]
		b.updateTotalAsk(top.Volume.Neg())
		b.Asks = slices.Delete(b.Asks, 0, 1)
		b.validAskCache = -1
	}
}

// updateBook applies one depth delta: insert, update or remove the level
// at price and keep totals, best prices, last-change descriptor and the
// cache watermark in sync. Returns whether the book changed.
func (b *Book) updateBook(side types.Side, price, totalVol decimal.Decimal) bool {
	lst := b.sideList(side)
	index, level := b.findLevel(side, price)

	var voldiff decimal.Decimal
	if totalVol.IsZero() {
		if level == nil {
			return false
		}
		voldiff = level.Volume.Neg()
		*lst = slices.Delete(*lst, index, index+1)
	} else {
		if level == nil {
			voldiff = totalVol
			*lst = slices.Insert(*lst, index, &Level{
				Price:     price,
				Volume:    totalVol,
				OwnVolume: b.GetOwnVolumeAt(price, side),
			})
		} else {
			voldiff = totalVol.Sub(level.Volume)
			if voldiff.IsZero() {
				return false
			}
			level.Volume = totalVol
		}
	}

	b.LastChange = LastChange{Side: side, Price: price, Volume: voldiff}
	if side == types.Ask {
		b.updateTotalAsk(voldiff)
		if len(b.Asks) > 0 {
			b.Ask = b.Asks[0].Price
		}
		b.validAskCache = min(b.validAskCache, index-1)
	} else {
		b.updateTotalBid(voldiff, price)
		if len(b.Bids) > 0 {
			b.Bid = b.Bids[0].Price
		}
		b.validBidCache = min(b.validBidCache, index-1)
	}
	return true
}

func (b *Book) updateTotalAsk(volume decimal.Decimal) {
	b.TotalAsk = b.TotalAsk.Add(volume)
}

func (b *Book) updateTotalBid(volume, price decimal.Decimal) {
	b.TotalBid = b.TotalBid.Add(volume.Mul(price))
}

// updateLevelOwnVolume stores ownVolume in the level at price, creating
// the level (volume 0) if the public book does not know the price yet, and
// deleting the level once both volumes reach zero. Market orders (price 0)
// never appear as levels.
func (b *Book) updateLevelOwnVolume(side types.Side, price, ownVolume decimal.Decimal) {
	if price.IsZero() {
		return
	}

	index, level := b.findLevelOrInsert(side, price)
	if level.Volume.IsZero() && ownVolume.IsZero() {
		lst := b.sideList(side)
		*lst = slices.Delete(*lst, index, index+1)
		if side == types.Ask {
			b.validAskCache = min(b.validAskCache, index-1)
		} else {
			b.validBidCache = min(b.validBidCache, index-1)
		}
	} else {
		level.OwnVolume = ownVolume
	}
}

// findLevel binary-searches one side. Returns the index of the exact
// match and the level, or the insertion index and nil.
func (b *Book) findLevel(side types.Side, price decimal.Decimal) (int, *Level) {
	lst := *b.sideList(side)
	low, high := 0, len(lst)
	for low < high {
		mid := (low + high) / 2
		midval := lst[mid].Price
		switch {
		case topward(side, midval, price):
			low = mid + 1
		case topward(side, price, midval):
			high = mid
		default:
			return mid, lst[mid]
		}
	}
	return high, nil
}

// findLevelOrInsert returns the level at price, inserting an empty one at
// the correct position if absent. Inserting shifts the tail, so the cache
// watermark is lowered past the insertion point.
func (b *Book) findLevelOrInsert(side types.Side, price decimal.Decimal) (int, *Level) {
	index, level := b.findLevel(side, price)
	if level != nil {
		return index, level
	}

	level = &Level{Price: price}
	lst := b.sideList(side)
	*lst = slices.Insert(*lst, index, level)

	if side == types.Ask {
		b.validAskCache = min(b.validAskCache, index-1)
	} else {
		b.validBidCache = min(b.validBidCache, index-1)
	}
	return index, level
}

func (b *Book) sideList(side types.Side) *[]*Level {
	if side == types.Ask {
		return &b.Asks
	}
	return &b.Bids
}

// topward reports whether x sorts strictly closer to the top of the book
// than y: ascending for asks, descending for bids.
func topward(side types.Side, x, y decimal.Decimal) bool {
	if side == types.Ask {
		return x.LessThan(y)
	}
	return x.GreaterThan(y)
}
