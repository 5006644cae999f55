// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, signal
// payloads, snapshot shapes, and the wire envelope the exchange streams.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
//
// All prices and volumes are decimal.Decimal. The engine performs only
// addition, subtraction, comparison and price*volume products on them, so
// one exact representation is carried end to end; floats appear only at
// display boundaries.
package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents one side of the book: bid (buy) or ask (sell).
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// Order status strings as the exchange reports them. A removal is reported
// as "removed:" plus a reason ("requested", "completed_passive",
// "completed_active").
const (
	StatusPending       = "pending"
	StatusPostPending   = "post-pending"
	StatusOpen          = "open"
	StatusExecuting     = "executing"
	StatusRemovedPrefix = "removed:"

	ReasonRequested        = "requested"
	ReasonCompletedPassive = "completed_passive"
	ReasonCompletedActive  = "completed_active"
)

// ————————————————————————————————————————————————————————————————————————
// Signal payloads
// ————————————————————————————————————————————————————————————————————————
// These structs travel on the Api's normalized signals after the wire
// envelope has been decoded and filtered.

// Ticker carries the current best bid and ask prices.
type Ticker struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Depth is one incremental book update. TotalVolume is the absolute
// resting volume now at that price, not a delta; zero means the level
// is gone.
type Depth struct {
	Side        Side
	Price       decimal.Decimal
	TotalVolume decimal.Decimal
}

// Trade is one public trade. Side is the side of the aggressing order, so
// Side == Bid means an ask level was consumed. Own marks the copies of our
// own fills that arrive on the public channel; the book ignores those and
// lets the user-order channel drive the owns list.
type Trade struct {
	Date   int64 // unix seconds
	Price  decimal.Decimal
	Volume decimal.Decimal
	Side   Side
	Own    bool
}

// UserOrder is the decoded user-order event for our market, one of the
// three wire shapes flattened into a single payload. For status-bearing
// events Status holds the exchange status and Reason is empty. For
// removals Status is "removed:"+Reason and price/volume are zero.
type UserOrder struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Side   Side
	OID    string
	Status string
	Reason string
}

// OrderLag is the exchange-reported order processing lag.
type OrderLag struct {
	AgeUS int64 // microseconds
	Text  string
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is one price level in a fulldepth snapshot.
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// FullDepth is a one-shot snapshot of the entire public book. A non-empty
// Error means the download failed and the payload must not be applied.
type FullDepth struct {
	Error string `json:"error,omitempty"`
	Data  struct {
		Asks []DepthLevel `json:"asks"`
		Bids []DepthLevel `json:"bids"`
	} `json:"data"`
}

// HistoryTrade is one trade in a fullhistory download, non-decreasing in
// Date within the snapshot.
type HistoryTrade struct {
	Date   int64           `json:"date"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OwnOrder is one entry of the authoritative open-order list downloaded
// after connect (result id "orders"). Currency/Base let the book filter
// out orders belonging to other markets of the same account.
type OwnOrder struct {
	OID      string          `json:"oid"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Type     Side            `json:"type"`
	Status   string          `json:"status"`
	Currency string          `json:"currency"`
	Base     string          `json:"base"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire envelope
// ————————————————————————————————————————————————————————————————————————
// The exchange multiplexes everything through one stream of JSON objects
// keyed by "op". The Api decodes the envelope once and dispatches on Op
// (and on Private / the result ID) with an exhaustive switch; nothing
// downstream of the Api ever sees raw JSON.

// Envelope is the top-level inbound message.
type Envelope struct {
	Op    string `json:"op"`
	Stamp int64  `json:"stamp,omitempty"` // µs since epoch, when present

	Ticker *TickerMsg `json:"ticker,omitempty"`
	Depth  *DepthMsg  `json:"depth,omitempty"`
	Trade  *TradeMsg  `json:"trade,omitempty"`

	// op == "result"
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// op == "private"
	Private   string        `json:"private,omitempty"`
	UserOrder *UserOrderMsg `json:"user_order,omitempty"`
	Wallet    *WalletMsg    `json:"wallet,omitempty"`
	Lag       *LagMsg       `json:"lag,omitempty"`

	// op == "remark" (ID above doubles as the offending request id)
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	// op == "subscribe"
	Channel string `json:"channel,omitempty"`

	// op == "chat"
	Chat *ChatMsg `json:"msg,omitempty"`
}

// TickerMsg is the payload of op=ticker.
type TickerMsg struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// DepthMsg is the payload of op=depth. Volume is the absolute total at
// that price.
type DepthMsg struct {
	Type     Side            `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	Currency string          `json:"currency,omitempty"`
	Base     string          `json:"base,omitempty"`
}

// TradeMsg is the payload of op=trade.
type TradeMsg struct {
	Type      Side            `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

// UserOrderMsg is the payload of private=user_order. The exchange sends
// three shapes through this one channel:
//
//   - status present, currency/base match our market: new or updated order
//   - status present, currency/base mismatch: another market, ignore
//   - status absent: removal; only OID and Reason are meaningful
//
// Price is a pointer because market orders omit it (treated as price 0).
type UserOrderMsg struct {
	OID      string           `json:"oid"`
	Status   *string          `json:"status,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Base     string           `json:"base,omitempty"`
	Amount   decimal.Decimal  `json:"amount,omitempty"`
	Type     Side             `json:"type,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// WalletMsg is the payload of private=wallet: one balance update.
type WalletMsg struct {
	Balance struct {
		Currency string          `json:"currency"`
		Value    decimal.Decimal `json:"value"`
	} `json:"balance"`
}

// LagMsg is the payload of private=lag. Age is in microseconds.
type LagMsg struct {
	Age int64 `json:"age"`
}

// ChatMsg is the payload of op=chat (trollbox); log-only.
type ChatMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Rep  int    `json:"rep"`
	Msg  string `json:"msg"`
}

// ————————————————————————————————————————————————————————————————————————
// Result payloads
// ————————————————————————————————————————————————————————————————————————

// VolumeResult is the payload of result id "volume".
type VolumeResult struct {
	Volume   decimal.Decimal `json:"volume"`
	Currency string          `json:"currency"`
	Fee      decimal.Decimal `json:"fee"`
}

// OrderLagResult is the payload of result id "order_lag".
type OrderLagResult struct {
	Lag     int64  `json:"lag"` // microseconds
	LagText string `json:"lag_text"`
}
