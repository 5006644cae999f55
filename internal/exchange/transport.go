// Package exchange implements the transport side of the bot: the
// WebSocket stream client, the HTTP snapshot/command client, request
// signing, and the encrypted API-secret handling.
//
// The engine core consumes transports only through the Transport
// interface; everything exchange-specific (endpoints, signing, reconnect
// policy) stays behind it.
package exchange

import (
	"sync/atomic"

	"github.com/shopspring/decimal"

	"tradeterm/internal/bus"
	"tradeterm/pkg/types"
)

// Transport is what the engine core needs from an exchange adaptor. It
// delivers normalized inbound messages and snapshots on its signals and
// accepts outbound commands.
type Transport interface {
	// Start connects and begins delivering events; Stop shuts down.
	Start() error
	Stop()

	// SendOrderAdd submits a new order; price zero means market order.
	SendOrderAdd(side types.Side, price, volume decimal.Decimal) error
	// SendOrderCancel requests cancellation of the order with this oid.
	SendOrderCancel(oid string) error
	// SendSignedCall issues an authenticated API call; the reply arrives
	// as an op=result message carrying reqid.
	SendSignedCall(endpoint string, params map[string]any, reqid string) error

	// HasSecret reports whether trading credentials are available. With
	// no secret the account-related parts of the ready gate are waived.
	HasSecret() bool

	// SetHistoryLastCandle records the open time of the newest known
	// candle so reconnects can fetch only the missing tail of history.
	SetHistoryLastCandle(tim int64)

	SignalRecv() *bus.Signal         // payload: []byte or *types.Envelope
	SignalConnected() *bus.Signal    // payload: nil
	SignalDisconnected() *bus.Signal // payload: nil
	SignalDebug() *bus.Signal        // payload: string
	SignalFullDepth() *bus.Signal    // payload: types.FullDepth
	SignalFullHistory() *bus.Signal  // payload: []types.HistoryTrade
	SignalTicker() *bus.Signal       // payload: types.Ticker
}

// Feed holds the signal set and shared state every concrete transport
// embeds; it provides the signal accessors and the history hint.
type Feed struct {
	recv         *bus.Signal
	connected    *bus.Signal
	disconnected *bus.Signal
	debug        *bus.Signal
	fullDepth    *bus.Signal
	fullHistory  *bus.Signal
	ticker       *bus.Signal

	historyLastCandle atomic.Int64
}

// NewFeed initializes the signal set.
func NewFeed() Feed {
	return Feed{
		recv:         bus.New(),
		connected:    bus.New(),
		disconnected: bus.New(),
		debug:        bus.New(),
		fullDepth:    bus.New(),
		fullHistory:  bus.New(),
		ticker:       bus.New(),
	}
}

func (f *Feed) SignalRecv() *bus.Signal         { return f.recv }
func (f *Feed) SignalConnected() *bus.Signal    { return f.connected }
func (f *Feed) SignalDisconnected() *bus.Signal { return f.disconnected }
func (f *Feed) SignalDebug() *bus.Signal        { return f.debug }
func (f *Feed) SignalFullDepth() *bus.Signal    { return f.fullDepth }
func (f *Feed) SignalFullHistory() *bus.Signal  { return f.fullHistory }
func (f *Feed) SignalTicker() *bus.Signal       { return f.ticker }

// SetHistoryLastCandle records the newest candle open time.
func (f *Feed) SetHistoryLastCandle(tim int64) {
	f.historyLastCandle.Store(tim)
}

// HistoryLastCandle returns the newest candle open time, 0 if unknown.
func (f *Feed) HistoryLastCandle() int64 {
	return f.historyLastCandle.Load()
}
