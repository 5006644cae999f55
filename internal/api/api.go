// Package api is the facade of the market-state engine.
//
// Api owns one OrderBook and one History keyed to the configured
// (base, quote) market. It subscribes to the transport's recv signal,
// decodes each inbound message into the typed envelope, dispatches by op
// to a handler, and re-emits the normalized events as signals the book,
// the history and strategy consumers subscribe to. Outbound commands
// (buy, sell, cancel) flow the other way, straight to the transport.
//
// Everything here runs inside bus emits, so handlers touch engine state
// without locks; see package bus.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeterm/internal/bus"
	"tradeterm/internal/config"
	"tradeterm/internal/exchange"
	"tradeterm/internal/market"
	"tradeterm/internal/store"
	"tradeterm/pkg/types"
)

const defaultTimeframe = 15 * 60 // seconds

// Api wires the transport to the market state and exposes the normalized
// event streams plus the command surface.
type Api struct {
	SignalTicker       *bus.Signal // payload: types.Ticker
	SignalDepth        *bus.Signal // payload: types.Depth
	SignalTrade        *bus.Signal // payload: types.Trade
	SignalFullDepth    *bus.Signal // payload: types.FullDepth
	SignalFullHistory  *bus.Signal // payload: []types.HistoryTrade
	SignalWallet       *bus.Signal // payload: nil
	SignalUserOrder    *bus.Signal // payload: types.UserOrder
	SignalOrderLag     *bus.Signal // payload: types.OrderLag
	SignalOrderTooFast *bus.Signal // payload: *types.Envelope
	SignalDisconnected *bus.Signal // payload: nil
	SignalReady        *bus.Signal // payload: nil
	SignalDebug        *bus.Signal // payload: string

	Book    *market.Book
	History *market.History

	Wallet         map[string]decimal.Decimal
	TradeFee       decimal.Decimal
	MonthlyVolume  decimal.Decimal
	VolumeCurrency string

	OrderLagUS  int64   // microseconds, from the exchange
	SocketLagUS float64 // EWMA of inbound message delivery delay, µs

	// CountSubmitted is the number of submitted orders not yet acked.
	CountSubmitted int

	cfg    *config.Config
	client exchange.Transport
	st     *store.Store // optional
	logger *slog.Logger

	readyInfo       bool
	wasDisconnected bool

	timerPoll *bus.Timer
	subs      []bus.Subscription

	lastSavedCandle int64
	nowMicros       func() int64
}

// New builds the facade around a transport. st may be nil to disable
// persistence of the history hint and wallet snapshot.
func New(cfg *config.Config, client exchange.Transport, st *store.Store, logger *slog.Logger) *Api {
	timeframe := int64(cfg.API.HistoryTimeframe) * 60
	if timeframe == 0 {
		timeframe = defaultTimeframe
	}

	a := &Api{
		SignalTicker:       bus.New(),
		SignalDepth:        bus.New(),
		SignalTrade:        bus.New(),
		SignalFullDepth:    bus.New(),
		SignalFullHistory:  bus.New(),
		SignalWallet:       bus.New(),
		SignalUserOrder:    bus.New(),
		SignalOrderLag:     bus.New(),
		SignalOrderTooFast: bus.New(),
		SignalDisconnected: bus.New(),
		SignalReady:        bus.New(),
		SignalDebug:        bus.New(),

		Wallet: make(map[string]decimal.Decimal),

		cfg:    cfg,
		client: client,
		st:     st,
		logger: logger.With("component", "api"),

		wasDisconnected: true,
		nowMicros:       func() int64 { return time.Now().UnixMicro() },
	}

	a.History = market.NewHistory(timeframe, logger)
	a.Book = market.NewBook(cfg.API.BaseCurrency, cfg.API.QuoteCurrency, logger)

	a.wire()
	a.restoreHints()

	a.timerPoll = bus.NewTimer(120*time.Second, false)
	a.subs = append(a.subs, a.timerPoll.Connect(a.slotPoll))

	return a
}

// wire connects the transport, the normalized signals, the book and the
// history together. Connection order fixes the slot order within an emit:
// the history sees a trade before the book does, matching the dependency
// direction (candles never read book state).
func (a *Api) wire() {
	connect := func(sig *bus.Signal, slot bus.Slot) {
		a.subs = append(a.subs, sig.Connect(slot))
	}

	// transport → api
	connect(a.client.SignalConnected(), a.slotClientConnected)
	connect(a.client.SignalDisconnected(), a.slotDisconnected)
	connect(a.client.SignalRecv(), a.slotRecv)
	connect(a.client.SignalDebug(), func(_, data any) {
		a.SignalDebug.Emit(a, data)
	})
	connect(a.client.SignalFullDepth(), func(_, data any) {
		a.SignalFullDepth.Emit(a, data)
	})
	connect(a.client.SignalFullHistory(), func(_, data any) {
		a.SignalFullHistory.Emit(a, data)
	})
	connect(a.client.SignalTicker(), func(_, data any) {
		a.SignalTicker.Emit(a, data)
	})

	// api → history (before the book, see above)
	connect(a.SignalTrade, func(_, data any) {
		a.History.Trade(data.(types.Trade))
	})
	connect(a.SignalFullHistory, func(_, data any) {
		a.History.FullHistory(data.([]types.HistoryTrade))
	})

	// api → book
	connect(a.SignalTicker, func(_, data any) {
		t := data.(types.Ticker)
		a.Book.ApplyTicker(t.Bid, t.Ask)
	})
	connect(a.SignalDepth, func(_, data any) {
		d := data.(types.Depth)
		a.Book.ApplyDepth(d.Side, d.Price, d.TotalVolume)
	})
	connect(a.SignalTrade, func(_, data any) {
		a.Book.ApplyTrade(data.(types.Trade))
	})
	connect(a.SignalUserOrder, func(_, data any) {
		a.Book.ApplyUserOrder(data.(types.UserOrder))
	})
	connect(a.SignalFullDepth, func(_, data any) {
		a.Book.ApplyFullDepth(data.(types.FullDepth))
	})

	// readiness and bookkeeping
	connect(a.History.SignalChanged, a.slotHistoryChanged)
	connect(a.History.SignalFullHistoryProcessed, func(_, _ any) {
		a.checkConnectReady()
	})
	connect(a.Book.SignalFullDepthProcessed, func(_, _ any) {
		a.checkConnectReady()
	})
	connect(a.Book.SignalOwnsInitialized, func(_, _ any) {
		a.checkConnectReady()
	})

	// slot panics end up in the debug stream instead of killing emits
	connect(bus.ErrorSignal, func(_, data any) {
		a.logger.Error("subscriber error", "error", data)
		a.SignalDebug.Emit(a, fmt.Sprint(data))
	})
}

// restoreHints seeds the transport with the persisted last-candle time so
// the first history download after startup only fetches the tail.
func (a *Api) restoreHints() {
	if a.st == nil {
		return
	}
	state, err := a.st.LoadMarketState(a.marketKey())
	if err != nil {
		a.logger.Warn("loading market state failed", "error", err)
		return
	}
	if state != nil && state.LastCandleTime > 0 {
		a.client.SetHistoryLastCandle(state.LastCandleTime)
		a.lastSavedCandle = state.LastCandleTime
	}
}

// Start connects to the exchange and begins receiving events.
func (a *Api) Start() error {
	a.logger.Info("starting api",
		"base", a.cfg.API.BaseCurrency,
		"quote", a.cfg.API.QuoteCurrency,
	)
	return a.client.Start()
}

// Stop shuts down the client and the poll timer.
func (a *Api) Stop() {
	a.logger.Info("shutting down")
	a.timerPoll.Cancel()
	a.client.Stop()
	for _, sub := range a.subs {
		sub.Close()
	}
	a.subs = nil
}

// ————————————————————————————————————————————————————————————————————————
// Commands
// ————————————————————————————————————————————————————————————————————————

// Order places an order. Price zero means fill at market.
func (a *Api) Order(side types.Side, price, volume decimal.Decimal) {
	a.CountSubmitted++
	if err := a.client.SendOrderAdd(side, price, volume); err != nil {
		a.logger.Error("order submit failed", "error", err)
	}
}

// Buy places a new buy order; price zero buys at market.
func (a *Api) Buy(price, volume decimal.Decimal) {
	a.Order(types.Bid, price, volume)
}

// Sell places a new sell order; price zero sells at market.
func (a *Api) Sell(price, volume decimal.Decimal) {
	a.Order(types.Ask, price, volume)
}

// Cancel requests cancellation of the order with this oid.
func (a *Api) Cancel(oid string) {
	if err := a.client.SendOrderCancel(oid); err != nil {
		a.logger.Error("cancel failed", "oid", oid, "error", err)
	}
}

// CancelByPrice cancels all own orders at the given price.
func (a *Api) CancelByPrice(price decimal.Decimal) {
	for i := len(a.Book.Owns) - 1; i >= 0; i-- {
		order := a.Book.Owns[i]
		if order.Price.Equal(price) && order.OID != "" {
			a.Cancel(order.OID)
		}
	}
}

// CancelByType cancels all own orders on one side, or every order when
// side is empty.
func (a *Api) CancelByType(side types.Side) {
	for i := len(a.Book.Owns) - 1; i >= 0; i-- {
		order := a.Book.Owns[i]
		if (side == "" || side == order.Side) && order.OID != "" {
			a.Cancel(order.OID)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Inbound dispatch
// ————————————————————————————————————————————————————————————————————————

// slotRecv handles one inbound message: decode the envelope (unless the
// transport already did) and dispatch on op. Malformed messages are
// logged and dropped; nothing inbound is ever fatal.
func (a *Api) slotRecv(_, data any) {
	var env *types.Envelope
	switch m := data.(type) {
	case *types.Envelope:
		env = m
	case []byte:
		env = &types.Envelope{}
		if err := json.Unmarshal(m, env); err != nil {
			a.logger.Debug("ignoring undecodable message", "error", err, "raw", string(m))
			return
		}
	case string:
		env = &types.Envelope{}
		if err := json.Unmarshal([]byte(m), env); err != nil {
			a.logger.Debug("ignoring undecodable message", "error", err, "raw", m)
			return
		}
	default:
		a.logger.Debug("ignoring message of unexpected type", "type", fmt.Sprintf("%T", data))
		return
	}

	if env.Stamp != 0 {
		delay := float64(a.nowMicros() - env.Stamp)
		a.SocketLagUS = (a.SocketLagUS*29 + delay) / 30
	}

	switch env.Op {
	case "ticker":
		a.onTicker(env)
	case "depth":
		a.onDepth(env)
	case "trade":
		a.onTrade(env)
	case "result":
		a.onResult(env)
	case "private":
		a.onPrivate(env)
	case "remark":
		a.onRemark(env)
	case "chat":
		a.onChat(env)
	case "subscribe":
		a.logger.Debug("subscribed channel", "channel", env.Channel)
	case "error":
		a.logger.Debug("exchange error message", "message", env.Message)
	case "":
		a.logger.Debug("ignoring message without op")
	default:
		a.logger.Debug("ignoring unknown op", "op", env.Op)
	}
}

func (a *Api) onTicker(env *types.Envelope) {
	if env.Ticker == nil {
		a.logger.Debug("malformed ticker message")
		return
	}
	a.SignalTicker.Emit(a, types.Ticker{Bid: env.Ticker.Bid, Ask: env.Ticker.Ask})
}

func (a *Api) onDepth(env *types.Envelope) {
	if env.Depth == nil || !env.Depth.Type.Valid() {
		a.logger.Debug("malformed depth message")
		return
	}
	a.SignalDepth.Emit(a, types.Depth{
		Side:        env.Depth.Type,
		Price:       env.Depth.Price,
		TotalVolume: env.Depth.Volume,
	})
}

func (a *Api) onTrade(env *types.Envelope) {
	if env.Trade == nil || !env.Trade.Type.Valid() {
		a.logger.Debug("malformed trade message")
		return
	}
	a.logger.Debug("trade",
		"side", env.Trade.Type,
		"volume", env.Trade.Amount,
		"price", env.Trade.Price,
	)
	a.SignalTrade.Emit(a, types.Trade{
		Date:   env.Trade.Timestamp,
		Price:  env.Trade.Price,
		Volume: env.Trade.Amount,
		Side:   env.Trade.Type,
		Own:    false,
	})
}

func (a *Api) onChat(env *types.Envelope) {
	if env.Chat == nil {
		return
	}
	a.logger.Debug("chat", "user", env.Chat.User, "rep", env.Chat.Rep, "msg", env.Chat.Msg)
}

// onResult handles replies to authenticated calls, dispatched on the
// request-correlation id.
func (a *Api) onResult(env *types.Envelope) {
	id := env.ID
	switch {
	case id == "orders":
		var orders []types.OwnOrder
		if err := json.Unmarshal(env.Result, &orders); err != nil {
			a.logger.Debug("malformed orders result", "error", err)
			return
		}
		a.Book.InitOwn(orders)

	case id == "info":
		var balances map[string]decimal.Decimal
		if err := json.Unmarshal(env.Result, &balances); err != nil {
			a.logger.Debug("malformed info result", "error", err)
			return
		}
		a.Wallet = balances
		a.SignalWallet.Emit(a, nil)
		a.readyInfo = true
		a.saveHints()
		a.checkConnectReady()

	case id == "volume":
		var v types.VolumeResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			a.logger.Debug("malformed volume result", "error", err)
			return
		}
		a.MonthlyVolume = v.Volume
		a.VolumeCurrency = v.Currency
		a.TradeFee = v.Fee

	case id == "order_lag":
		var v types.OrderLagResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			a.logger.Debug("malformed order_lag result", "error", err)
			return
		}
		a.OrderLagUS = v.Lag
		a.SignalOrderLag.Emit(a, types.OrderLag{AgeUS: v.Lag, Text: v.LagText})

	case strings.HasPrefix(id, "order_add:"):
		a.onOrderAddResult(env)

	case strings.HasPrefix(id, "order_cancel:"):
		// acked, but the order stays in owns until the user_order
		// removal arrives — the server still has it active
		a.logger.Debug("got ack for order/cancel", "id", id)

	default:
		a.logger.Debug("ignoring result", "id", id)
	}
}

// onOrderAddResult turns the order/add ack into a pending own order. The
// request id carries side, price and volume; the result is the oid. The
// oid may already be known if the user_order message won the race — the
// book suppresses the duplicate.
func (a *Api) onOrderAddResult(env *types.Envelope) {
	parts := strings.Split(env.ID, ":")
	if len(parts) != 4 {
		a.logger.Debug("malformed order_add id", "id", env.ID)
		return
	}
	side := types.Side(parts[1])
	price, err1 := decimal.NewFromString(parts[2])
	volume, err2 := decimal.NewFromString(parts[3])
	if !side.Valid() || err1 != nil || err2 != nil {
		a.logger.Debug("malformed order_add id", "id", env.ID)
		return
	}

	var oid string
	if err := json.Unmarshal(env.Result, &oid); err != nil {
		a.logger.Debug("malformed order_add result", "error", err)
		return
	}

	a.logger.Debug("got ack for order/add",
		"side", side, "price", price, "volume", volume, "oid", oid)
	a.CountSubmitted--
	a.Book.AddOwn(market.NewOrder(price, volume, side, oid, types.StatusPending))
}

// onPrivate handles op=private messages: the per-account events
// multiplexed by the "private" field.
func (a *Api) onPrivate(env *types.Envelope) {
	switch env.Private {
	case "user_order":
		a.onUserOrder(env.UserOrder)
	case "wallet":
		a.onWallet(env.Wallet)
	case "lag":
		a.onLag(env.Lag)
	default:
		a.logger.Debug("ignoring private message", "private", env.Private)
	}
}

// onUserOrder decodes the three user-order wire shapes into the flattened
// UserOrder payload and drops events for other markets before anything
// reaches the book.
func (a *Api) onUserOrder(msg *types.UserOrderMsg) {
	if msg == nil {
		a.logger.Debug("malformed user_order message")
		return
	}

	if msg.Status != nil {
		// limit or market order, new or updated. Foreign markets of the
		// same account are filtered here by currency pair.
		if msg.Currency != a.cfg.API.QuoteCurrency || msg.Base != a.cfg.API.BaseCurrency {
			return
		}
		price := decimal.Zero
		if msg.Price != nil {
			price = *msg.Price
		}
		a.SignalUserOrder.Emit(a, types.UserOrder{
			Price:  price,
			Volume: msg.Amount,
			Side:   msg.Type,
			OID:    msg.OID,
			Status: *msg.Status,
		})
		return
	}

	// removal (cancel or fill). These carry no market fields, so the only
	// membership test is whether the oid is one of ours already.
	if a.Book.HaveOwnOID(msg.OID) {
		a.SignalUserOrder.Emit(a, types.UserOrder{
			OID:    msg.OID,
			Status: types.StatusRemovedPrefix + msg.Reason,
			Reason: msg.Reason,
		})
	}
}

func (a *Api) onWallet(msg *types.WalletMsg) {
	if msg == nil {
		a.logger.Debug("malformed wallet message")
		return
	}
	a.Wallet[msg.Balance.Currency] = msg.Balance.Value
	a.SignalWallet.Emit(a, nil)
	a.saveHints()
}

func (a *Api) onLag(msg *types.LagMsg) {
	if msg == nil {
		a.logger.Debug("malformed lag message")
		return
	}
	a.OrderLagUS = msg.Age
	a.SignalOrderLag.Emit(a, types.OrderLag{AgeUS: msg.Age, Text: lagText(msg.Age)})
}

func lagText(lagUS int64) string {
	if lagUS < 60_000_000 {
		return fmt.Sprintf("%0.3f s", float64(lagUS/1000)/1000.0)
	}
	return fmt.Sprintf("%d s", lagUS/1_000_000)
}

// onRemark handles op=remark: the exchange complaining about one of our
// requests.
func (a *Api) onRemark(env *types.Envelope) {
	if env.Success == nil || *env.Success {
		return
	}

	switch {
	case env.Message == "Invalid call":
		a.onInvalidCall(env)
	case env.Message == "Order not found":
		a.onOrderNotFound(env)
	case env.Message == "Order amount is too low":
		a.logger.Debug("server: order amount is too low")
		a.CountSubmitted--
	case strings.Contains(env.Message, "Too many orders placed"):
		a.logger.Debug("server: too many orders placed")
		a.CountSubmitted--
		a.SignalOrderTooFast.Emit(a, env)
	default:
		a.logger.Debug("unhandled remark", "message", env.Message, "id", env.ID)
	}
}

func (a *Api) onInvalidCall(env *types.Envelope) {
	switch env.ID {
	case "info":
		a.logger.Debug("resending private/info")
		a.client.SendSignedCall("private/info", nil, "info")
	case "orders":
		a.logger.Debug("resending private/orders")
		a.client.SendSignedCall("private/orders", nil, "orders")
	default:
		a.logger.Debug("ignoring invalid-call remark", "id", env.ID)
	}
}

// onOrderNotFound means we sent order/cancel for an oid the server no
// longer knows — we obviously missed the removal message. Synthesize the
// user-order removal we should have gotten; it takes the normal path and
// removes the order cleanly.
func (a *Api) onOrderNotFound(env *types.Envelope) {
	parts := strings.SplitN(env.ID, ":", 2)
	if len(parts) != 2 {
		a.logger.Debug("malformed order-not-found id", "id", env.ID)
		return
	}
	oid := parts[1]
	a.logger.Debug("got 'Order not found'", "oid", oid)
	a.onUserOrder(&types.UserOrderMsg{OID: oid, Reason: types.ReasonRequested})
}

// ————————————————————————————————————————————————————————————————————————
// Readiness
// ————————————————————————————————————————————————————————————————————————

// checkConnectReady emits SignalReady exactly once per (re)connect, as
// soon as everything configured to be downloaded has arrived. Parts that
// are switched off (or impossible without a secret) are waived.
func (a *Api) checkConnectReady() {
	needNoAccount := !a.client.HasSecret()
	needNoDepth := !a.cfg.API.LoadFullDepth
	needNoHistory := !a.cfg.API.LoadHistory

	readyAccount := a.readyInfo && a.Book.ReadyOwns
	if readyAccount || needNoAccount {
		if a.Book.ReadyDepth || needNoDepth {
			if a.History.Ready || needNoHistory {
				if a.wasDisconnected {
					a.wasDisconnected = false
					a.SignalReady.Emit(a, nil)
				}
			}
		}
	}
}

func (a *Api) slotClientConnected(_, _ any) {
	a.checkConnectReady()
}

func (a *Api) slotDisconnected(_, _ any) {
	a.readyInfo = false
	a.Book.ReadyOwns = false
	a.Book.ReadyDepth = false
	a.History.Ready = false
	a.wasDisconnected = true
	a.SignalDisconnected.Emit(a, nil)
}

// slotHistoryChanged tells the client the time of the newest candle so it
// won't fetch the full history again next time.
func (a *Api) slotHistoryChanged(_, _ any) {
	candle := a.History.LastCandle()
	if candle == nil {
		return
	}
	a.client.SetHistoryLastCandle(candle.Time)
	if candle.Time != a.lastSavedCandle {
		a.lastSavedCandle = candle.Time
		a.saveHints()
	}
}

// slotPoll runs every two minutes; a hook for polling account state that
// has no push channel.
func (a *Api) slotPoll(_, _ any) {
	if a.client.HasSecret() {
		a.logger.Debug("poll tick")
	}
}

func (a *Api) saveHints() {
	if a.st == nil {
		return
	}
	state := store.MarketState{
		LastCandleTime: a.lastSavedCandle,
		Wallet:         a.Wallet,
	}
	if err := a.st.SaveMarketState(a.marketKey(), state); err != nil {
		a.logger.Warn("saving market state failed", "error", err)
	}
}

func (a *Api) marketKey() string {
	return a.cfg.API.BaseCurrency + a.cfg.API.QuoteCurrency
}
