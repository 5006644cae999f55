package market

import (
	"strings"

	"github.com/shopspring/decimal"

	"tradeterm/pkg/types"
)

// Order is one of the user's own orders. Price zero denotes a market
// order; those never appear as book levels. OID may be empty while the
// order is locally pending before the exchange acknowledged it.
type Order struct {
	Price  decimal.Decimal
	Volume decimal.Decimal // remaining volume
	Side   types.Side
	OID    string
	Status string
}

// NewOrder creates an order record.
func NewOrder(price, volume decimal.Decimal, side types.Side, oid, status string) *Order {
	return &Order{Price: price, Volume: volume, Side: side, OID: oid, Status: status}
}

// IsMarket reports whether this is a market order (price 0).
func (o *Order) IsMarket() bool {
	return o.Price.IsZero()
}

// Removed reports whether the status is a removal status.
func (o *Order) Removed() bool {
	return strings.HasPrefix(o.Status, types.StatusRemovedPrefix)
}
