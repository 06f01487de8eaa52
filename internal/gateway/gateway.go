package gateway

import (
	"context"
	"errors"
)

// ErrOrderNotFound is returned by OrderByID when the gateway no longer
// reports the order.
var ErrOrderNotFound = errors.New("order not found")

type OrderStatus string

const (
	StatusWorking  OrderStatus = "WORKING"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusError    OrderStatus = "ERROR"
)

type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindStop   OrderKind = "STOP"
	KindTarget OrderKind = "TARGET"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRecord is the gateway's read-only view of an order. ParentID is zero
// for root orders; protective stops and targets carry the id of their entry
// order.
type OrderRecord struct {
	ID             int64
	ParentID       int64
	Status         OrderStatus
	Kind           OrderKind
	Side           Side
	LimitPrice     float64
	FilledQuantity int
	AvgFillPrice   float64
}

func (r OrderRecord) Working() bool {
	return r.Status == StatusWorking
}

// BracketSpec describes one OCO entry group: a buy limit and a sell limit,
// each with a protective stop and target attached as offsets from the
// eventual fill price.
type BracketSpec struct {
	BuyLimit     float64
	SellLimit    float64
	Quantity     int
	StopOffset   float64
	TargetOffset float64
	ClientTag    string
}

// BracketIDs identifies the two parent legs of a submitted OCO group.
type BracketIDs struct {
	BuyLegID  int64
	SellLegID int64
}

// Gateway is the order-management system the strategy trades through. All
// calls are synchronous request/acknowledge operations; the strategy performs
// no internal retry and treats errors as fail-for-this-cycle.
type Gateway interface {
	// SubmitOCOBracket places the paired entry and returns the two parent
	// leg ids. The gateway cancels the unfilled leg once the other fills.
	SubmitOCOBracket(ctx context.Context, spec BracketSpec) (BracketIDs, error)
	CancelOrder(ctx context.Context, id int64) error
	OrderByID(ctx context.Context, id int64) (OrderRecord, error)
	ListOrders(ctx context.Context) ([]OrderRecord, error)
	// Position reports the net signed position in contracts.
	Position(ctx context.Context) (int, error)
	// Flatten closes any open position and cancels its protective children.
	Flatten(ctx context.Context) error
}
