package sim

import (
	"context"
	"sync"

	"github.com/vespatrades/scalping-bot/internal/gateway"
)

type simOrder struct {
	rec          gateway.OrderRecord
	quantity     int
	stopOffset   float64
	targetOffset float64
	siblingID    int64
	clientTag    string
}

// Gateway is an in-memory order gateway with OCO bracket semantics, used for
// paper trading and tests. Fills are driven by Mark: limit parents fill when
// price crosses their limit, protective children fill once their parent has
// filled and price crosses the derived stop/target level.
type Gateway struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*simOrder
	sequence []int64
	position int
}

func New() *Gateway {
	return &Gateway{nextID: 1, orders: make(map[int64]*simOrder)}
}

func (g *Gateway) SubmitOCOBracket(_ context.Context, spec gateway.BracketSpec) (gateway.BracketIDs, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buyID := g.newParent(gateway.SideBuy, spec.BuyLimit, spec)
	sellID := g.newParent(gateway.SideSell, spec.SellLimit, spec)
	g.orders[buyID].siblingID = sellID
	g.orders[sellID].siblingID = buyID
	return gateway.BracketIDs{BuyLegID: buyID, SellLegID: sellID}, nil
}

func (g *Gateway) newParent(side gateway.Side, limit float64, spec gateway.BracketSpec) int64 {
	id := g.add(&simOrder{
		rec: gateway.OrderRecord{
			Status:     gateway.StatusWorking,
			Kind:       gateway.KindLimit,
			Side:       side,
			LimitPrice: limit,
		},
		stopOffset:   spec.StopOffset,
		targetOffset: spec.TargetOffset,
		clientTag:    spec.ClientTag,
	})
	exitSide := gateway.SideSell
	if side == gateway.SideSell {
		exitSide = gateway.SideBuy
	}
	// Protective children exist from submission; their prices are assigned
	// once the parent fills.
	g.add(&simOrder{rec: gateway.OrderRecord{
		ParentID: id,
		Status:   gateway.StatusWorking,
		Kind:     gateway.KindStop,
		Side:     exitSide,
	}})
	g.add(&simOrder{rec: gateway.OrderRecord{
		ParentID: id,
		Status:   gateway.StatusWorking,
		Kind:     gateway.KindTarget,
		Side:     exitSide,
	}})
	g.orders[id].quantity = spec.Quantity
	return id
}

func (g *Gateway) add(o *simOrder) int64 {
	o.rec.ID = g.nextID
	g.nextID++
	g.orders[o.rec.ID] = o
	g.sequence = append(g.sequence, o.rec.ID)
	return o.rec.ID
}

func (g *Gateway) CancelOrder(_ context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return gateway.ErrOrderNotFound
	}
	if o.rec.Status != gateway.StatusWorking {
		return nil
	}
	g.cancelLocked(id)
	return nil
}

func (g *Gateway) cancelLocked(id int64) {
	o := g.orders[id]
	o.rec.Status = gateway.StatusCanceled
	for _, childID := range g.sequence {
		child := g.orders[childID]
		if child.rec.ParentID == id && child.rec.Status == gateway.StatusWorking {
			child.rec.Status = gateway.StatusCanceled
		}
	}
}

func (g *Gateway) OrderByID(_ context.Context, id int64) (gateway.OrderRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return gateway.OrderRecord{}, gateway.ErrOrderNotFound
	}
	return o.rec, nil
}

func (g *Gateway) ListOrders(_ context.Context) ([]gateway.OrderRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.OrderRecord, 0, len(g.sequence))
	for _, id := range g.sequence {
		out = append(out, g.orders[id].rec)
	}
	return out, nil
}

func (g *Gateway) Position(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position, nil
}

func (g *Gateway) Flatten(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position = 0
	for _, id := range g.sequence {
		o := g.orders[id]
		if o.rec.ParentID != 0 && o.rec.Status == gateway.StatusWorking {
			o.rec.Status = gateway.StatusCanceled
		}
	}
	return nil
}

// Mark advances the simulated market to price, filling whatever crosses.
func (g *Gateway) Mark(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.sequence {
		o := g.orders[id]
		if o.rec.Status != gateway.StatusWorking {
			continue
		}
		if o.rec.ParentID == 0 {
			g.markParent(o, price)
		} else {
			g.markChild(o, price)
		}
	}
}

func (g *Gateway) markParent(o *simOrder, price float64) {
	if o.rec.Kind != gateway.KindLimit {
		return
	}
	crossed := (o.rec.Side == gateway.SideBuy && price <= o.rec.LimitPrice) ||
		(o.rec.Side == gateway.SideSell && price >= o.rec.LimitPrice)
	if !crossed {
		return
	}
	o.rec.Status = gateway.StatusFilled
	o.rec.FilledQuantity = o.quantity
	o.rec.AvgFillPrice = o.rec.LimitPrice
	if o.rec.Side == gateway.SideBuy {
		g.position += o.quantity
	} else {
		g.position -= o.quantity
	}
	g.armChildren(o)
	if o.siblingID != 0 {
		if sibling, ok := g.orders[o.siblingID]; ok && sibling.rec.Status == gateway.StatusWorking {
			g.cancelLocked(sibling.rec.ID)
		}
	}
}

func (g *Gateway) armChildren(parent *simOrder) {
	fill := parent.rec.AvgFillPrice
	long := parent.rec.Side == gateway.SideBuy
	for _, id := range g.sequence {
		child := g.orders[id]
		if child.rec.ParentID != parent.rec.ID || child.rec.Status != gateway.StatusWorking {
			continue
		}
		switch child.rec.Kind {
		case gateway.KindStop:
			if long {
				child.rec.LimitPrice = fill - parent.stopOffset
			} else {
				child.rec.LimitPrice = fill + parent.stopOffset
			}
		case gateway.KindTarget:
			if long {
				child.rec.LimitPrice = fill + parent.targetOffset
			} else {
				child.rec.LimitPrice = fill - parent.targetOffset
			}
		}
	}
}

func (g *Gateway) markChild(o *simOrder, price float64) {
	parent, ok := g.orders[o.rec.ParentID]
	if !ok || parent.rec.Status != gateway.StatusFilled {
		return
	}
	long := parent.rec.Side == gateway.SideBuy
	var crossed bool
	switch o.rec.Kind {
	case gateway.KindStop:
		crossed = (long && price <= o.rec.LimitPrice) || (!long && price >= o.rec.LimitPrice)
	case gateway.KindTarget:
		crossed = (long && price >= o.rec.LimitPrice) || (!long && price <= o.rec.LimitPrice)
	}
	if !crossed {
		return
	}
	o.rec.Status = gateway.StatusFilled
	o.rec.FilledQuantity = parent.rec.FilledQuantity
	o.rec.AvgFillPrice = o.rec.LimitPrice
	if long {
		g.position -= o.rec.FilledQuantity
	} else {
		g.position += o.rec.FilledQuantity
	}
	// OCO between the two protective children.
	for _, id := range g.sequence {
		other := g.orders[id]
		if other.rec.ParentID == o.rec.ParentID && other.rec.ID != o.rec.ID && other.rec.Status == gateway.StatusWorking {
			other.rec.Status = gateway.StatusCanceled
		}
	}
}

// FailOrder forces an order into ERROR without a fill. Test hook for the
// unprotected-position path.
func (g *Gateway) FailOrder(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[id]; ok && o.rec.Status == gateway.StatusWorking {
		o.rec.Status = gateway.StatusError
	}
}

// ChildIDs returns the protective child ids of a parent, stop first.
func (g *Gateway) ChildIDs(parentID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int64
	for _, id := range g.sequence {
		if g.orders[id].rec.ParentID == parentID {
			out = append(out, id)
		}
	}
	return out
}
