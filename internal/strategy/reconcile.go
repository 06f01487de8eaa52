package strategy

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/gateway"
)

// ErrUnprotectedPosition reports a recovered open position whose protective
// orders cannot be identified. The caller is expected to flatten immediately.
var ErrUnprotectedPosition = errors.New("open position without identifiable protective orders")

// Reconciler rebuilds BracketState from gateway truth. It runs exactly once,
// before the first regular update cycle is allowed to mutate state.
type Reconciler interface {
	Reconcile(ctx context.Context, prior BracketState) (BracketState, error)
}

// ShapeReconciler recovers state by order shape: a flat account with exactly
// two working root limit orders carrying two children each is assumed to be
// this strategy's OCO pair. The heuristic cannot distinguish the strategy's
// orders from unrelated orders of the same shape; submitted brackets carry a
// client tag so an exact-match reconciler can replace this one.
type ShapeReconciler struct {
	gw  gateway.Gateway
	log *zap.Logger
}

func NewShapeReconciler(gw gateway.Gateway, log *zap.Logger) *ShapeReconciler {
	return &ShapeReconciler{gw: gw, log: log}
}

func (r *ShapeReconciler) Reconcile(ctx context.Context, prior BracketState) (BracketState, error) {
	pos, err := r.gw.Position(ctx)
	if err != nil {
		return prior, err
	}
	if pos == 0 {
		return r.recoverArmed(ctx, prior)
	}
	return r.recoverInTrade(ctx, prior, pos)
}

func (r *ShapeReconciler) recoverArmed(ctx context.Context, prior BracketState) (BracketState, error) {
	orders, err := r.gw.ListOrders(ctx)
	if err != nil {
		return prior, err
	}
	children := make(map[int64]int)
	for _, rec := range orders {
		if rec.ParentID != 0 {
			children[rec.ParentID]++
		}
	}
	var candidates []gateway.OrderRecord
	rootCount := 0
	for _, rec := range orders {
		if rec.ParentID != 0 || rec.Kind != gateway.KindLimit || !rec.Working() {
			continue
		}
		rootCount++
		if children[rec.ID] == 2 {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) != 2 {
		if rootCount > 0 {
			r.log.Warn("working root limit orders found but not an oco pair, starting flat",
				zap.Int("roots", rootCount),
				zap.Int("bracket_candidates", len(candidates)))
		} else {
			r.log.Debug("no working bracket found, starting flat")
		}
		return NewBracketState(), nil
	}
	// Lower limit price is the buy side.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LimitPrice < candidates[j].LimitPrice
	})
	state := BracketState{
		Phase:     PhaseBracketArmed,
		BuyLegID:  candidates[0].ID,
		SellLegID: candidates[1].ID,
		Side:      SideNone,
		ClientTag: prior.ClientTag,
	}
	r.log.Info("recovered armed bracket",
		zap.Int64("buy_leg", state.BuyLegID),
		zap.Int64("sell_leg", state.SellLegID))
	return state, nil
}

func (r *ShapeReconciler) recoverInTrade(ctx context.Context, prior BracketState, pos int) (BracketState, error) {
	side := SideLong
	legID := prior.BuyLegID
	if pos < 0 {
		side = SideShort
		legID = prior.SellLegID
	}
	if prior.Phase == PhaseBracketArmed {
		r.log.Warn("persisted state was armed but a position is open, forcing in-trade")
	}
	parentID := prior.ActiveParentID
	if parentID == 0 {
		parentID = legID
	}
	if parentID == 0 {
		parentID = r.parentFromChildren(ctx)
	}
	if parentID == 0 {
		r.log.Error("open position with no identifiable protective orders",
			zap.Int("position", pos))
		return NewBracketState(), ErrUnprotectedPosition
	}
	state := BracketState{
		Phase:          PhaseInTrade,
		Side:           side,
		ActiveParentID: parentID,
		ClientTag:      prior.ClientTag,
	}
	if side == SideLong {
		state.BuyLegID = parentID
	} else {
		state.SellLegID = parentID
	}
	r.log.Info("recovered open trade",
		zap.String("side", string(side)),
		zap.Int64("parent_order", parentID))
	return state, nil
}

// parentFromChildren looks for working child orders and returns their common
// parent, the last resort when no usable ids were persisted.
func (r *ShapeReconciler) parentFromChildren(ctx context.Context) int64 {
	orders, err := r.gw.ListOrders(ctx)
	if err != nil {
		r.log.Warn("order list failed during recovery", zap.Error(err))
		return 0
	}
	counts := make(map[int64]int)
	for _, rec := range orders {
		if rec.ParentID != 0 && rec.Working() {
			counts[rec.ParentID]++
		}
	}
	var best int64
	bestCount := 0
	for parent, n := range counts {
		if n > bestCount {
			best, bestCount = parent, n
		}
	}
	return best
}
