package strategy

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/gateway"
)

func TestReconcileFlatNoOrders(t *testing.T) {
	gw := newFakeGateway()
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), NewBracketState())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st != NewBracketState() {
		t.Fatalf("state = %+v, want flat", st)
	}
}

func TestReconcileRecoversArmedPair(t *testing.T) {
	gw := newFakeGateway()
	// Sell leg submitted with the lower id to check side assignment goes by
	// price, not id order.
	gw.orders[21] = gateway.OrderRecord{ID: 21, Status: gateway.StatusWorking, Kind: gateway.KindLimit, Side: gateway.SideSell, LimitPrice: 101.0}
	gw.orders[22] = gateway.OrderRecord{ID: 22, Status: gateway.StatusWorking, Kind: gateway.KindLimit, Side: gateway.SideBuy, LimitPrice: 99.0}
	for i, parent := range []int64{21, 21, 22, 22} {
		id := int64(30 + i)
		gw.orders[id] = gateway.OrderRecord{ID: id, ParentID: parent, Status: gateway.StatusWorking, Kind: gateway.KindStop}
	}
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), BracketState{Phase: PhaseFlatReady, Side: SideNone, ClientTag: "tag"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Phase != PhaseBracketArmed {
		t.Fatalf("phase = %s, want BRACKET_ARMED", st.Phase)
	}
	if st.BuyLegID != 22 || st.SellLegID != 21 {
		t.Fatalf("legs = %d / %d, want buy=22 sell=21", st.BuyLegID, st.SellLegID)
	}
	if st.ClientTag != "tag" {
		t.Fatalf("client tag not carried over: %q", st.ClientTag)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestReconcileRejectsNonPairShapes(t *testing.T) {
	gw := newFakeGateway()
	// One root with children, one bare root. Not an OCO pair.
	gw.orders[21] = gateway.OrderRecord{ID: 21, Status: gateway.StatusWorking, Kind: gateway.KindLimit, LimitPrice: 101.0}
	gw.orders[22] = gateway.OrderRecord{ID: 22, Status: gateway.StatusWorking, Kind: gateway.KindLimit, LimitPrice: 99.0}
	gw.orders[31] = gateway.OrderRecord{ID: 31, ParentID: 21, Status: gateway.StatusWorking, Kind: gateway.KindStop}
	gw.orders[32] = gateway.OrderRecord{ID: 32, ParentID: 21, Status: gateway.StatusWorking, Kind: gateway.KindTarget}
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), NewBracketState())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st != NewBracketState() {
		t.Fatalf("state = %+v, want flat", st)
	}
}

func TestReconcileOpenPositionFromPersistedParent(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	prior := BracketState{Phase: PhaseInTrade, BuyLegID: 11, ActiveParentID: 11, Side: SideLong}
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), prior)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Phase != PhaseInTrade || st.Side != SideLong || st.ActiveParentID != 11 {
		t.Fatalf("state = %+v", st)
	}
}

func TestReconcileForcesInTradeFromArmedState(t *testing.T) {
	gw := newFakeGateway()
	gw.position = -1
	prior := BracketState{Phase: PhaseBracketArmed, BuyLegID: 11, SellLegID: 12, Side: SideNone}
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), prior)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Phase != PhaseInTrade || st.Side != SideShort || st.ActiveParentID != 12 {
		t.Fatalf("state = %+v", st)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestReconcileFindsParentFromWorkingChildren(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	gw.orders[31] = gateway.OrderRecord{ID: 31, ParentID: 11, Status: gateway.StatusWorking, Kind: gateway.KindStop}
	gw.orders[32] = gateway.OrderRecord{ID: 32, ParentID: 11, Status: gateway.StatusWorking, Kind: gateway.KindTarget}
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), NewBracketState())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Phase != PhaseInTrade || st.ActiveParentID != 11 || st.Side != SideLong {
		t.Fatalf("state = %+v", st)
	}
}

func TestReconcileUnprotectedPosition(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	r := NewShapeReconciler(gw, zap.NewNop())

	st, err := r.Reconcile(context.Background(), NewBracketState())
	if !errors.Is(err, ErrUnprotectedPosition) {
		t.Fatalf("err = %v, want ErrUnprotectedPosition", err)
	}
	if st != NewBracketState() {
		t.Fatalf("state = %+v, want flat", st)
	}
}
