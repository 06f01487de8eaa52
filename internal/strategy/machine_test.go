package strategy

import (
	"context"
	"errors"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/gateway"
)

type fakeGateway struct {
	submitErr     error
	submitCalls   int
	lastSpec      gateway.BracketSpec
	ids           gateway.BracketIDs
	orders        map[int64]gateway.OrderRecord
	listErr       error
	position      int
	positionErr   error
	positionCalls int
	flattenErr    error
	flattenCalls  int
	canceled      []int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: make(map[int64]gateway.OrderRecord)}
}

func (f *fakeGateway) SubmitOCOBracket(_ context.Context, spec gateway.BracketSpec) (gateway.BracketIDs, error) {
	f.submitCalls++
	f.lastSpec = spec
	if f.submitErr != nil {
		return gateway.BracketIDs{}, f.submitErr
	}
	return f.ids, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, id int64) error {
	f.canceled = append(f.canceled, id)
	if rec, ok := f.orders[id]; ok && rec.Working() {
		rec.Status = gateway.StatusCanceled
		f.orders[id] = rec
	}
	return nil
}

func (f *fakeGateway) OrderByID(_ context.Context, id int64) (gateway.OrderRecord, error) {
	rec, ok := f.orders[id]
	if !ok {
		return gateway.OrderRecord{}, gateway.ErrOrderNotFound
	}
	return rec, nil
}

func (f *fakeGateway) ListOrders(_ context.Context) ([]gateway.OrderRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]int64, 0, len(f.orders))
	for id := range f.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]gateway.OrderRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.orders[id])
	}
	return out, nil
}

func (f *fakeGateway) Position(_ context.Context) (int, error) {
	f.positionCalls++
	return f.position, f.positionErr
}

func (f *fakeGateway) Flatten(_ context.Context) error {
	f.flattenCalls++
	if f.flattenErr != nil {
		return f.flattenErr
	}
	f.position = 0
	return nil
}

func testLevels() Levels {
	return Levels{BuyLimit: 99.0, SellLimit: 101.0, StopOffset: 1.0, TargetOffset: 2.0}
}

func TestArmTransitionsToArmed(t *testing.T) {
	gw := newFakeGateway()
	gw.ids = gateway.BracketIDs{BuyLegID: 11, SellLegID: 12}
	m := NewMachine(gw, 1, true, zap.NewNop())

	res, err := m.Arm(context.Background(), testLevels())
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if res.Event != EventArmed {
		t.Fatalf("event = %q, want %q", res.Event, EventArmed)
	}
	st := m.State()
	if st.Phase != PhaseBracketArmed || st.BuyLegID != 11 || st.SellLegID != 12 {
		t.Fatalf("state after arm = %+v", st)
	}
	if st.ClientTag == "" {
		t.Fatalf("armed state missing client tag")
	}
	if gw.lastSpec.Quantity != 1 || gw.lastSpec.BuyLimit != 99.0 || gw.lastSpec.SellLimit != 101.0 {
		t.Fatalf("submitted spec = %+v", gw.lastSpec)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestArmKeepsStateOnSubmitFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr = errors.New("gateway down")
	m := NewMachine(gw, 1, true, zap.NewNop())

	if _, err := m.Arm(context.Background(), testLevels()); err == nil {
		t.Fatalf("Arm succeeded against failing gateway")
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state mutated on failed submit: %+v", st)
	}
}

func TestArmRejectedOutsideFlat(t *testing.T) {
	gw := newFakeGateway()
	m := NewMachine(gw, 1, true, zap.NewNop())
	m.Restore(BracketState{Phase: PhaseBracketArmed, BuyLegID: 1, SellLegID: 2})

	if _, err := m.Arm(context.Background(), testLevels()); err == nil {
		t.Fatalf("Arm allowed from BRACKET_ARMED")
	}
	if gw.submitCalls != 0 {
		t.Fatalf("submit called %d times from BRACKET_ARMED", gw.submitCalls)
	}
}

func armedMachine(gw *fakeGateway) *Machine {
	m := NewMachine(gw, 1, true, zap.NewNop())
	m.Restore(BracketState{Phase: PhaseBracketArmed, BuyLegID: 11, SellLegID: 12, Side: SideNone, ClientTag: "tag"})
	return m
}

func TestPollEntryBuyFill(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusFilled, Kind: gateway.KindLimit, Side: gateway.SideBuy, FilledQuantity: 1, AvgFillPrice: 99.0}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusCanceled, Kind: gateway.KindLimit, Side: gateway.SideSell}
	m := armedMachine(gw)

	res, err := m.PollEntry(context.Background())
	if err != nil {
		t.Fatalf("PollEntry: %v", err)
	}
	if res.Event != EventEntryFilled || res.Side != SideLong || res.OrderID != 11 {
		t.Fatalf("result = %+v", res)
	}
	if res.FillPrice != 99.0 || res.FillQuantity != 1 {
		t.Fatalf("fill fields = %.2f / %d", res.FillPrice, res.FillQuantity)
	}
	st := m.State()
	if st.Phase != PhaseInTrade || st.Side != SideLong || st.ActiveParentID != 11 {
		t.Fatalf("state after fill = %+v", st)
	}
	if st.SellLegID != 0 {
		t.Fatalf("sibling leg not cleared: %+v", st)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPollEntrySellFill(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusWorking, Kind: gateway.KindLimit, Side: gateway.SideBuy}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusFilled, Kind: gateway.KindLimit, Side: gateway.SideSell, FilledQuantity: 1, AvgFillPrice: 101.0}
	m := armedMachine(gw)

	res, err := m.PollEntry(context.Background())
	if err != nil {
		t.Fatalf("PollEntry: %v", err)
	}
	if res.Event != EventEntryFilled || res.Side != SideShort {
		t.Fatalf("result = %+v", res)
	}
	st := m.State()
	if st.Phase != PhaseInTrade || st.Side != SideShort || st.ActiveParentID != 12 || st.BuyLegID != 0 {
		t.Fatalf("state after fill = %+v", st)
	}
}

func TestPollEntryNoFillKeepsArmed(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusWorking, Kind: gateway.KindLimit, Side: gateway.SideBuy}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusWorking, Kind: gateway.KindLimit, Side: gateway.SideSell}
	m := armedMachine(gw)

	res, err := m.PollEntry(context.Background())
	if err != nil {
		t.Fatalf("PollEntry: %v", err)
	}
	if res.Event != EventNone {
		t.Fatalf("event = %q, want none", res.Event)
	}
	if st := m.State(); st.Phase != PhaseBracketArmed {
		t.Fatalf("phase = %s, want BRACKET_ARMED", st.Phase)
	}
}

func TestPollEntryBothLegsGoneLapses(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusCanceled, Kind: gateway.KindLimit, Side: gateway.SideBuy}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusRejected, Kind: gateway.KindLimit, Side: gateway.SideSell}
	m := armedMachine(gw)

	res, err := m.PollEntry(context.Background())
	if err != nil {
		t.Fatalf("PollEntry: %v", err)
	}
	if res.Event != EventBracketLapsed {
		t.Fatalf("event = %q, want %q", res.Event, EventBracketLapsed)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after lapse = %+v", st)
	}
}

func TestPollEntryUnknownOrdersLapse(t *testing.T) {
	gw := newFakeGateway()
	m := armedMachine(gw)

	res, err := m.PollEntry(context.Background())
	if err != nil {
		t.Fatalf("PollEntry: %v", err)
	}
	if res.Event != EventBracketLapsed {
		t.Fatalf("event = %q, want %q", res.Event, EventBracketLapsed)
	}
}

func inTradeMachine(gw *fakeGateway, safetyFlatten bool) *Machine {
	m := NewMachine(gw, 1, safetyFlatten, zap.NewNop())
	m.Restore(BracketState{Phase: PhaseInTrade, BuyLegID: 11, ActiveParentID: 11, Side: SideLong, ClientTag: "tag"})
	return m
}

func TestPollExitTargetFill(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[13] = gateway.OrderRecord{ID: 13, ParentID: 11, Status: gateway.StatusCanceled, Kind: gateway.KindStop, FilledQuantity: 0}
	gw.orders[14] = gateway.OrderRecord{ID: 14, ParentID: 11, Status: gateway.StatusFilled, Kind: gateway.KindTarget, FilledQuantity: 1, AvgFillPrice: 101.0}
	m := inTradeMachine(gw, true)

	res, err := m.PollExit(context.Background())
	if err != nil {
		t.Fatalf("PollExit: %v", err)
	}
	if res.Event != EventExitFilled || res.Side != SideLong || res.OrderID != 14 || res.FillPrice != 101.0 {
		t.Fatalf("result = %+v", res)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after exit = %+v", st)
	}
	if gw.flattenCalls != 0 {
		t.Fatalf("flatten called %d times on a clean exit", gw.flattenCalls)
	}
}

func TestPollExitSafetyFlatten(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[13] = gateway.OrderRecord{ID: 13, ParentID: 11, Status: gateway.StatusCanceled, Kind: gateway.KindStop, FilledQuantity: 0}
	gw.orders[14] = gateway.OrderRecord{ID: 14, ParentID: 11, Status: gateway.StatusWorking, Kind: gateway.KindTarget}
	m := inTradeMachine(gw, true)

	res, err := m.PollExit(context.Background())
	if err != nil {
		t.Fatalf("PollExit: %v", err)
	}
	if res.Event != EventSafetyFlatten || res.OrderID != 13 || !res.Flattened {
		t.Fatalf("result = %+v", res)
	}
	if gw.flattenCalls != 1 {
		t.Fatalf("flatten called %d times, want exactly 1", gw.flattenCalls)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after safety flatten = %+v", st)
	}
}

func TestPollExitSafetyFlattenDisabled(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[13] = gateway.OrderRecord{ID: 13, ParentID: 11, Status: gateway.StatusError, Kind: gateway.KindStop, FilledQuantity: 0}
	m := inTradeMachine(gw, false)

	res, err := m.PollExit(context.Background())
	if err != nil {
		t.Fatalf("PollExit: %v", err)
	}
	if res.Event != EventNone {
		t.Fatalf("event = %q, want none", res.Event)
	}
	if gw.flattenCalls != 0 {
		t.Fatalf("flatten called with safety exit disabled")
	}
	if st := m.State(); st.Phase != PhaseInTrade {
		t.Fatalf("phase = %s, want IN_TRADE", st.Phase)
	}
}

func TestPollExitIgnoresPartialFilledProtective(t *testing.T) {
	gw := newFakeGateway()
	// A canceled protective that already filled part of the position is not
	// the orphan case; the remaining child is still working.
	gw.orders[13] = gateway.OrderRecord{ID: 13, ParentID: 11, Status: gateway.StatusCanceled, Kind: gateway.KindStop, FilledQuantity: 1}
	gw.orders[14] = gateway.OrderRecord{ID: 14, ParentID: 11, Status: gateway.StatusWorking, Kind: gateway.KindTarget}
	m := inTradeMachine(gw, true)

	res, err := m.PollExit(context.Background())
	if err != nil {
		t.Fatalf("PollExit: %v", err)
	}
	if res.Event != EventNone || gw.flattenCalls != 0 {
		t.Fatalf("result = %+v, flattens = %d", res, gw.flattenCalls)
	}
}

func TestDisarmCancelsArmedLegs(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	m := armedMachine(gw)

	res, err := m.Disarm(context.Background())
	if err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if res.Event != EventDisarmed || res.Canceled != 2 {
		t.Fatalf("result = %+v", res)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after disarm = %+v", st)
	}
}

func TestDisarmNoopWhenFlat(t *testing.T) {
	gw := newFakeGateway()
	m := NewMachine(gw, 1, true, zap.NewNop())

	res, err := m.Disarm(context.Background())
	if err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if res.Event != EventNone || len(gw.canceled) != 0 {
		t.Fatalf("flat disarm touched the gateway: %+v canceled=%v", res, gw.canceled)
	}
}

func TestWindowCloseFromArmed(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	m := armedMachine(gw)

	res, err := m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("WindowClose: %v", err)
	}
	if res.Event != EventWindowFlatten || res.Canceled != 2 || res.Flattened {
		t.Fatalf("result = %+v", res)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after window close = %+v", st)
	}
}

func TestWindowCloseFlattensOpenPosition(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	m := inTradeMachine(gw, true)

	res, err := m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("WindowClose: %v", err)
	}
	if res.Event != EventWindowFlatten || !res.Flattened || res.Side != SideLong {
		t.Fatalf("result = %+v", res)
	}
	if gw.flattenCalls != 1 {
		t.Fatalf("flatten called %d times, want 1", gw.flattenCalls)
	}
	if len(gw.canceled) != 0 {
		t.Fatalf("in-trade window close canceled orders: %v", gw.canceled)
	}
}

func TestWindowCloseRetriesFailedFlatten(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	gw.flattenErr = errors.New("gateway down")
	m := inTradeMachine(gw, true)

	res, err := m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("first WindowClose: %v", err)
	}
	if res.Event != EventNone || res.Flattened {
		t.Fatalf("result on failed flatten = %+v", res)
	}
	if gw.flattenCalls != 1 {
		t.Fatalf("flatten called %d times, want 1", gw.flattenCalls)
	}
	if st := m.State(); st.Phase != PhaseInTrade {
		t.Fatalf("state reset despite open position: %+v", st)
	}

	gw.flattenErr = nil
	res, err = m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("second WindowClose: %v", err)
	}
	if res.Event != EventWindowFlatten || !res.Flattened {
		t.Fatalf("result after recovery = %+v", res)
	}
	if gw.flattenCalls != 2 {
		t.Fatalf("flatten called %d times, want 2", gw.flattenCalls)
	}
	if st := m.State(); st != NewBracketState() {
		t.Fatalf("state after recovered close = %+v", st)
	}
	if gw.position != 0 {
		t.Fatalf("position after recovered close = %d", gw.position)
	}
}

func TestWindowCloseRetriesFailedPositionQuery(t *testing.T) {
	gw := newFakeGateway()
	gw.position = 1
	gw.positionErr = errors.New("gateway down")
	m := inTradeMachine(gw, true)

	if _, err := m.WindowClose(context.Background()); err != nil {
		t.Fatalf("WindowClose: %v", err)
	}
	if gw.flattenCalls != 0 {
		t.Fatalf("flatten attempted without a position reading")
	}
	if st := m.State(); st.Phase != PhaseInTrade {
		t.Fatalf("state reset despite unknown position: %+v", st)
	}

	gw.positionErr = nil
	res, err := m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("second WindowClose: %v", err)
	}
	if res.Event != EventWindowFlatten || !res.Flattened || gw.position != 0 {
		t.Fatalf("recovery close = %+v position=%d", res, gw.position)
	}
}

func TestWindowCloseIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.orders[11] = gateway.OrderRecord{ID: 11, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	gw.orders[12] = gateway.OrderRecord{ID: 12, Status: gateway.StatusWorking, Kind: gateway.KindLimit}
	m := armedMachine(gw)

	if _, err := m.WindowClose(context.Background()); err != nil {
		t.Fatalf("first WindowClose: %v", err)
	}
	cancels, positions, flattens := len(gw.canceled), gw.positionCalls, gw.flattenCalls

	res, err := m.WindowClose(context.Background())
	if err != nil {
		t.Fatalf("second WindowClose: %v", err)
	}
	if res.Event != EventNone {
		t.Fatalf("second close event = %q, want none", res.Event)
	}
	if len(gw.canceled) != cancels || gw.positionCalls != positions || gw.flattenCalls != flattens {
		t.Fatalf("second window close issued gateway calls: cancels %d->%d positions %d->%d flattens %d->%d",
			cancels, len(gw.canceled), positions, gw.positionCalls, flattens, gw.flattenCalls)
	}
}
