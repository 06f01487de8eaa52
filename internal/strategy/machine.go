package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/gateway"
)

// Event names the observable outcome of one machine step. The driver uses it
// for journaling, metrics and alerts; EventNone means the cycle made no
// transition.
type Event string

const (
	EventNone          Event = ""
	EventArmed         Event = "ARMED"
	EventEntryFilled   Event = "ENTRY_FILLED"
	EventBracketLapsed Event = "BRACKET_LAPSED"
	EventExitFilled    Event = "EXIT_FILLED"
	EventSafetyFlatten Event = "SAFETY_FLATTEN"
	EventWindowFlatten Event = "WINDOW_FLATTEN"
	EventDisarmed      Event = "DISARMED"
)

// Result reports what a step did. Fill fields are populated for entry and
// exit fills.
type Result struct {
	Event        Event
	Side         TradeSide
	OrderID      int64
	FillPrice    float64
	FillQuantity int
	Flattened    bool
	Canceled     int
}

// Machine owns the bracket lifecycle. It issues at most one class of gateway
// command per step and never mutates state on a failed submission, so the
// per-update cadence is the retry mechanism.
type Machine struct {
	gw            gateway.Gateway
	log           *zap.Logger
	quantity      int
	safetyFlatten bool
	state         BracketState
}

func NewMachine(gw gateway.Gateway, quantity int, safetyFlatten bool, log *zap.Logger) *Machine {
	return &Machine{
		gw:            gw,
		log:           log,
		quantity:      quantity,
		safetyFlatten: safetyFlatten,
		state:         NewBracketState(),
	}
}

func (m *Machine) State() BracketState {
	return m.state
}

// Restore overwrites the machine state wholesale. Used by reconciliation at
// startup, before any regular cycle runs.
func (m *Machine) Restore(state BracketState) {
	m.state = state
}

// Arm submits the OCO entry pair. Only valid from FLAT_READY; on gateway
// failure the state is untouched and the next eligible update retries.
func (m *Machine) Arm(ctx context.Context, levels Levels) (Result, error) {
	if m.state.Phase != PhaseFlatReady {
		return Result{}, fmt.Errorf("arm requested in phase %s", m.state.Phase)
	}
	tag := uuid.NewString()
	ids, err := m.gw.SubmitOCOBracket(ctx, gateway.BracketSpec{
		BuyLimit:     levels.BuyLimit,
		SellLimit:    levels.SellLimit,
		Quantity:     m.quantity,
		StopOffset:   levels.StopOffset,
		TargetOffset: levels.TargetOffset,
		ClientTag:    tag,
	})
	if err != nil {
		m.log.Error("oco submission failed",
			zap.Float64("buy_limit", levels.BuyLimit),
			zap.Float64("sell_limit", levels.SellLimit),
			zap.Error(err))
		return Result{}, err
	}
	m.state = BracketState{
		Phase:     PhaseBracketArmed,
		BuyLegID:  ids.BuyLegID,
		SellLegID: ids.SellLegID,
		Side:      SideNone,
		ClientTag: tag,
	}
	m.log.Info("bracket armed",
		zap.Int64("buy_leg", ids.BuyLegID),
		zap.Int64("sell_leg", ids.SellLegID),
		zap.Float64("buy_limit", levels.BuyLimit),
		zap.Float64("sell_limit", levels.SellLimit),
		zap.Float64("stop_offset", levels.StopOffset),
		zap.Float64("target_offset", levels.TargetOffset),
		zap.Int("quantity", m.quantity))
	return Result{Event: EventArmed}, nil
}

// PollEntry checks the armed legs for a fill. The gateway auto-cancels the
// sibling of a filled OCO leg, so only the fill needs detecting; the other
// leg id is cleared without re-querying.
func (m *Machine) PollEntry(ctx context.Context) (Result, error) {
	if m.state.Phase != PhaseBracketArmed {
		return Result{}, fmt.Errorf("entry poll requested in phase %s", m.state.Phase)
	}
	if res, handled := m.checkLegFill(ctx, &m.state.BuyLegID, &m.state.SellLegID, SideLong); handled {
		return res, nil
	}
	if res, handled := m.checkLegFill(ctx, &m.state.SellLegID, &m.state.BuyLegID, SideShort); handled {
		return res, nil
	}
	if m.state.BuyLegID == 0 && m.state.SellLegID == 0 {
		m.log.Warn("both oco legs inactive without a fill, resetting bracket")
		m.state.Reset()
		return Result{Event: EventBracketLapsed}, nil
	}
	return Result{}, nil
}

func (m *Machine) checkLegFill(ctx context.Context, leg, sibling *int64, side TradeSide) (Result, bool) {
	id := *leg
	if id == 0 {
		return Result{}, false
	}
	rec, err := m.gw.OrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, gateway.ErrOrderNotFound) {
			*leg = 0
			return Result{}, false
		}
		m.log.Warn("entry leg query failed", zap.Int64("order_id", id), zap.Error(err))
		return Result{}, false
	}
	switch rec.Status {
	case gateway.StatusFilled:
		*sibling = 0
		m.state.Phase = PhaseInTrade
		m.state.Side = side
		m.state.ActiveParentID = id
		m.log.Info("entry filled",
			zap.Int64("order_id", id),
			zap.String("side", string(side)),
			zap.Int("quantity", rec.FilledQuantity),
			zap.Float64("avg_fill_price", rec.AvgFillPrice))
		return Result{
			Event:        EventEntryFilled,
			Side:         side,
			OrderID:      id,
			FillPrice:    rec.AvgFillPrice,
			FillQuantity: rec.FilledQuantity,
		}, true
	case gateway.StatusCanceled, gateway.StatusRejected:
		m.log.Warn("entry leg no longer working",
			zap.Int64("order_id", id),
			zap.String("status", string(rec.Status)))
		*leg = 0
	}
	return Result{}, false
}

// PollExit scans the children of the active parent for a protective fill. A
// protective order that dies without filling leaves the position naked; the
// safety exit flattens immediately and resets regardless of the flatten
// outcome.
func (m *Machine) PollExit(ctx context.Context) (Result, error) {
	if m.state.Phase != PhaseInTrade {
		return Result{}, fmt.Errorf("exit poll requested in phase %s", m.state.Phase)
	}
	orders, err := m.gw.ListOrders(ctx)
	if err != nil {
		m.log.Warn("order list failed", zap.Error(err))
		return Result{}, nil
	}
	side := m.state.Side
	for _, rec := range orders {
		if rec.ParentID != m.state.ActiveParentID {
			continue
		}
		switch rec.Status {
		case gateway.StatusFilled:
			m.log.Info("exit filled",
				zap.Int64("order_id", rec.ID),
				zap.String("kind", string(rec.Kind)),
				zap.Int("quantity", rec.FilledQuantity),
				zap.Float64("avg_fill_price", rec.AvgFillPrice))
			m.state.Reset()
			return Result{
				Event:        EventExitFilled,
				Side:         side,
				OrderID:      rec.ID,
				FillPrice:    rec.AvgFillPrice,
				FillQuantity: rec.FilledQuantity,
			}, nil
		case gateway.StatusCanceled, gateway.StatusError:
			if rec.FilledQuantity != 0 {
				continue
			}
			if !m.safetyFlatten {
				m.log.Warn("protective order inactive without fill, safety flatten disabled",
					zap.Int64("order_id", rec.ID),
					zap.String("status", string(rec.Status)))
				continue
			}
			m.log.Error("protective order inactive without fill, flattening position",
				zap.Int64("order_id", rec.ID),
				zap.String("kind", string(rec.Kind)),
				zap.String("status", string(rec.Status)))
			flattened := true
			if err := m.gw.Flatten(ctx); err != nil {
				flattened = false
				m.log.Error("flatten failed", zap.Error(err))
			}
			m.state.Reset()
			return Result{Event: EventSafetyFlatten, Side: side, OrderID: rec.ID, Flattened: flattened}, nil
		}
	}
	return Result{}, nil
}

// Disarm cancels any working entry legs and resets to flat. Used before the
// trading window opens, when working orders must not exist.
func (m *Machine) Disarm(ctx context.Context) (Result, error) {
	if m.state.Phase != PhaseBracketArmed {
		return Result{}, nil
	}
	canceled := m.cancelLegs(ctx)
	m.state.Reset()
	m.log.Info("bracket disarmed", zap.Int("orders_canceled", canceled))
	return Result{Event: EventDisarmed, Canceled: canceled}, nil
}

// WindowClose cancels armed legs, flattens any open position and resets.
// Once the state is already flat and clear it performs no gateway action, so
// repeated invocations after the stop time are idempotent. The reset happens
// only once the position is confirmed flat; a failed position query or
// flatten leaves the state in place so the next closed-window cycle retries.
func (m *Machine) WindowClose(ctx context.Context) (Result, error) {
	if m.state.Phase == PhaseFlatReady && m.state.BuyLegID == 0 && m.state.SellLegID == 0 {
		return Result{}, nil
	}
	side := m.state.Side
	canceled := 0
	if m.state.Phase == PhaseBracketArmed {
		canceled = m.cancelLegs(ctx)
	}
	pos, err := m.gw.Position(ctx)
	if err != nil {
		m.log.Error("position query failed during window close", zap.Error(err))
		return Result{Canceled: canceled}, nil
	}
	flattened := false
	if pos != 0 {
		m.log.Info("window close, flattening open position", zap.Int("position", pos))
		if err := m.gw.Flatten(ctx); err != nil {
			m.log.Error("flatten failed during window close", zap.Error(err))
			return Result{Canceled: canceled}, nil
		}
		flattened = true
	}
	m.state.Reset()
	m.log.Info("window closed, state reset",
		zap.Int("orders_canceled", canceled),
		zap.Bool("flattened", flattened))
	return Result{Event: EventWindowFlatten, Side: side, Canceled: canceled, Flattened: flattened}, nil
}

func (m *Machine) cancelLegs(ctx context.Context) int {
	canceled := 0
	for _, id := range []int64{m.state.BuyLegID, m.state.SellLegID} {
		if id == 0 {
			continue
		}
		if err := m.gw.CancelOrder(ctx, id); err != nil {
			m.log.Warn("cancel failed", zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		canceled++
	}
	return canceled
}
