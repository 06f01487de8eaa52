package strategy

import "fmt"

type Phase string

const (
	PhaseFlatReady    Phase = "FLAT_READY"
	PhaseBracketArmed Phase = "BRACKET_ARMED"
	PhaseInTrade      Phase = "IN_TRADE"
)

type TradeSide string

const (
	SideNone  TradeSide = "NONE"
	SideLong  TradeSide = "LONG"
	SideShort TradeSide = "SHORT"
)

// BracketState is the single persisted aggregate owned by the machine. It is
// mutated only inside an update cycle, or replaced wholesale by
// reconciliation at startup.
type BracketState struct {
	Phase          Phase
	BuyLegID       int64
	SellLegID      int64
	ActiveParentID int64
	Side           TradeSide
	ClientTag      string
}

// NewBracketState returns the flat zero state.
func NewBracketState() BracketState {
	return BracketState{Phase: PhaseFlatReady, Side: SideNone}
}

func (s *BracketState) Reset() {
	*s = NewBracketState()
}

// Validate checks the phase/field consistency rules. It runs at cycle
// boundaries; a violation indicates a bug, not a market condition.
func (s BracketState) Validate() error {
	switch s.Phase {
	case PhaseFlatReady:
		if s.ActiveParentID != 0 || s.Side != SideNone {
			return fmt.Errorf("flat state carries trade fields: parent=%d side=%s", s.ActiveParentID, s.Side)
		}
	case PhaseBracketArmed:
		if s.Side != SideNone {
			return fmt.Errorf("armed state carries trade side %s", s.Side)
		}
		if s.ActiveParentID != 0 {
			return fmt.Errorf("armed state carries active parent %d", s.ActiveParentID)
		}
	case PhaseInTrade:
		if s.ActiveParentID == 0 || s.Side == SideNone {
			return fmt.Errorf("in-trade state missing parent or side: parent=%d side=%s", s.ActiveParentID, s.Side)
		}
	default:
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	return nil
}
