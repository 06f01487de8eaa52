package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vespatrades/scalping-bot/internal/strategy"
)

// BracketSnapshotKey holds the single persisted BracketState record. The
// whole aggregate is written each cycle so a crash can never leave a
// half-updated state behind.
const BracketSnapshotKey = "strategy:bracket_state"

type BracketSnapshot struct {
	Phase          string `json:"phase"`
	BuyLegID       int64  `json:"buy_leg_id"`
	SellLegID      int64  `json:"sell_leg_id"`
	ActiveParentID int64  `json:"active_parent_id"`
	Side           string `json:"side"`
	ClientTag      string `json:"client_tag,omitempty"`
	UpdatedAtMS    int64  `json:"updated_at_ms"`
}

func LoadBracketState(ctx context.Context, store Store) (strategy.BracketState, bool, error) {
	if store == nil {
		return strategy.NewBracketState(), false, nil
	}
	raw, ok, err := store.Get(ctx, BracketSnapshotKey)
	if err != nil {
		return strategy.NewBracketState(), false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return strategy.NewBracketState(), false, nil
	}
	var snap BracketSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return strategy.NewBracketState(), false, err
	}
	restored := strategy.BracketState{
		Phase:          strategy.Phase(snap.Phase),
		BuyLegID:       snap.BuyLegID,
		SellLegID:      snap.SellLegID,
		ActiveParentID: snap.ActiveParentID,
		Side:           strategy.TradeSide(snap.Side),
		ClientTag:      snap.ClientTag,
	}
	if err := restored.Validate(); err != nil {
		return strategy.NewBracketState(), false, err
	}
	return restored, true, nil
}

func SaveBracketState(ctx context.Context, store Store, st strategy.BracketState) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(BracketSnapshot{
		Phase:          string(st.Phase),
		BuyLegID:       st.BuyLegID,
		SellLegID:      st.SellLegID,
		ActiveParentID: st.ActiveParentID,
		Side:           string(st.Side),
		ClientTag:      st.ClientTag,
		UpdatedAtMS:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return store.Set(ctx, BracketSnapshotKey, string(payload))
}
