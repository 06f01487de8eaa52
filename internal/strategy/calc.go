package strategy

import (
	"errors"
	"math"
)

var (
	ErrInvalidTick       = errors.New("tick size must be positive")
	ErrInvalidRange      = errors.New("range reading must be positive")
	ErrDegenerateBracket = errors.New("buy limit not below sell limit")
)

// Fractions scale the range reading R into entry, stop and target distances.
type Fractions struct {
	Bracket    float64
	Stop       float64
	TakeProfit float64
}

// Levels holds one cycle's computed bracket prices. BuyLimit and SellLimit
// are absolute; StopOffset and TargetOffset are distances from the eventual
// entry fill price.
type Levels struct {
	BuyLimit     float64
	SellLimit    float64
	StopOffset   float64
	TargetOffset float64
}

// ComputeLevels derives the OCO bracket prices from the reference price, the
// range reading and the tick size. Offsets are rounded to tick and floored at
// one tick. If rounding collapses the buy limit onto or above the sell limit,
// the buy limit is nudged one tick down; a bracket that still fails the
// ordering check is rejected rather than submitted.
func ComputeLevels(price, r, tick float64, f Fractions) (Levels, error) {
	if tick <= 0 {
		return Levels{}, ErrInvalidTick
	}
	if r <= 0 {
		return Levels{}, ErrInvalidRange
	}
	entryOffset := tickOffset(r*f.Bracket, tick)
	levels := Levels{
		BuyLimit:     roundToTick(price-entryOffset, tick),
		SellLimit:    roundToTick(price+entryOffset, tick),
		StopOffset:   tickOffset(r*f.Stop, tick),
		TargetOffset: tickOffset(r*f.TakeProfit, tick),
	}
	if levels.BuyLimit >= levels.SellLimit {
		levels.BuyLimit = roundToTick(levels.SellLimit-tick, tick)
		if levels.BuyLimit >= levels.SellLimit {
			return Levels{}, ErrDegenerateBracket
		}
	}
	return levels, nil
}

func roundToTick(v, tick float64) float64 {
	return math.Round(v/tick) * tick
}

func tickOffset(raw, tick float64) float64 {
	o := roundToTick(raw, tick)
	if o < tick {
		o = tick
	}
	return o
}
