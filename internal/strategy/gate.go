package strategy

import (
	"time"

	"github.com/vespatrades/scalping-bot/internal/config"
)

// Zone classifies an update instant against the master enable and the
// optional trading window.
type Zone string

const (
	ZoneDisabled   Zone = "DISABLED"
	ZoneBeforeOpen Zone = "BEFORE_OPEN"
	ZoneOpen       Zone = "OPEN"
	ZoneAfterClose Zone = "AFTER_CLOSE"
)

// Gate wraps every update cycle. Outside ZoneOpen the machine must not place
// entries: BEFORE_OPEN additionally cancels any armed bracket, AFTER_CLOSE
// cancels and flattens.
type Gate struct {
	enabled   bool
	useWindow bool
	start     config.TimeOfDay
	stop      config.TimeOfDay
}

func NewGate(cfg config.StrategyConfig) *Gate {
	return &Gate{
		enabled:   cfg.TradingEnabled,
		useWindow: cfg.UseTradingWindow,
		start:     cfg.StartTime,
		stop:      cfg.StopTime,
	}
}

func (g *Gate) Evaluate(now time.Time) Zone {
	if !g.enabled {
		return ZoneDisabled
	}
	if !g.useWindow {
		return ZoneOpen
	}
	tod := config.TimeOfDayFrom(now)
	switch {
	case tod < g.start:
		return ZoneBeforeOpen
	case tod >= g.stop:
		return ZoneAfterClose
	default:
		return ZoneOpen
	}
}
