package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vespatrades/scalping-bot/internal/alerts"
	"github.com/vespatrades/scalping-bot/internal/config"
	"github.com/vespatrades/scalping-bot/internal/feed"
	"github.com/vespatrades/scalping-bot/internal/gateway"
	"github.com/vespatrades/scalping-bot/internal/gateway/sim"
	"github.com/vespatrades/scalping-bot/internal/journal"
	"github.com/vespatrades/scalping-bot/internal/logging"
	"github.com/vespatrades/scalping-bot/internal/metrics"
	"github.com/vespatrades/scalping-bot/internal/state"
	"github.com/vespatrades/scalping-bot/internal/state/sqlite"
	"github.com/vespatrades/scalping-bot/internal/strategy"
)

const throttleBucket = time.Minute

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	verbose    bool
	store      state.Store
	gw         gateway.Gateway
	sim        *sim.Gateway
	machine    *strategy.Machine
	gate       *strategy.Gate
	reconciler strategy.Reconciler
	vol        strategy.VolatilitySource
	estimator  *feed.RangeEstimator
	feed       *feed.Client
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	journal    *journal.Writer
	alerts     *alerts.Telegram
	throttle   *strategy.Throttle
	fractions  strategy.Fractions
	reconciled bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	simGateway := sim.New()
	estimator := feed.NewRangeEstimator(cfg.Strategy.VolatilityWindow)
	feedClient := feed.New(cfg.Feed.URL, cfg.Feed.Symbol, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	journalWriter, err := journal.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		verbose:    logging.Verbose(cfg.Log),
		store:      store,
		gw:         simGateway,
		sim:        simGateway,
		machine:    strategy.NewMachine(simGateway, cfg.Strategy.Quantity, cfg.Strategy.SafetyFlattenEnabled(), log),
		gate:       strategy.NewGate(cfg.Strategy),
		reconciler: strategy.NewShapeReconciler(simGateway, log),
		vol:        estimator,
		estimator:  estimator,
		feed:       feedClient,
		metrics:    m,
		prom:       prom,
		journal:    journalWriter,
		alerts:     alerts.NewTelegram(cfg.Telegram, log),
		throttle:   strategy.NewThrottle(throttleBucket),
		fractions: strategy.Fractions{
			Bracket:    cfg.Strategy.BracketFraction,
			Stop:       cfg.Strategy.StopFraction,
			TakeProfit: cfg.Strategy.TakeProfitFraction,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.journal.Start(ctx)
	defer a.journal.Close()
	if a.prom != nil {
		go a.serveMetrics(ctx)
	}
	return a.feed.Run(ctx, func(upd feed.Update) {
		if a.sim != nil {
			a.sim.Mark(upd.Price)
		}
		a.estimator.Observe(upd)
		if err := a.Cycle(ctx, upd); err != nil {
			a.log.Warn("update cycle failed", zap.Error(err))
		}
	})
}

func (a *App) serveMetrics(ctx context.Context) {
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: a.prom.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server failed", zap.Error(err))
	}
}

// Cycle processes one market update end to end: reconciliation on the first
// call, then gate check, range reading, level computation and exactly one
// machine step. State is persisted whenever it changed.
func (a *App) Cycle(ctx context.Context, upd feed.Update) error {
	if !a.reconciled {
		if err := a.bootstrap(ctx); err != nil {
			return err
		}
	}
	before := a.machine.State()
	result, err := a.dispatch(ctx, upd)
	after := a.machine.State()
	if verr := after.Validate(); verr != nil {
		a.log.Error("bracket state invariant violated", zap.Error(verr))
	}
	if after != before {
		if perr := state.SaveBracketState(ctx, a.store, after); perr != nil {
			a.log.Error("state persist failed", zap.Error(perr))
		}
	}
	a.record(ctx, result, upd, after)
	return err
}

// bootstrap runs the one-shot reconciliation before any regular processing
// is allowed to mutate state.
func (a *App) bootstrap(ctx context.Context) error {
	prior, found, err := state.LoadBracketState(ctx, a.store)
	if err != nil {
		a.log.Warn("persisted state unreadable, starting flat", zap.Error(err))
	} else if found {
		a.log.Info("loaded persisted state",
			zap.String("phase", string(prior.Phase)),
			zap.String("side", string(prior.Side)))
	}
	recovered, err := a.reconciler.Reconcile(ctx, prior)
	switch {
	case errors.Is(err, strategy.ErrUnprotectedPosition):
		a.log.Error("unprotected position recovered, flattening")
		if ferr := a.gw.Flatten(ctx); ferr != nil {
			a.log.Error("flatten failed", zap.Error(ferr))
		}
		a.metrics.SafetyFlattens.Inc()
		recovered = strategy.NewBracketState()
	case err != nil:
		a.log.Warn("reconciliation failed, keeping persisted state", zap.Error(err))
		recovered = prior
	}
	a.machine.Restore(recovered)
	if perr := state.SaveBracketState(ctx, a.store, a.machine.State()); perr != nil {
		a.log.Error("state persist failed", zap.Error(perr))
	}
	a.reconciled = true
	a.log.Info("reconciled state",
		zap.String("phase", string(recovered.Phase)),
		zap.String("side", string(recovered.Side)),
		zap.Int64("buy_leg", recovered.BuyLegID),
		zap.Int64("sell_leg", recovered.SellLegID))
	return nil
}

func (a *App) dispatch(ctx context.Context, upd feed.Update) (strategy.Result, error) {
	switch zone := a.gate.Evaluate(upd.Time); zone {
	case strategy.ZoneDisabled:
		if a.throttle.Allow("disabled", upd.Time) {
			a.log.Info("trading disabled")
		}
		return strategy.Result{}, nil
	case strategy.ZoneBeforeOpen:
		if a.machine.State().Phase == strategy.PhaseBracketArmed {
			return a.machine.Disarm(ctx)
		}
		if a.throttle.Allow("before_open", upd.Time) {
			a.log.Debug("waiting for trading window",
				zap.String("start", a.cfg.Strategy.StartTime.String()))
		}
		return strategy.Result{}, nil
	case strategy.ZoneAfterClose:
		result, err := a.machine.WindowClose(ctx)
		if result.Event == strategy.EventNone && a.throttle.Allow("after_close", upd.Time) {
			a.log.Debug("trading window closed")
		}
		return result, err
	case strategy.ZoneOpen:
		a.throttle.Clear("before_open")
		a.throttle.Clear("after_close")
		return a.step(ctx, upd)
	default:
		return strategy.Result{}, fmt.Errorf("unknown gate zone %q", zone)
	}
}

func (a *App) step(ctx context.Context, upd feed.Update) (strategy.Result, error) {
	switch a.machine.State().Phase {
	case strategy.PhaseFlatReady:
		r := a.vol.Reading(upd.Index)
		if r <= 0 {
			if a.throttle.Allow("invalid_range", upd.Time) {
				a.log.Warn("range reading unavailable, skipping entry",
					zap.Int64("update_index", upd.Index),
					zap.Float64("range", r))
			}
			return strategy.Result{}, nil
		}
		a.throttle.Clear("invalid_range")
		levels, err := strategy.ComputeLevels(upd.Price, r, a.cfg.Strategy.TickSize, a.fractions)
		if err != nil {
			switch {
			case errors.Is(err, strategy.ErrDegenerateBracket):
				a.log.Warn("degenerate bracket, skipping entry",
					zap.Float64("price", upd.Price), zap.Float64("range", r))
				return strategy.Result{}, nil
			default:
				return strategy.Result{}, err
			}
		}
		if a.verbose {
			a.log.Debug("computed levels",
				zap.Float64("range", r),
				zap.Float64("buy_limit", levels.BuyLimit),
				zap.Float64("sell_limit", levels.SellLimit),
				zap.Float64("stop_offset", levels.StopOffset),
				zap.Float64("target_offset", levels.TargetOffset))
		}
		result, err := a.machine.Arm(ctx, levels)
		if err != nil {
			a.metrics.SubmitFailed.Inc()
			return strategy.Result{}, nil
		}
		return result, nil
	case strategy.PhaseBracketArmed:
		return a.machine.PollEntry(ctx)
	case strategy.PhaseInTrade:
		return a.machine.PollExit(ctx)
	default:
		return strategy.Result{}, fmt.Errorf("unknown phase %q", a.machine.State().Phase)
	}
}

func (a *App) record(ctx context.Context, result strategy.Result, upd feed.Update, st strategy.BracketState) {
	r := a.vol.Reading(upd.Index)
	switch result.Event {
	case strategy.EventArmed:
		a.metrics.BracketsArmed.Inc()
	case strategy.EventEntryFilled:
		a.metrics.EntriesFilled.Inc()
		a.notify(a.alerts.EntryFilled(ctx, string(result.Side), result.FillQuantity, result.FillPrice))
	case strategy.EventExitFilled:
		a.metrics.ExitsFilled.Inc()
		a.notify(a.alerts.ExitFilled(ctx, string(result.Side), result.FillQuantity, result.FillPrice))
	case strategy.EventSafetyFlatten:
		a.metrics.SafetyFlattens.Inc()
		a.notify(a.alerts.SafetyFlattened(ctx, result.OrderID))
	case strategy.EventWindowFlatten:
		a.metrics.WindowFlattens.Inc()
		if result.Flattened {
			a.notify(a.alerts.WindowFlattened(ctx))
		}
	}
	for i := 0; i < result.Canceled; i++ {
		a.metrics.OrdersCanceled.Inc()
	}
	if a.journal == nil {
		return
	}
	if result.Event != strategy.EventNone {
		a.journal.EnqueueEvent(journal.Event{
			Time:     upd.Time,
			Event:    string(result.Event),
			Phase:    string(st.Phase),
			Side:     string(result.Side),
			OrderID:  result.OrderID,
			Price:    result.FillPrice,
			Quantity: result.FillQuantity,
			Range:    r,
		})
	}
	if result.Event != strategy.EventNone || a.throttle.Allow("snapshot", upd.Time) {
		pos, err := a.gw.Position(ctx)
		if err != nil {
			a.log.Warn("position query failed for journal", zap.Error(err))
			return
		}
		a.journal.EnqueueSnapshot(journal.CycleSnapshot{
			Time:        upd.Time,
			UpdateIndex: upd.Index,
			Phase:       string(st.Phase),
			Side:        string(st.Side),
			Price:       upd.Price,
			Range:       r,
			Position:    pos,
		})
	}
}

func (a *App) notify(err error) {
	if err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
