package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "scalping_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	bracketsArmed := newCounter("brackets_armed_total", "Total number of OCO brackets submitted.")
	submitFailed := newCounter("submit_failed_total", "Total number of OCO submission failures.")
	entriesFilled := newCounter("entries_filled_total", "Total number of entry leg fills.")
	exitsFilled := newCounter("exits_filled_total", "Total number of stop/target fills.")
	safetyFlattens := newCounter("safety_flattens_total", "Total number of safety-exit flattens.")
	windowFlattens := newCounter("window_flattens_total", "Total number of window-close flattens.")
	ordersCanceled := newCounter("orders_canceled_total", "Total number of entry legs canceled.")

	return &Prometheus{
		Metrics: &Metrics{
			BracketsArmed:  promCounter{bracketsArmed},
			SubmitFailed:   promCounter{submitFailed},
			EntriesFilled:  promCounter{entriesFilled},
			ExitsFilled:    promCounter{exitsFilled},
			SafetyFlattens: promCounter{safetyFlattens},
			WindowFlattens: promCounter{windowFlattens},
			OrdersCanceled: promCounter{ordersCanceled},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
