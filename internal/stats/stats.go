package stats

import (
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "erc_chat"

const (
	OptimisticSends     = "OptimisticSends"
	FailedSends         = "FailedSends"
	ConfirmedMessages   = "ConfirmedMessages"
	ReconcileMismatches = "ReconcileMismatches"
	MalformedEvents     = "MalformedEvents"
	PushReconnects      = "PushReconnects"
	OpenConnections     = "OpenConnections"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater keeps one gauge per metric in a private registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	gauges   map[string]prometheus.Gauge
}

// NewStatsUpdater creates a stats updater and serves its registry on
// GET /metrics of mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
	}

	if mux != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	}

	for _, name := range []string{
		OptimisticSends, FailedSends, ConfirmedMessages, ReconcileMismatches,
		MalformedEvents, PushReconnects, OpenConnections,
	} {
		su.RegisterMetric(name)
	}

	return su
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.gauge(name)
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.registry
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.Lock()
	defer su.mu.Unlock()

	if g, ok := su.gauges[name]; ok {
		return g
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g

	return g
}

// metricName turns CamelCase into snake_case.
func metricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}

	return b.String()
}
