package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. Constructed once in
// main with the process registry; tests pass a fresh registry.
type Metrics struct {
	registry *prometheus.Registry

	GrantsIssued      prometheus.Counter
	GrantsDenied      *prometheus.CounterVec
	TransfersTotal    *prometheus.CounterVec
	TokensTransferred prometheus.Counter
	ModerationActions *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GrantsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_grants_issued_total",
			Help: "Total number of capability grants issued",
		}),

		GrantsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_grants_denied_total",
			Help: "Total number of access decisions that denied a grant",
		}, []string{"reason"}),

		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_wallet_transfers_total",
			Help: "Total number of successful wallet operations",
		}, []string{"kind"}),

		TokensTransferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_wallet_tokens_moved_total",
			Help: "Total number of tokens moved between or into wallets",
		}),

		ModerationActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_moderation_actions_total",
			Help: "Total number of moderation commands processed",
		}, []string{"action"}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_upstream_errors_total",
			Help: "Total number of failed calls to external dependencies",
		}, []string{"dependency"}),
	}
}

// Handler returns the /metrics endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
