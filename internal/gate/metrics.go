package gate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/3xpluto/tickgate/internal/ratelimit"
)

type Metrics struct {
	Admissions  *prometheus.CounterVec
	Relays      *prometheus.CounterVec
	Reverts     *prometheus.CounterVec
	LastTick    *prometheus.GaugeVec
	CountInTick *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickgate_admissions_total",
			Help: "Forward attempts by admission result",
		}, []string{"gate", "result"}),
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickgate_relays_total",
			Help: "Relay dispatches to the origin by result",
		}, []string{"gate", "result"}),
		Reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickgate_admission_reverts_total",
			Help: "Admissions undone after a relay failure",
		}, []string{"gate"}),
		LastTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickgate_last_admitted_tick",
			Help: "Tick of the most recent admission",
		}, []string{"gate"}),
		CountInTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickgate_admissions_in_tick",
			Help: "Admissions granted during the last admitted tick",
		}, []string{"gate"}),
	}
	reg.MustRegister(m.Admissions, m.Relays, m.Reverts, m.LastTick, m.CountInTick)
	return m
}

func (m *Metrics) admission(gate, result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(gate, result).Inc()
}

func (m *Metrics) relayed(gate, result string) {
	if m == nil {
		return
	}
	m.Relays.WithLabelValues(gate, result).Inc()
}

func (m *Metrics) reverted(gate string) {
	if m == nil {
		return
	}
	m.Reverts.WithLabelValues(gate).Inc()
}

func (m *Metrics) state(gate string, st ratelimit.State) {
	if m == nil {
		return
	}
	m.LastTick.WithLabelValues(gate).Set(float64(st.LastTick))
	m.CountInTick.WithLabelValues(gate).Set(float64(st.CountInTick))
}
