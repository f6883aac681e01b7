package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReservationMetrics counts reservation attempts by outcome code.
type ReservationMetrics struct {
	attempts *prometheus.CounterVec
	latency  prometheus.Histogram
}

func NewReservationMetrics(reg prometheus.Registerer) *ReservationMetrics {
	m := &ReservationMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labclinic",
			Subsystem: "reservation",
			Name:      "attempts_total",
			Help:      "Slot reservation attempts by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labclinic",
			Subsystem: "reservation",
			Name:      "duration_seconds",
			Help:      "Latency of slot reservation requests",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attempts, m.latency)
	return m
}

func (m *ReservationMetrics) ObserveAttempt(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.latency.Observe(seconds)
}

// HandoffMetrics tracks the operator queue.
type HandoffMetrics struct {
	claims     *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

func NewHandoffMetrics(reg prometheus.Registerer) *HandoffMetrics {
	m := &HandoffMetrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labclinic",
			Subsystem: "handoff",
			Name:      "claims_total",
			Help:      "Operator claim attempts by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labclinic",
			Subsystem: "handoff",
			Name:      "queue_depth",
			Help:      "Conversations waiting for an operator at last snapshot",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.claims, m.queueDepth)
	return m
}

func (m *HandoffMetrics) ObserveClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *HandoffMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// GatewayMetrics tracks live WebSocket connections.
type GatewayMetrics struct {
	connections *prometheus.GaugeVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "labclinic",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open WebSocket connections by role",
		}, []string{"role"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connections)
	return m
}

func (m *GatewayMetrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *GatewayMetrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}
