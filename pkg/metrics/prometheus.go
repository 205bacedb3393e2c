package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call agent
type Metrics struct {
	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalingMessagesTotal *prometheus.CounterVec
	signalingErrorsTotal   *prometheus.CounterVec

	// Reconnection Metrics
	reconnectAttemptsTotal *prometheus.CounterVec
	reconnectOutcomesTotal *prometheus.CounterVec

	// Quality Metrics
	qualitySamplesTotal *prometheus.CounterVec
	roundTripTime       prometheus.Histogram
	packetLossPct       prometheus.Histogram

	// Consent Metrics
	consentDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by direction and type",
				ConstLabels: labels,
			},
			[]string{"direction", "type"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently in a non-terminal state",
				ConstLabels: labels,
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"direction"},
		),
		callsFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of calls ending in failure",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		signalingMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total number of signaling messages by type and flow",
				ConstLabels: labels,
			},
			[]string{"type", "flow"},
		),
		signalingErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Total number of signaling channel errors",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		reconnectAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "reconnect_attempts_total",
				Help:        "Total number of transport reconnection attempts",
				ConstLabels: labels,
			},
			[]string{"attempt"},
		),
		reconnectOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "reconnect_outcomes_total",
				Help:        "Total number of reconnection rounds by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		qualitySamplesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "quality_samples_total",
				Help:        "Total number of quality samples by rating",
				ConstLabels: labels,
			},
			[]string{"rating"},
		),
		roundTripTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "transport_round_trip_seconds",
				Help:        "Sampled transport round-trip time in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
			},
		),
		packetLossPct: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "transport_packet_loss_percent",
				Help:        "Sampled inbound packet loss percentage",
				ConstLabels: labels,
				Buckets:     []float64{0.5, 1, 3, 5, 10, 25},
			},
		),
		consentDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "consent_decisions_total",
				Help:        "Total number of consent decisions by capability and outcome",
				ConstLabels: labels,
			},
			[]string{"capability", "outcome"},
		),
	}
}

// RecordCallStarted increments the call counters
func (m *Metrics) RecordCallStarted(direction, callType string) {
	m.callsTotal.WithLabelValues(direction, callType).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a call leaving the active set
func (m *Metrics) RecordCallEnded(direction string, connected time.Duration) {
	m.callsActive.Dec()
	if connected > 0 {
		m.callsDuration.WithLabelValues(direction).Observe(connected.Seconds())
	}
}

// RecordCallFailed records a call ending in failure
func (m *Metrics) RecordCallFailed(reason string) {
	m.callsFailedTotal.WithLabelValues(reason).Inc()
}

// RecordSignalingMessage records one signaling message. Flow is "in" or "out".
func (m *Metrics) RecordSignalingMessage(msgType, flow string) {
	m.signalingMessagesTotal.WithLabelValues(msgType, flow).Inc()
}

// RecordSignalingError records one signaling channel error
func (m *Metrics) RecordSignalingError(kind string) {
	m.signalingErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordReconnectAttempt records one reconnection attempt
func (m *Metrics) RecordReconnectAttempt(attempt string) {
	m.reconnectAttemptsTotal.WithLabelValues(attempt).Inc()
}

// RecordReconnectOutcome records a reconnection round's outcome
func (m *Metrics) RecordReconnectOutcome(outcome string) {
	m.reconnectOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordQualitySample records one quality sample
func (m *Metrics) RecordQualitySample(rating string, rtt time.Duration, lossPct float64) {
	m.qualitySamplesTotal.WithLabelValues(rating).Inc()
	if rtt > 0 {
		m.roundTripTime.Observe(rtt.Seconds())
	}
	m.packetLossPct.Observe(lossPct)
}

// RecordConsentDecision records a consent outcome
func (m *Metrics) RecordConsentDecision(capability string, granted bool) {
	outcome := "granted"
	if !granted {
		outcome = "denied"
	}
	m.consentDecisionsTotal.WithLabelValues(capability, outcome).Inc()
}
