package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Policy metrics
	policyDecisionsTotal *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal         *prometheus.CounterVec
	deliveryDurationSeconds prometheus.Histogram

	// Queue metrics
	queueDepth *prometheus.GaugeVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtad_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtad_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtad_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_messages_received_total",
			Help: "Total number of messages accepted into the queue.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtad_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 36700160},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"username", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		policyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_policy_decisions_total",
			Help: "Total number of policy decisions taken on MAIL/RCPT.",
		}, []string{"decision"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtad_deliveries_total",
			Help: "Total number of per-domain delivery outcomes.",
		}, []string{"recipient_domain", "result"}),
		deliveryDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtad_delivery_attempt_duration_seconds",
			Help:    "Duration of outbound delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtad_queue_depth",
			Help: "Number of queued messages by status.",
		}, []string{"status"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.policyDecisionsTotal,
		c.deliveriesTotal,
		c.deliveryDurationSeconds,
		c.queueDepth,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(username string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(username, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// PolicyDecision increments the policy decision counter.
func (c *PrometheusCollector) PolicyDecision(decision string) {
	c.policyDecisionsTotal.WithLabelValues(decision).Inc()
}

// DeliveryCompleted increments the delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// DeliveryAttemptDuration observes an outbound attempt duration.
func (c *PrometheusCollector) DeliveryAttemptDuration(seconds float64) {
	c.deliveryDurationSeconds.Observe(seconds)
}

// QueueDepth sets the queue depth gauge for a status.
func (c *PrometheusCollector) QueueDepth(status string, n int) {
	c.queueDepth.WithLabelValues(status).Set(float64(n))
}
