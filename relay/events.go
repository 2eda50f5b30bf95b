package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Events receives delivery lifecycle notifications. Implementations
// must be safe for concurrent use and must not block; the service
// calls them while holding no locks but from hot paths.
type Events interface {
	MessageAccepted(conversationID string)
	DeliveryAttempt(recipient string, attempt int)
	DeliverySucceeded(recipient string)
	DeliveryFailed(recipient string, reason string)
	MessageQueued(recipient string)
	QueueRejected(recipient string)
	AckReceived(status string)
}

// NopEvents discards every notification.
type NopEvents struct{}

func (NopEvents) MessageAccepted(string)        {}
func (NopEvents) DeliveryAttempt(string, int)   {}
func (NopEvents) DeliverySucceeded(string)      {}
func (NopEvents) DeliveryFailed(string, string) {}
func (NopEvents) MessageQueued(string)          {}
func (NopEvents) QueueRejected(string)          {}
func (NopEvents) AckReceived(string)            {}

// Metrics is the Prometheus-backed Events implementation. Labels stay
// low-cardinality: reasons and statuses, never identities.
type Metrics struct {
	accepted  prometheus.Counter
	attempts  prometheus.Counter
	succeeded prometheus.Counter
	failed    *prometheus.CounterVec
	queued    prometheus.Counter
	rejected  prometheus.Counter
	acks      *prometheus.CounterVec
}

// NewMetrics registers the relay's metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_accepted_total",
			Help: "Messages accepted for delivery.",
		}),
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Push delivery attempts, including retries.",
		}),
		succeeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_succeeded_total",
			Help: "Deliveries acknowledged by the recipient.",
		}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_failed_total",
			Help: "Deliveries abandoned, by reason.",
		}, []string{"reason"}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_queued_total",
			Help: "Messages queued for offline recipients.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_rejections_total",
			Help: "Messages rejected because an offline queue was full.",
		}),
		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_acks_received_total",
			Help: "Acknowledgment frames received, by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) MessageAccepted(string)      { m.accepted.Inc() }
func (m *Metrics) DeliveryAttempt(string, int) { m.attempts.Inc() }
func (m *Metrics) DeliverySucceeded(string)    { m.succeeded.Inc() }
func (m *Metrics) DeliveryFailed(_ string, reason string) {
	m.failed.WithLabelValues(reason).Inc()
}
func (m *Metrics) MessageQueued(string)  { m.queued.Inc() }
func (m *Metrics) QueueRejected(string)  { m.rejected.Inc() }
func (m *Metrics) AckReceived(status string) {
	m.acks.WithLabelValues(status).Inc()
}
