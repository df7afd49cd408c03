package mqstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DroppedService receives events for messages the persistence drops on a
// capacity limit. Drops are recovered locally - the operation returns
// normally. A full queue that drops the incoming message (Discard, or
// DiscardOldest when every entry is in-flight) only logs the drop and emits
// no event.
type DroppedService interface {
	// QueueFull is emitted when a session queue at its size limit evicts its
	// oldest queued message under DiscardOldest.
	QueueFull(queueID, topic string, qos QoS)

	// QueueFullShared is the shared-subscription variant of QueueFull.
	QueueFullShared(group, topic string, qos QoS)

	// QoS0MemoryExceeded is emitted when a QoS 0 message is dropped because
	// the global QoS 0 memory budget is exhausted.
	QoS0MemoryExceeded(queueID, topic string, qos QoS, current, limit int64)

	// QoS0MemoryExceededShared is the shared-subscription variant of
	// QoS0MemoryExceeded.
	QoS0MemoryExceededShared(group, topic string, qos QoS, current, limit int64)
}

// Compile-time checks for the shipped implementations.
var (
	_ DroppedService = NopDropped{}
	_ DroppedService = (*PrometheusDropped)(nil)
)

// NopDropped discards all drop events. It is the default DroppedService.
type NopDropped struct{}

func (NopDropped) QueueFull(string, string, QoS)                              {}
func (NopDropped) QueueFullShared(string, string, QoS)                        {}
func (NopDropped) QoS0MemoryExceeded(string, string, QoS, int64, int64)       {}
func (NopDropped) QoS0MemoryExceededShared(string, string, QoS, int64, int64) {}

// PrometheusDropped counts drop events as Prometheus metrics, labeled by
// drop reason and queue kind. Queue ids and topics are deliberately not
// labels: they are unbounded.
type PrometheusDropped struct {
	dropped *prometheus.CounterVec
}

// NewPrometheusDropped creates a DroppedService registering its collectors
// with reg.
func NewPrometheusDropped(reg prometheus.Registerer) *PrometheusDropped {
	return &PrometheusDropped{
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqstore",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped by the client queue persistence, by reason.",
		}, []string{"reason", "queue"}),
	}
}

func (p *PrometheusDropped) QueueFull(string, string, QoS) {
	p.dropped.WithLabelValues("queue_full", "session").Inc()
}

func (p *PrometheusDropped) QueueFullShared(string, string, QoS) {
	p.dropped.WithLabelValues("queue_full", "shared").Inc()
}

func (p *PrometheusDropped) QoS0MemoryExceeded(string, string, QoS, int64, int64) {
	p.dropped.WithLabelValues("qos0_memory_exceeded", "session").Inc()
}

func (p *PrometheusDropped) QoS0MemoryExceededShared(string, string, QoS, int64, int64) {
	p.dropped.WithLabelValues("qos0_memory_exceeded", "shared").Inc()
}
