package mqstore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusDropped(t *testing.T) {
	registry := prometheus.NewRegistry()
	dropped := NewPrometheusDropped(registry)

	dropped.QueueFull("c", "t", AtLeastOnce)
	dropped.QueueFull("c", "t", AtLeastOnce)
	dropped.QueueFullShared("g", "t", AtLeastOnce)
	dropped.QoS0MemoryExceeded("c", "t", AtMostOnce, 100, 10)
	dropped.QoS0MemoryExceededShared("g", "t", AtMostOnce, 100, 10)

	assert.Equal(t, 2.0, testutil.ToFloat64(dropped.dropped.WithLabelValues("queue_full", "session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.dropped.WithLabelValues("queue_full", "shared")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.dropped.WithLabelValues("qos0_memory_exceeded", "session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.dropped.WithLabelValues("qos0_memory_exceeded", "shared")))
}
