package server

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDeliversInOrder(t *testing.T) {
	ch := newFakeChannel()
	o := NewOutbox(ch, time.Second, nil)
	o.Start()
	defer o.Close()

	for i := 0; i < 50; i++ {
		require.True(t, o.Enqueue([]byte(fmt.Sprintf("%d", i))))
	}

	require.Eventually(t, func() bool { return ch.count() == 50 }, 2*time.Second, time.Millisecond)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, msg := range ch.sent {
		assert.Equal(t, fmt.Sprintf("%d", i), string(msg))
	}
}

func TestOutboxEnqueueDoesNotBlock(t *testing.T) {
	ch := newFakeChannel()
	ch.delay = 20 * time.Millisecond
	o := NewOutbox(ch, time.Second, nil)
	o.Start()
	defer o.Close()

	start := time.Now()
	for i := 0; i < 10; i++ {
		o.Enqueue([]byte("x"))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Positive(t, o.Len())
}

func TestOutboxBuffersUntilStarted(t *testing.T) {
	ch := newFakeChannel()
	o := NewOutbox(ch, time.Second, nil)
	defer o.Close()

	o.Enqueue([]byte("early"))
	assert.Equal(t, 1, o.Len())
	assert.Equal(t, 0, ch.count())

	o.Start()
	o.Start()
	require.Eventually(t, func() bool { return ch.count() == 1 }, 2*time.Second, time.Millisecond)
}

func TestOutboxClose(t *testing.T) {
	ch := newFakeChannel()
	ch.delay = 10 * time.Millisecond
	reg := prometheus.NewRegistry()
	o := NewOutbox(ch, time.Second, nil)
	o.metrics = NewMetrics(reg, "test")
	o.Start()

	for i := 0; i < 10; i++ {
		o.Enqueue([]byte("x"))
	}
	o.Close()
	o.Close()

	assert.False(t, o.Enqueue([]byte("late")))
	assert.Equal(t, 0, o.Len())

	sent := ch.count()
	assert.Less(t, sent, 10)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, ch.count(), "no sends after Close returns")

	dropped := metricValue(t, reg, "test_deliveries_total", map[string]string{"status": "dropped"})
	assert.Positive(t, dropped)
}

func TestOutboxReportsClosedChannel(t *testing.T) {
	ch := newFakeChannel()
	require.NoError(t, ch.Close())

	var closedCalls atomic.Int32
	o := NewOutbox(ch, time.Second, nil)
	o.onClosed = func() { closedCalls.Add(1) }
	o.Start()
	defer o.Close()

	o.Enqueue([]byte("a"))
	o.Enqueue([]byte("b"))
	require.Eventually(t, func() bool { return closedCalls.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, o.Len())
}

func TestOutboxContinuesAfterFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.failWith(errBoom)
	reg := prometheus.NewRegistry()
	o := NewOutbox(ch, time.Second, nil)
	o.metrics = NewMetrics(reg, "test")
	o.Start()
	defer o.Close()

	o.Enqueue([]byte("lost"))
	require.Eventually(t, func() bool {
		return metricValue(t, reg, "test_deliveries_total", map[string]string{"status": "failed"}) == 1
	}, 2*time.Second, time.Millisecond)

	ch.failWith(nil)
	o.Enqueue([]byte("kept"))
	require.Eventually(t, func() bool {
		return metricValue(t, reg, "test_deliveries_total", map[string]string{"status": "sent"}) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, ch.count())
}
