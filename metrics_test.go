package kestrel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyMetricsSampleSmallCountExact(t *testing.T) {
	var l LatencyMetrics
	l.Record(10 * time.Millisecond)
	l.Record(20 * time.Millisecond)
	l.Record(30 * time.Millisecond)

	count := l.Sample()
	assert.Equal(t, 3, count)
	assert.Equal(t, 30*time.Millisecond, l.Max)
	assert.Equal(t, 20*time.Millisecond, l.Mean)
}

func TestLatencyMetricsSampleUsesPSquareAtScale(t *testing.T) {
	var l LatencyMetrics
	for i := 1; i <= 1000; i++ {
		l.Record(time.Duration(i) * time.Millisecond)
	}
	count := l.Sample()
	assert.Equal(t, 1000, count)
	// P-Square is an estimator: assert it lands in a sane ballpark rather
	// than an exact value.
	assert.InDelta(t, 500, l.P50.Milliseconds(), 50)
	assert.InDelta(t, 990, l.P99.Milliseconds(), 20)
	assert.Equal(t, int64(1000), l.Max.Milliseconds())
}

func TestQueueMetricsTracksMaxAndEMA(t *testing.T) {
	var q QueueMetrics
	q.UpdateDispatcherDepth(5)
	q.UpdateDispatcherDepth(1)
	q.UpdateDispatcherDepth(9)

	assert.Equal(t, 9, q.DispatcherCurrent)
	assert.Equal(t, 9, q.DispatcherMax)
	assert.Greater(t, q.DispatcherAvg, 0.0)
}

func TestQueueMetricsActiveChannelsIndependentOfDispatcher(t *testing.T) {
	var q QueueMetrics
	q.UpdateActiveChannels(3)
	q.UpdateDispatcherDepth(7)

	assert.Equal(t, 3, q.ChannelsCurrent)
	assert.Equal(t, 7, q.DispatcherCurrent)
}

func TestTPSCounterRejectsInvalidWindows(t *testing.T) {
	assert.Panics(t, func() { NewTPSCounter(0, time.Second) })
	assert.Panics(t, func() { NewTPSCounter(time.Second, 0) })
	assert.Panics(t, func() { NewTPSCounter(time.Second, 2*time.Second) })
}

func TestTPSCounterCountsIncrements(t *testing.T) {
	c := NewTPSCounter(time.Second, 100*time.Millisecond)
	for i := 0; i < 5; i++ {
		c.Increment()
	}
	assert.Greater(t, c.TPS(), 0.0)
}

func TestEngineMetricsRecordServicedFeedsLatencyAndRPS(t *testing.T) {
	m := NewEngineMetrics()
	m.RecordServiced(5 * time.Millisecond)
	m.RecordServiced(15 * time.Millisecond)

	snap := m.Snapshot()
	require.NotZero(t, snap.Latency.Mean)
	assert.Greater(t, snap.RPS, 0.0)
}

func TestEngineMetricsNilIsSafe(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.RecordServiced(time.Millisecond)
		_ = m.Snapshot()
	})
}
