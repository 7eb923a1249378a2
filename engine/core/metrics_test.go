package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUploadMetricsAverage(t *testing.T) {
	m := NewUploadMetrics()
	m.Update(2*time.Millisecond, 100)
	m.Update(4*time.Millisecond, 300)

	assert.InDelta(t, 3.0, m.BatchLatency(), 1e-9)
	batches, bytes := m.Totals()
	assert.Equal(t, uint64(2), batches)
	assert.Equal(t, uint64(400), bytes)
}

func TestUploadMetricsThroughput(t *testing.T) {
	m := NewUploadMetrics()
	for i := 0; i < 4; i++ {
		m.Update(300*time.Millisecond, 1000)
	}
	// 4000 bytes over 1.2 seconds.
	assert.InDelta(t, 4000.0/1.2, m.Throughput(), 1e-6)
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	assert.Zero(t, c.Elapsed())

	c.Start()
	assert.True(t, c.Running())
	time.Sleep(time.Millisecond)
	c.Stop()
	assert.False(t, c.Running())
	assert.Greater(t, c.Elapsed(), time.Duration(0))
}

func TestIdentifierReuse(t *testing.T) {
	a := IdentifierAcquireNewID("a")
	b := IdentifierAcquireNewID("b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "b", IdentifierOwner(b))

	assert.NoError(t, IdentifierReleaseID(a))
	c := IdentifierAcquireNewID("c")
	assert.Equal(t, a, c)
	assert.Error(t, IdentifierReleaseID(1<<30))

	_ = IdentifierReleaseID(b)
	_ = IdentifierReleaseID(c)
}
