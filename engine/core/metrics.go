package core

import (
	"sync"
	"time"
)

const AVG_COUNT uint8 = 30

// UploadMetrics keeps rolling statistics over submitted copy batches.
type UploadMetrics struct {
	mu sync.Mutex

	batchAVGCounter uint8
	msTimes         [AVG_COUNT]float64
	msAvg           float64

	accumulatedMS    float64
	accumulatedBytes uint64
	bytesPerSecond   float64

	totalBatches uint64
	totalBytes   uint64
}

func NewUploadMetrics() *UploadMetrics {
	return &UploadMetrics{}
}

/**
 * @brief Records one completed batch.
 * @param latency Time between submission and completion of the batch.
 * @param bytes Number of bytes moved by the batch.
 */
func (m *UploadMetrics) Update(latency time.Duration, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batchMS := float64(latency) / float64(time.Millisecond)
	m.msTimes[m.batchAVGCounter] = batchMS
	m.totalBatches++
	m.totalBytes += bytes

	if m.batchAVGCounter == AVG_COUNT-1 || m.totalBatches < uint64(AVG_COUNT) {
		count := uint64(AVG_COUNT)
		if m.totalBatches < count {
			count = m.totalBatches
		}
		sum := 0.0
		for i := uint64(0); i < count; i++ {
			sum += m.msTimes[i]
		}
		m.msAvg = sum / float64(count)
	}
	m.batchAVGCounter++
	m.batchAVGCounter %= AVG_COUNT

	// Throughput over a one second window.
	m.accumulatedMS += batchMS
	m.accumulatedBytes += bytes
	if m.accumulatedMS > 1000 {
		m.bytesPerSecond = float64(m.accumulatedBytes) * 1000 / m.accumulatedMS
		m.accumulatedMS = 0
		m.accumulatedBytes = 0
	}
}

// BatchLatency is the rolling average latency in milliseconds.
func (m *UploadMetrics) BatchLatency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msAvg
}

func (m *UploadMetrics) Throughput() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesPerSecond
}

func (m *UploadMetrics) Totals() (batches, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBatches, m.totalBytes
}
