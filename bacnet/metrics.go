package bacnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a thread-safe counter
type Counter struct {
	value int64
}

// Add adds a delta to the counter
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a thread-safe gauge holding the last value set
type Gauge struct {
	value int64
}

// Set sets the gauge value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// LatencyHistogram tracks latency measurements
type LatencyHistogram struct {
	mu      sync.RWMutex
	count   int64
	sum     int64 // nanoseconds
	min     int64
	max     int64
	buckets []int64 // counts for each bucket
}

// NewLatencyHistogram creates a new latency histogram
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		min:     -1, // Indicates no measurements yet
		buckets: make([]int64, 10), // <1ms, <5ms, <10ms, <25ms, <50ms, <100ms, <250ms, <500ms, <1s, >=1s
	}
}

// Record records a latency measurement
func (h *LatencyHistogram) Record(d time.Duration) {
	ns := d.Nanoseconds()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += ns

	if h.min < 0 || ns < h.min {
		h.min = ns
	}
	if ns > h.max {
		h.max = ns
	}

	// Update bucket
	ms := d.Milliseconds()
	switch {
	case ms < 1:
		h.buckets[0]++
	case ms < 5:
		h.buckets[1]++
	case ms < 10:
		h.buckets[2]++
	case ms < 25:
		h.buckets[3]++
	case ms < 50:
		h.buckets[4]++
	case ms < 100:
		h.buckets[5]++
	case ms < 250:
		h.buckets[6]++
	case ms < 500:
		h.buckets[7]++
	case ms < 1000:
		h.buckets[8]++
	default:
		h.buckets[9]++
	}
}

// Stats returns histogram statistics
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := LatencyStats{
		Count:   h.count,
		Buckets: make([]int64, len(h.buckets)),
	}
	copy(stats.Buckets, h.buckets)

	if h.count > 0 {
		stats.Min = time.Duration(h.min)
		stats.Max = time.Duration(h.max)
		stats.Avg = time.Duration(h.sum / h.count)
	}

	return stats
}

// LatencyStats contains latency statistics
type LatencyStats struct {
	Count   int64
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets []int64
}

// Metrics holds server metrics
type Metrics struct {
	// Datalink metrics
	PacketsReceived Counter
	PacketsSent     Counter
	BytesReceived   Counter
	BytesSent       Counter
	ReceiveFailures Counter
	SendFailures    Counter
	PacketsDropped  Counter

	// Request metrics
	RequestsServed   Counter
	RequestsFailed   Counter
	RequestsRejected Counter
	RequestsAborted  Counter

	// Discovery metrics
	WhoIsReceived          Counter
	IAmSent                Counter
	WhoIsRouterReceived    Counter
	IAmRouterToNetworkSent Counter

	// Engine loop
	LoopIterations Counter

	// Latency
	RequestLatency *LatencyHistogram

	// Registered devices, main included
	Devices Gauge

	// Timestamps
	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestLatency: NewLatencyHistogram(),
		startTime:      time.Now(),
	}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		PacketsReceived: m.PacketsReceived.Value(),
		PacketsSent:     m.PacketsSent.Value(),
		BytesReceived:   m.BytesReceived.Value(),
		BytesSent:       m.BytesSent.Value(),
		ReceiveFailures: m.ReceiveFailures.Value(),
		SendFailures:    m.SendFailures.Value(),
		PacketsDropped:  m.PacketsDropped.Value(),

		RequestsServed:   m.RequestsServed.Value(),
		RequestsFailed:   m.RequestsFailed.Value(),
		RequestsRejected: m.RequestsRejected.Value(),
		RequestsAborted:  m.RequestsAborted.Value(),

		WhoIsReceived:          m.WhoIsReceived.Value(),
		IAmSent:                m.IAmSent.Value(),
		WhoIsRouterReceived:    m.WhoIsRouterReceived.Value(),
		IAmRouterToNetworkSent: m.IAmRouterToNetworkSent.Value(),

		LoopIterations: m.LoopIterations.Value(),
		LatencyStats:   m.RequestLatency.Stats(),
		Devices:        m.Devices.Value(),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration

	PacketsReceived int64
	PacketsSent     int64
	BytesReceived   int64
	BytesSent       int64
	ReceiveFailures int64
	SendFailures    int64
	PacketsDropped  int64

	RequestsServed   int64
	RequestsFailed   int64
	RequestsRejected int64
	RequestsAborted  int64

	WhoIsReceived          int64
	IAmSent                int64
	WhoIsRouterReceived    int64
	IAmRouterToNetworkSent int64

	LoopIterations int64
	LatencyStats   LatencyStats
	Devices        int64

	LastActivity time.Time
}
