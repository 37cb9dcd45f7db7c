package kvcore

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-kvcore/internal/interfaces"
)

// LatencyBuckets defines the request latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks request, disk and connection statistics for a server.
// All fields are updated atomically by the cores.
type Metrics struct {
	// Request counters by verb
	GetOps   atomic.Uint64
	SetOps   atomic.Uint64
	DelOps   atomic.Uint64
	OtherOps atomic.Uint64

	// Requests answered with an error
	RequestErrors atomic.Uint64

	// Disk I/O
	DiskReads       atomic.Uint64
	DiskWrites      atomic.Uint64
	DiskReadBytes   atomic.Uint64
	DiskWriteBytes  atomic.Uint64
	DiskReadErrors  atomic.Uint64
	DiskWriteErrors atomic.Uint64
	DiskLatencyNs   atomic.Uint64 // Cumulative disk latency

	// Connections
	ConnsOpened atomic.Uint64
	ConnsClosed atomic.Uint64

	// Inter-core messages pulled from hub inboxes
	Messages atomic.Uint64

	// Disk queue statistics, sampled once per reactor iteration
	QueueDepthTotal atomic.Uint64 // Cumulative in-flight samples
	QueueDepthCount atomic.Uint64 // Number of samples
	MaxQueueDepth   atomic.Uint32 // Maximum observed in-flight requests

	// Request latency
	TotalLatencyNs atomic.Uint64 // Cumulative request latency in nanoseconds
	OpCount        atomic.Uint64 // Requests with a recorded latency

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle
	StartTime atomic.Int64 // Server start timestamp (UnixNano)
	StopTime  atomic.Int64 // Server stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records a served request
func (m *Metrics) RecordRequest(verb string, latencyNs uint64, success bool) {
	switch verb {
	case "get":
		m.GetOps.Add(1)
	case "set":
		m.SetOps.Add(1)
	case "del":
		m.DelOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}
	if !success {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDiskRead records a page read
func (m *Metrics) RecordDiskRead(bytes uint64, latencyNs uint64, success bool) {
	m.DiskReads.Add(1)
	if success {
		m.DiskReadBytes.Add(bytes)
	} else {
		m.DiskReadErrors.Add(1)
	}
	m.DiskLatencyNs.Add(latencyNs)
}

// RecordDiskWrite records a page write
func (m *Metrics) RecordDiskWrite(bytes uint64, latencyNs uint64, success bool) {
	m.DiskWrites.Add(1)
	if success {
		m.DiskWriteBytes.Add(bytes)
	} else {
		m.DiskWriteErrors.Add(1)
	}
	m.DiskLatencyNs.Add(latencyNs)
}

// RecordConn records a connection being opened or closed
func (m *Metrics) RecordConn(opened bool) {
	if opened {
		m.ConnsOpened.Add(1)
	} else {
		m.ConnsClosed.Add(1)
	}
}

// RecordQueueDepth records the current number of in-flight disk requests
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records request latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.GetOps.Store(0)
	m.SetOps.Store(0)
	m.DelOps.Store(0)
	m.OtherOps.Store(0)
	m.RequestErrors.Store(0)
	m.DiskReads.Store(0)
	m.DiskWrites.Store(0)
	m.DiskReadBytes.Store(0)
	m.DiskWriteBytes.Store(0)
	m.DiskReadErrors.Store(0)
	m.DiskWriteErrors.Store(0)
	m.DiskLatencyNs.Store(0)
	m.ConnsOpened.Store(0)
	m.ConnsClosed.Store(0)
	m.Messages.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	// Requests
	GetOps        uint64 `json:"get_ops"`
	SetOps        uint64 `json:"set_ops"`
	DelOps        uint64 `json:"del_ops"`
	OtherOps      uint64 `json:"other_ops"`
	RequestErrors uint64 `json:"request_errors"`

	// Disk
	DiskReads       uint64 `json:"disk_reads"`
	DiskWrites      uint64 `json:"disk_writes"`
	DiskReadBytes   uint64 `json:"disk_read_bytes"`
	DiskWriteBytes  uint64 `json:"disk_write_bytes"`
	DiskReadErrors  uint64 `json:"disk_read_errors"`
	DiskWriteErrors uint64 `json:"disk_write_errors"`
	AvgDiskLatency  uint64 `json:"avg_disk_latency_ns"`

	// Connections and messages
	ConnsOpened uint64 `json:"conns_opened"`
	ConnsClosed uint64 `json:"conns_closed"`
	ActiveConns uint64 `json:"active_conns"`
	Messages    uint64 `json:"messages"`

	// Disk queue
	AvgQueueDepth float64 `json:"avg_queue_depth"`
	MaxQueueDepth uint32  `json:"max_queue_depth"`

	// Performance
	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 `json:"latency_p50_ns"`  // 50th percentile (median)
	LatencyP99Ns  uint64 `json:"latency_p99_ns"`  // 99th percentile
	LatencyP999Ns uint64 `json:"latency_p999_ns"` // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	// Computed statistics
	TotalOps    uint64  `json:"total_ops"`
	RequestRate float64 `json:"request_rate"` // Requests per second
	ErrorRate   float64 `json:"error_rate"`   // Percentage of failed requests
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		GetOps:          m.GetOps.Load(),
		SetOps:          m.SetOps.Load(),
		DelOps:          m.DelOps.Load(),
		OtherOps:        m.OtherOps.Load(),
		RequestErrors:   m.RequestErrors.Load(),
		DiskReads:       m.DiskReads.Load(),
		DiskWrites:      m.DiskWrites.Load(),
		DiskReadBytes:   m.DiskReadBytes.Load(),
		DiskWriteBytes:  m.DiskWriteBytes.Load(),
		DiskReadErrors:  m.DiskReadErrors.Load(),
		DiskWriteErrors: m.DiskWriteErrors.Load(),
		ConnsOpened:     m.ConnsOpened.Load(),
		ConnsClosed:     m.ConnsClosed.Load(),
		Messages:        m.Messages.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	// Calculate derived statistics
	snap.TotalOps = snap.GetOps + snap.SetOps + snap.DelOps + snap.OtherOps
	if snap.ConnsOpened > snap.ConnsClosed {
		snap.ActiveConns = snap.ConnsOpened - snap.ConnsClosed
	}
	if diskOps := snap.DiskReads + snap.DiskWrites; diskOps > 0 {
		snap.AvgDiskLatency = m.DiskLatencyNs.Load() / diskOps
	}

	// Calculate average queue depth
	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.RequestRate = float64(snap.TotalOps) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.RequestErrors) / float64(snap.TotalOps) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer receives the server's measurements.
type Observer = interfaces.Observer

// NoOpObserver discards every measurement.
type NoOpObserver = interfaces.NopObserver

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDiskRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDiskRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiskWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDiskWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRequest(verb string, latencyNs uint64, success bool) {
	o.metrics.RecordRequest(verb, latencyNs, success)
}

func (o *MetricsObserver) ObserveConn(opened bool) {
	o.metrics.RecordConn(opened)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveMessages(n int) {
	o.metrics.Messages.Add(uint64(n))
}

// multiObserver fans measurements out to several observers.
type multiObserver []Observer

func (mo multiObserver) ObserveDiskRead(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveDiskRead(bytes, latencyNs, success)
	}
}

func (mo multiObserver) ObserveDiskWrite(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveDiskWrite(bytes, latencyNs, success)
	}
}

func (mo multiObserver) ObserveRequest(verb string, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveRequest(verb, latencyNs, success)
	}
}

func (mo multiObserver) ObserveConn(opened bool) {
	for _, o := range mo {
		o.ObserveConn(opened)
	}
}

func (mo multiObserver) ObserveQueueDepth(depth uint32) {
	for _, o := range mo {
		o.ObserveQueueDepth(depth)
	}
}

func (mo multiObserver) ObserveMessages(n int) {
	for _, o := range mo {
		o.ObserveMessages(n)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = multiObserver(nil)
