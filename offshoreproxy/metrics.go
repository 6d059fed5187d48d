package offshoreproxy

import "sync/atomic"

// Metrics accumulates counters for the admin /metrics snapshot. All fields
// are safe for concurrent use from the dispatcher's per-job goroutines.
type Metrics struct {
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	tunnelsOpen   atomic.Int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// JobsCompleted returns the number of HTTP requests and CONNECT tunnels
// that finished without error.
func (m *Metrics) JobsCompleted() int64 {
	return m.jobsCompleted.Load()
}

// JobsFailed returns the number of HTTP requests and CONNECT tunnels that
// ended in an error (dial failure, upstream I/O failure, protocol
// violation).
func (m *Metrics) JobsFailed() int64 {
	return m.jobsFailed.Load()
}

// TunnelsOpen returns the number of CONNECT tunnels currently pumping data.
// It is at most 1, since the link serves one job at a time, but is tracked
// as a counter rather than a bool for symmetry with the other metrics.
func (m *Metrics) TunnelsOpen() int64 {
	return m.tunnelsOpen.Load()
}
