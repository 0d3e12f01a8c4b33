package ports

import "time"

// ProxyStats is a point-in-time snapshot of proxy-wide counters.
type ProxyStats struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	CancelledRequests  int64 `json:"cancelled_requests"`
	Retries            int64 `json:"retries"`
	Fallbacks          int64 `json:"fallbacks"`
	QueueTimeouts      int64 `json:"queue_timeouts"`
	BytesStreamed      int64 `json:"bytes_streamed"`
	AverageLatency     int64 `json:"avg_latency_ms"`
}

// BackendStats is a per-backend counter snapshot.
type BackendStats struct {
	Name               string    `json:"name"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	TotalBytes         int64     `json:"total_bytes"`
	AverageLatency     int64     `json:"avg_latency_ms"`
	MinLatency         int64     `json:"min_latency_ms"`
	MaxLatency         int64     `json:"max_latency_ms"`
	LastUsed           time.Time `json:"last_used"`
}

// StatsCollector aggregates request outcomes for the status endpoint and
// the shutdown summary.
type StatsCollector interface {
	RecordRequest(backend string, status int, latency time.Duration, bytesOut int64)
	RecordCancelled(backend string)
	RecordRetry(backend string)
	RecordFallback(model string)
	RecordQueueTimeout(keyID string)

	GetProxyStats() ProxyStats
	GetBackendStats() map[string]BackendStats
}
