// Package stats centralises the proxy-wide and per-backend counters behind
// one collector. Every request reports here, so the hot path is atomics
// plus one xsync map lookup; snapshots are only assembled when the status
// endpoint or the shutdown summary asks.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pasoproxy/paso/internal/core/ports"
)

type Collector struct {
	backends *xsync.Map[string, *backendData]

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	cancelledRequests  atomic.Int64
	retries            atomic.Int64
	fallbacks          atomic.Int64
	queueTimeouts      atomic.Int64
	bytesStreamed      atomic.Int64
	totalLatency       atomic.Int64
}

type backendData struct {
	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	totalBytes         atomic.Int64
	totalLatency       atomic.Int64
	minLatency         atomic.Int64
	maxLatency         atomic.Int64
	lastUsed           atomic.Int64
}

func NewCollector() *Collector {
	return &Collector{backends: xsync.NewMap[string, *backendData]()}
}

var _ ports.StatsCollector = (*Collector)(nil)

func (c *Collector) RecordRequest(backend string, status int, latency time.Duration, bytesOut int64) {
	latencyMs := latency.Milliseconds()

	c.totalRequests.Add(1)
	c.totalLatency.Add(latencyMs)
	c.bytesStreamed.Add(bytesOut)
	if status >= 200 && status < 400 {
		c.successfulRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	if backend == "" {
		return
	}
	data, _ := c.backends.LoadOrCompute(backend, func() (*backendData, bool) {
		return &backendData{}, false
	})

	data.totalRequests.Add(1)
	data.totalBytes.Add(bytesOut)
	data.totalLatency.Add(latencyMs)
	data.lastUsed.Store(time.Now().UnixNano())
	if status >= 200 && status < 400 {
		data.successfulRequests.Add(1)
	} else {
		data.failedRequests.Add(1)
	}

	for {
		current := data.minLatency.Load()
		if current != 0 && current <= latencyMs {
			break
		}
		if data.minLatency.CompareAndSwap(current, latencyMs) {
			break
		}
	}
	for {
		current := data.maxLatency.Load()
		if current >= latencyMs {
			break
		}
		if data.maxLatency.CompareAndSwap(current, latencyMs) {
			break
		}
	}
}

func (c *Collector) RecordCancelled(backend string) {
	c.totalRequests.Add(1)
	c.cancelledRequests.Add(1)
}

func (c *Collector) RecordRetry(backend string) {
	c.retries.Add(1)
}

func (c *Collector) RecordFallback(model string) {
	c.fallbacks.Add(1)
}

func (c *Collector) RecordQueueTimeout(keyID string) {
	c.queueTimeouts.Add(1)
}

func (c *Collector) GetProxyStats() ports.ProxyStats {
	total := c.totalRequests.Load()
	stats := ports.ProxyStats{
		TotalRequests:      total,
		SuccessfulRequests: c.successfulRequests.Load(),
		FailedRequests:     c.failedRequests.Load(),
		CancelledRequests:  c.cancelledRequests.Load(),
		Retries:            c.retries.Load(),
		Fallbacks:          c.fallbacks.Load(),
		QueueTimeouts:      c.queueTimeouts.Load(),
		BytesStreamed:      c.bytesStreamed.Load(),
	}
	if completed := stats.SuccessfulRequests + stats.FailedRequests; completed > 0 {
		stats.AverageLatency = c.totalLatency.Load() / completed
	}
	return stats
}

func (c *Collector) GetBackendStats() map[string]ports.BackendStats {
	out := make(map[string]ports.BackendStats)
	c.backends.Range(func(name string, data *backendData) bool {
		snapshot := ports.BackendStats{
			Name:               name,
			TotalRequests:      data.totalRequests.Load(),
			SuccessfulRequests: data.successfulRequests.Load(),
			FailedRequests:     data.failedRequests.Load(),
			TotalBytes:         data.totalBytes.Load(),
			MinLatency:         data.minLatency.Load(),
			MaxLatency:         data.maxLatency.Load(),
		}
		if snapshot.TotalRequests > 0 {
			snapshot.AverageLatency = data.totalLatency.Load() / snapshot.TotalRequests
		}
		if nanos := data.lastUsed.Load(); nanos > 0 {
			snapshot.LastUsed = time.Unix(0, nanos)
		}
		out[name] = snapshot
		return true
	})
	return out
}
