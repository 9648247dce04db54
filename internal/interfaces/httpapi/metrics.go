package httpapi

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes funnel and poller progress as Prometheus collectors. It
// implements both application.FunnelObserver and application.PollerObserver.
type Metrics struct {
	registry *prometheus.Registry

	blocksFetched   prometheus.Counter
	blockDuration   prometheus.Histogram
	blockFailures   *prometheus.CounterVec
	rangeReturned   prometheus.Histogram
	rangeTruncated  prometheus.Counter
	submissions     prometheus.Counter
	latestBlock     prometheus.Gauge
	lastProcessed   prometheus.Gauge
	blockLag        prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpRequestTime *prometheus.HistogramVec

	mu           sync.Mutex
	latest       uint64
	processed    uint64
	hasProcessed bool
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		blocksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfunnel_blocks_fetched_total", Help: "Blocks fetched and decoded",
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "chainfunnel_block_fetch_duration_seconds", Help: "Single block fetch latency", Buckets: prometheus.DefBuckets,
		}),
		blockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfunnel_block_failures_total", Help: "Block fetch failures by kind",
		}, []string{"kind"}),
		rangeReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "chainfunnel_range_blocks_returned", Help: "Blocks returned per range fetch", Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		rangeTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfunnel_range_truncated_total", Help: "Range fetches cut short at the first failing block",
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfunnel_submissions_total", Help: "Submissions stored, scheduled ones included",
		}),
		latestBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfunnel_latest_block", Help: "Latest block reported by the ledger",
		}),
		lastProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfunnel_last_processed_block", Help: "Last block stored in the feed",
		}),
		blockLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfunnel_block_lag", Help: "Blocks between the ledger head and the feed",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "HTTP requests",
		}, []string{"path", "status"}),
		httpRequestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
	m.registry.MustRegister(
		m.blocksFetched, m.blockDuration, m.blockFailures, m.rangeReturned, m.rangeTruncated,
		m.submissions, m.latestBlock, m.lastProcessed, m.blockLag, m.httpRequests, m.httpRequestTime,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OnBlockFetched(blockNumber uint64, submissions int, elapsed time.Duration) {
	m.blocksFetched.Inc()
	m.blockDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) OnBlockFailed(blockNumber uint64, kind string) {
	m.blockFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) OnRangeFetched(fromBlock, toBlock uint64, returned int) {
	m.rangeReturned.Observe(float64(returned))
	if toBlock >= fromBlock && uint64(returned) < toBlock-fromBlock+1 {
		m.rangeTruncated.Inc()
	}
}

func (m *Metrics) OnLatestBlock(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = block
	m.latestBlock.Set(float64(block))
	m.updateLag()
}

func (m *Metrics) OnBatchProcessed(fromBlock, toBlock uint64, blocks, submissions int) {
	m.submissions.Add(float64(submissions))
	m.SetLastProcessed(toBlock)
}

func (m *Metrics) SetLastProcessed(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = block
	m.hasProcessed = true
	m.lastProcessed.Set(float64(block))
	m.updateLag()
}

func (m *Metrics) observeRequest(path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(path, statusLabel(status)).Inc()
	m.httpRequestTime.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (m *Metrics) updateLag() {
	if !m.hasProcessed || m.latest < m.processed {
		m.blockLag.Set(0)
		return
	}
	m.blockLag.Set(float64(m.latest - m.processed))
}

func statusLabel(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
