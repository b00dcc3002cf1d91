package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tlvrelay"

// Drop reasons.
const (
	DropChecksum       = "checksum"
	DropValidation     = "validation"
	DropDomainMismatch = "domain_mismatch"
	DropOverflow       = "overflow"
	DropMalformed      = "malformed"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"relay", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"relay", "method", "path", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames read from publisher connections.",
		},
		[]string{"domain"},
	)
	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frames enqueued to consumers, counted once per consumer.",
		},
		[]string{"domain"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason.",
		},
		[]string{"domain", "reason"},
	)
	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "recoveries_total",
			Help:      "Recovery requests by how they were served.",
		},
		[]string{"domain", "served_by"},
	)
	mirrorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "mirror_errors_total",
			Help:      "Frames the cross-host mirror failed to publish.",
		},
		[]string{"domain"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Active connections by role.",
		},
		[]string{"domain", "role"},
	)
	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dispatch_seconds",
			Help:      "Time from frame read to fan-out completion.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
		[]string{"domain"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesReceived, framesForwarded, framesDropped,
			recoveries, mirrorErrors, connections, dispatchLatency,
		)
	})
}

func RecordHTTPRequest(relay, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(relay, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(relay, method, path, statusLabel).Observe(duration.Seconds())
}

// DomainMetrics caches the label children for one relay domain so the
// forwarding path does no label lookups.
type DomainMetrics struct {
	received        prometheus.Counter
	forwarded       prometheus.Counter
	mirrorErrors    prometheus.Counter
	dispatch        prometheus.Observer
	publishers      prometheus.Gauge
	consumers       prometheus.Gauge
	domain          string
	dropped         sync.Map
	recoveriesBySrc sync.Map
}

func ForDomain(domain string) *DomainMetrics {
	RegisterMetrics()
	return &DomainMetrics{
		domain:       domain,
		received:     framesReceived.WithLabelValues(domain),
		forwarded:    framesForwarded.WithLabelValues(domain),
		mirrorErrors: mirrorErrors.WithLabelValues(domain),
		dispatch:     dispatchLatency.WithLabelValues(domain),
		publishers:   connections.WithLabelValues(domain, "publisher"),
		consumers:    connections.WithLabelValues(domain, "consumer"),
	}
}

func (m *DomainMetrics) Received() { m.received.Inc() }

func (m *DomainMetrics) Forwarded(n int) { m.forwarded.Add(float64(n)) }

func (m *DomainMetrics) MirrorError() { m.mirrorErrors.Inc() }

func (m *DomainMetrics) Dispatched(d time.Duration) { m.dispatch.Observe(d.Seconds()) }

func (m *DomainMetrics) Dropped(reason string) {
	c, ok := m.dropped.Load(reason)
	if !ok {
		c, _ = m.dropped.LoadOrStore(reason, framesDropped.WithLabelValues(m.domain, reason))
	}
	c.(prometheus.Counter).Inc()
}

func (m *DomainMetrics) Recovery(servedBy string) {
	c, ok := m.recoveriesBySrc.Load(servedBy)
	if !ok {
		c, _ = m.recoveriesBySrc.LoadOrStore(servedBy, recoveries.WithLabelValues(m.domain, servedBy))
	}
	c.(prometheus.Counter).Inc()
}

func (m *DomainMetrics) Connected(publisher bool) {
	if publisher {
		m.publishers.Inc()
		return
	}
	m.consumers.Inc()
}

func (m *DomainMetrics) Disconnected(publisher bool) {
	if publisher {
		m.publishers.Dec()
		return
	}
	m.consumers.Dec()
}
