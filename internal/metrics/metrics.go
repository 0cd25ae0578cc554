package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pshima/kproxy/internal/proxy"
	"github.com/pshima/kproxy/pkg/certificates"
)

const namespace = "kproxy"

// StatsFunc returns the proxy counters; ok is false while the proxy does not
// exist yet.
type StatsFunc func() (stats proxy.StatsSnapshot, ok bool)

// CacheFunc returns the leaf certificate cache statistics.
type CacheFunc func() certificates.CacheStats

// Metrics exposes proxy and certificate state to Prometheus. Counters owned
// by the proxy are read at scrape time; event driven series are updated
// through OnEvent.
type Metrics struct {
	registry *prometheus.Registry

	responses prometheus.Histogram
	errors    *prometheus.CounterVec
	intercept *prometheus.CounterVec
	running   prometheus.Gauge
}

// New builds a registry holding the stats collector, event driven series and
// the Go runtime collectors.
func New(stats StatsFunc, cache CacheFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		responses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of intercepted sessions from forward to origin close",
			Buckets:   prometheus.DefBuckets,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors raised by the proxy",
		}, []string{"kind"}),
		intercept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepts_total",
			Help:      "Intercepted requests by rewrite outcome",
		}, []string{"modified"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "Whether the proxy listener is bound",
		}),
	}

	m.registry.MustRegister(
		newStatsCollector(stats, cache),
		m.responses,
		m.errors,
		m.intercept,
		m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OnEvent updates the event driven series.
func (m *Metrics) OnEvent(e proxy.Event) {
	switch ev := e.(type) {
	case proxy.ResponseObserved:
		m.responses.Observe(ev.Duration.Seconds())
	case proxy.ErrorRaised:
		m.errors.WithLabelValues(errorKind(ev.Err)).Inc()
	case proxy.InterceptDecided:
		if ev.Modified {
			m.intercept.WithLabelValues("true").Inc()
		} else {
			m.intercept.WithLabelValues("false").Inc()
		}
	case proxy.StatusChanged:
		if ev.Running {
			m.running.Set(1)
		} else {
			m.running.Set(0)
		}
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func errorKind(err error) string {
	var (
		startupErr   *proxy.StartupError
		transportErr *proxy.TransportError
		caErr        *certificates.CertAuthorityError
	)

	switch {
	case errors.As(err, &startupErr):
		return "startup"
	case errors.As(err, &caErr):
		return "certificate"
	case errors.As(err, &transportErr):
		return "transport_" + transportErr.Side
	default:
		return "other"
	}
}

type statsCollector struct {
	stats StatsFunc
	cache CacheFunc

	requests    *prometheus.Desc
	modified    *prometheus.Desc
	certs       *prometheus.Desc
	certsMinted *prometheus.Desc
	startTime   *prometheus.Desc
}

func newStatsCollector(stats StatsFunc, cache CacheFunc) *statsCollector {
	return &statsCollector{
		stats: stats,
		cache: cache,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Accepted requests by routing decision",
			[]string{"route"}, nil,
		),
		modified: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "modified_requests_total"),
			"Intercepted requests whose device id was replaced",
			nil, nil,
		),
		certs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leaf_certificates"),
			"Leaf certificates in the cache by state",
			[]string{"state"}, nil,
		),
		certsMinted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leaf_certificates_minted_total"),
			"Leaf certificates generated since start",
			nil, nil,
		),
		startTime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "start_time_seconds"),
			"Unix time the proxy listener was last started",
			nil, nil,
		),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.modified
	ch <- c.certs
	ch <- c.certsMinted
	ch <- c.startTime
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		if s, ok := c.stats(); ok {
			ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.MitmRequests), "mitm")
			ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.BypassRequests), "bypass")
			ch <- prometheus.MustNewConstMetric(c.modified, prometheus.CounterValue, float64(s.ModifiedRequests))
			if !s.StartTime.IsZero() {
				ch <- prometheus.MustNewConstMetric(c.startTime, prometheus.GaugeValue, float64(s.StartTime.Unix()))
			}
		}
	}

	if c.cache != nil {
		cs := c.cache()
		ch <- prometheus.MustNewConstMetric(c.certs, prometheus.GaugeValue, float64(cs.TotalCertificates), "cached")
		ch <- prometheus.MustNewConstMetric(c.certs, prometheus.GaugeValue, float64(cs.ExpiredCertificates), "expired")
		ch <- prometheus.MustNewConstMetric(c.certs, prometheus.GaugeValue, float64(cs.ExpiringSoon), "expiring_soon")
		ch <- prometheus.MustNewConstMetric(c.certsMinted, prometheus.CounterValue, float64(cs.Minted))
	}
}
