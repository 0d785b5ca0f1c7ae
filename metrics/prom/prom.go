// Package prom exports pakcache metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	c, err := pakcache.New(store, pakcache.WithMetricsCollector(prom.NewCollector(reg)))
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/pakcache"
)

var _ pakcache.MetricsCollector = (*Collector)(nil)

// Collector implements pakcache.MetricsCollector with Prometheus counters
// and histograms labelled by archive.
type Collector struct {
	reads      *prometheus.CounterVec
	readBytes  *prometheus.CounterVec
	readTime   *prometheus.HistogramVec
	ioReads    *prometheus.CounterVec
	ioBytes    *prometheus.CounterVec
	ioTime     *prometheus.HistogramVec
	decodes    *prometheus.CounterVec
	decodeTime *prometheus.HistogramVec
	evictions  *prometheus.CounterVec
	evicted    *prometheus.CounterVec
	integrity  *prometheus.CounterVec
	mounts     *prometheus.CounterVec
}

// Option configures a Collector.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the metric namespace. Defaults to "pakcache".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(b []float64) Option {
	return func(c *config) { c.buckets = b }
}

// NewCollector creates a Collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer, opts ...Option) *Collector {
	cfg := config{
		namespace: "pakcache",
		buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	archive := []string{"archive"}
	withStatus := []string{"archive", "status"}

	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      name,
			Help:      help,
			Buckets:   cfg.buckets,
		}, withStatus)
	}

	c := &Collector{
		reads:      counter("reads_total", "File reads completed.", withStatus),
		readBytes:  counter("read_bytes_total", "Bytes delivered by successful file reads.", archive),
		readTime:   histogram("read_duration_seconds", "Latency of file reads from issue to completion."),
		ioReads:    counter("io_reads_total", "Raw backend reads.", withStatus),
		ioBytes:    counter("io_bytes_total", "Bytes read from the backend.", archive),
		ioTime:     histogram("io_duration_seconds", "Latency of raw backend reads."),
		decodes:    counter("decodes_total", "Blocks decoded.", withStatus),
		decodeTime: histogram("decode_duration_seconds", "Time spent decoding a block."),
		evictions:  counter("evictions_total", "Cached raw blocks evicted.", archive),
		evicted:    counter("evicted_bytes_total", "Bytes freed by evictions.", archive),
		integrity:  counter("integrity_failures_total", "Signature chunk mismatches.", archive),
		mounts:     counter("mounts_total", "Archive mount attempts.", withStatus),
	}

	reg.MustRegister(
		c.reads, c.readBytes, c.readTime,
		c.ioReads, c.ioBytes, c.ioTime,
		c.decodes, c.decodeTime,
		c.evictions, c.evicted,
		c.integrity, c.mounts,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRead implements pakcache.MetricsCollector.
func (c *Collector) RecordRead(archive string, bytes int64, d time.Duration, err error) {
	st := status(err)
	c.reads.WithLabelValues(archive, st).Inc()
	c.readTime.WithLabelValues(archive, st).Observe(d.Seconds())
	if err == nil {
		c.readBytes.WithLabelValues(archive).Add(float64(bytes))
	}
}

// RecordIO implements pakcache.MetricsCollector.
func (c *Collector) RecordIO(archive string, bytes int64, d time.Duration, err error) {
	st := status(err)
	c.ioReads.WithLabelValues(archive, st).Inc()
	c.ioTime.WithLabelValues(archive, st).Observe(d.Seconds())
	if err == nil {
		c.ioBytes.WithLabelValues(archive).Add(float64(bytes))
	}
}

// RecordDecode implements pakcache.MetricsCollector.
func (c *Collector) RecordDecode(archive string, _ int64, d time.Duration, err error) {
	st := status(err)
	c.decodes.WithLabelValues(archive, st).Inc()
	c.decodeTime.WithLabelValues(archive, st).Observe(d.Seconds())
}

// RecordEviction implements pakcache.MetricsCollector.
func (c *Collector) RecordEviction(archive string, bytes int64) {
	c.evictions.WithLabelValues(archive).Inc()
	c.evicted.WithLabelValues(archive).Add(float64(bytes))
}

// RecordIntegrityFailure implements pakcache.MetricsCollector.
func (c *Collector) RecordIntegrityFailure(archive string) {
	c.integrity.WithLabelValues(archive).Inc()
}

// RecordMount implements pakcache.MetricsCollector.
func (c *Collector) RecordMount(archive string, err error) {
	c.mounts.WithLabelValues(archive, status(err)).Inc()
}
