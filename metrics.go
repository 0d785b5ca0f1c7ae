package pakcache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/prom package provides a Prometheus implementation.
//
// Methods are called from reader, scheduler and backend goroutines and must
// be safe for concurrent use. They must not call back into the cache.
type MetricsCollector interface {
	// RecordRead is called once per finished file read. bytes is the
	// requested length; err is nil if the read succeeded.
	RecordRead(archive string, bytes int64, duration time.Duration, err error)

	// RecordIO is called after each raw backend read.
	RecordIO(archive string, bytes int64, duration time.Duration, err error)

	// RecordDecode is called after each block decode. bytes is the decoded
	// size.
	RecordDecode(archive string, bytes int64, duration time.Duration, err error)

	// RecordEviction is called when an unreferenced cached block is freed.
	RecordEviction(archive string, bytes int64)

	// RecordIntegrityFailure is called for each chunk hash mismatch.
	RecordIntegrityFailure(archive string)

	// RecordMount is called after each mount attempt.
	RecordMount(archive string, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(string, int64, time.Duration, error)   {}
func (NoopMetricsCollector) RecordIO(string, int64, time.Duration, error)     {}
func (NoopMetricsCollector) RecordDecode(string, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordEviction(string, int64)                     {}
func (NoopMetricsCollector) RecordIntegrityFailure(string)                    {}
func (NoopMetricsCollector) RecordMount(string, error)                        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount         atomic.Int64
	ReadErrors        atomic.Int64
	ReadBytes         atomic.Int64
	ReadTotalNanos    atomic.Int64
	IOCount           atomic.Int64
	IOErrors          atomic.Int64
	IOBytes           atomic.Int64
	IOTotalNanos      atomic.Int64
	DecodeCount       atomic.Int64
	DecodeErrors      atomic.Int64
	DecodeBytes       atomic.Int64
	Evictions         atomic.Int64
	EvictedBytes      atomic.Int64
	IntegrityFailures atomic.Int64
	MountCount        atomic.Int64
	MountErrors       atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(_ string, bytes int64, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
		return
	}
	b.ReadBytes.Add(bytes)
}

// RecordIO implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIO(_ string, bytes int64, duration time.Duration, err error) {
	b.IOCount.Add(1)
	b.IOTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.IOErrors.Add(1)
		return
	}
	b.IOBytes.Add(bytes)
}

// RecordDecode implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDecode(_ string, bytes int64, _ time.Duration, err error) {
	b.DecodeCount.Add(1)
	if err != nil {
		b.DecodeErrors.Add(1)
		return
	}
	b.DecodeBytes.Add(bytes)
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(_ string, bytes int64) {
	b.Evictions.Add(1)
	b.EvictedBytes.Add(bytes)
}

// RecordIntegrityFailure implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIntegrityFailure(string) {
	b.IntegrityFailures.Add(1)
}

// RecordMount implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMount(_ string, err error) {
	b.MountCount.Add(1)
	if err != nil {
		b.MountErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadCount:         b.ReadCount.Load(),
		ReadErrors:        b.ReadErrors.Load(),
		ReadBytes:         b.ReadBytes.Load(),
		ReadAvgNanos:      avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		IOCount:           b.IOCount.Load(),
		IOErrors:          b.IOErrors.Load(),
		IOBytes:           b.IOBytes.Load(),
		IOAvgNanos:        avg(b.IOTotalNanos.Load(), b.IOCount.Load()),
		DecodeCount:       b.DecodeCount.Load(),
		DecodeErrors:      b.DecodeErrors.Load(),
		DecodeBytes:       b.DecodeBytes.Load(),
		Evictions:         b.Evictions.Load(),
		EvictedBytes:      b.EvictedBytes.Load(),
		IntegrityFailures: b.IntegrityFailures.Load(),
		MountCount:        b.MountCount.Load(),
		MountErrors:       b.MountErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadCount         int64
	ReadErrors        int64
	ReadBytes         int64
	ReadAvgNanos      int64
	IOCount           int64
	IOErrors          int64
	IOBytes           int64
	IOAvgNanos        int64
	DecodeCount       int64
	DecodeErrors      int64
	DecodeBytes       int64
	Evictions         int64
	EvictedBytes      int64
	IntegrityFailures int64
	MountCount        int64
	MountErrors       int64
}
