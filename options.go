package pakcache

import (
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/hupe1980/pakcache/internal/decode"
	"github.com/hupe1980/pakcache/internal/precache"
)

type options struct {
	metricsCollector   MetricsCollector
	logger             *Logger
	scheduler          precache.Config
	memoryLimit        int64
	maxConcurrentReads int64
	ioLimit            int64
	decodeWorkers      int
	keys               map[string][]byte
	embeddedKey        func() ([]byte, error)
	strictIntegrity    bool
	rawBlockSize       int64
	breaker            gobreaker.Settings
}

// Option configures a Cache.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &pakcache.BasicMetricsCollector{}
//	c, _ := pakcache.New(store, pakcache.WithMetricsCollector(metrics))
//	// ... use c ...
//	stats := metrics.GetStats()
//	fmt.Printf("Reads: %d, Avg latency: %dns\n", stats.ReadCount, stats.ReadAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := pakcache.NewJSONLogger(slog.LevelInfo)
//	c, _ := pakcache.New(store, pakcache.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithGranularity sets the alignment unit of cached raw blocks. It must be a
// power of two. Default 64 KiB.
func WithGranularity(n int64) Option {
	return func(o *options) {
		o.scheduler.Granularity = n
	}
}

// WithMaxRequestSize bounds a single backend read. Default 1 MiB.
func WithMaxRequestSize(n int64) Option {
	return func(o *options) {
		o.scheduler.MaxRequestSize = n
	}
}

// WithMaxConcurrentIO bounds the raw reads the scheduler keeps in flight.
// Default 2.
func WithMaxConcurrentIO(n int) Option {
	return func(o *options) {
		o.scheduler.MaxConcurrentIO = n
	}
}

// WithRetainedBlocks sets how many unreferenced raw blocks stay cached.
// Negative disables retention. Default 10.
func WithRetainedBlocks(n int) Option {
	return func(o *options) {
		o.scheduler.RetainedBlocks = n
	}
}

// WithMaxPrioritySpread sets how many priority levels below the scheduled
// one a waiting read may be and still share its backend read. Default 2.
func WithMaxPrioritySpread(n int) Option {
	return func(o *options) {
		o.scheduler.MaxPrioritySpread = n
	}
}

// WithMaxRequests caps outstanding raw requests. Reads beyond the cap fail
// with ErrCapacityExhausted. 0 means unbounded.
func WithMaxRequests(n int) Option {
	return func(o *options) {
		o.scheduler.MaxRequests = n
	}
}

// WithMemoryLimit caps the memory held by cached raw blocks. When reached,
// new backend reads wait for memory to be released instead of failing.
// 0 means unbounded.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithMaxConcurrentReads bounds backend reads across all archives.
// Default 16.
func WithMaxConcurrentReads(n int64) Option {
	return func(o *options) {
		o.maxConcurrentReads = n
	}
}

// WithIORateLimit caps backend read throughput in bytes per second.
// 0 means unlimited.
func WithIORateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithDecodeWorkers sets the number of goroutines that verify, decrypt and
// decompress blocks. Default GOMAXPROCS.
func WithDecodeWorkers(n int) Option {
	return func(o *options) {
		o.decodeWorkers = n
	}
}

// WithKey registers a 32-byte AES key under id. The empty id sets the
// embedded key used by entries without a key id.
func WithKey(id string, key []byte) Option {
	return func(o *options) {
		if o.keys == nil {
			o.keys = make(map[string][]byte)
		}
		o.keys[id] = key
	}
}

// WithEmbeddedKeyResolver sets a function that produces the embedded key the
// first time an entry without a key id is decrypted.
func WithEmbeddedKeyResolver(fn func() ([]byte, error)) Option {
	return func(o *options) {
		o.embeddedKey = fn
	}
}

// WithStrictIntegrity fails reads of data whose hash does not match the
// archive's signature table. By default mismatches are reported through
// SubscribeIntegrity and the data is returned anyway.
func WithStrictIntegrity() Option {
	return func(o *options) {
		o.strictIntegrity = true
	}
}

// WithRawBlockSize sets the block size used to read uncompressed entries.
// It must be a positive multiple of 16. Default 64 KiB.
func WithRawBlockSize(n int64) Option {
	return func(o *options) {
		o.rawBlockSize = n
	}
}

// WithCircuitBreaker configures the circuit breaker guarding backend reads.
func WithCircuitBreaker(st gobreaker.Settings) Option {
	return func(o *options) {
		o.breaker = st
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		scheduler:        precache.DefaultConfig(),
		rawBlockSize:     decode.DefaultRawBlockSize,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) validate() error {
	if g := o.scheduler.Granularity; g <= 0 || g&(g-1) != 0 {
		return fmt.Errorf("%w: granularity %d is not a positive power of two", ErrInvalidConfig, g)
	}
	if o.scheduler.MaxRequestSize < 0 || o.scheduler.MaxConcurrentIO < 0 || o.scheduler.MaxRequests < 0 {
		return fmt.Errorf("%w: negative scheduler limit", ErrInvalidConfig)
	}
	if o.memoryLimit < 0 || o.ioLimit < 0 || o.maxConcurrentReads < 0 {
		return fmt.Errorf("%w: negative resource limit", ErrInvalidConfig)
	}
	if o.rawBlockSize <= 0 || o.rawBlockSize%16 != 0 {
		return fmt.Errorf("%w: raw block size %d is not a positive multiple of 16", ErrInvalidConfig, o.rawBlockSize)
	}
	if o.memoryLimit > 0 && o.memoryLimit < o.scheduler.MaxRequestSize {
		return fmt.Errorf("%w: memory limit %d below max request size %d", ErrInvalidConfig, o.memoryLimit, o.scheduler.MaxRequestSize)
	}
	return nil
}
