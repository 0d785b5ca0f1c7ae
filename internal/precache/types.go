package precache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/pakcache/internal/arena"
	"github.com/hupe1980/pakcache/internal/resource"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("precache: scheduler closed")
	// ErrShortRead is reported when a raw read returns fewer bytes than asked.
	ErrShortRead = errors.New("precache: short read")
	// ErrBusy is returned by CloseArchive while requests are outstanding.
	ErrBusy = errors.New("precache: archive has outstanding requests")
	// ErrTooManyArchives is reported when all archive slots are in use.
	ErrTooManyArchives = errors.New("precache: too many open archives")
	// ErrCapacityExhausted is returned when Config.MaxRequests is reached or
	// a request cannot fit under the memory ceiling.
	ErrCapacityExhausted = arena.ErrCapacityExhausted
)

// Priority orders waiting requests. Higher values are serviced first.
type Priority int8

const (
	PriorityPrecache Priority = iota
	PriorityLow
	PriorityBelowNormal
	PriorityNormal
	PriorityHigh
	PriorityCriticalPath

	numPriorities = int(PriorityCriticalPath) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityPrecache:
		return "precache"
	case PriorityLow:
		return "low"
	case PriorityBelowNormal:
		return "below_normal"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCriticalPath:
		return "critical_path"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p >= PriorityPrecache && p <= PriorityCriticalPath }

// State is the lifecycle state of a request.
type State uint8

const (
	// StateWaiting requests have bytes no block covers yet.
	StateWaiting State = iota
	// StateInFlight requests are fully covered by in-flight or complete blocks.
	StateInFlight
	// StateComplete requests are fully covered by complete blocks.
	StateComplete
	// StateCanceled requests could not register their archive.
	StateCanceled
	// StateFailed requests overlapped a block whose raw read failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateInFlight:
		return "in_flight"
	case StateComplete:
		return "complete"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// RequestID identifies a queued request. The zero value is never valid.
type RequestID arena.Handle

func (id RequestID) String() string { return arena.Handle(id).String() }

// Callback is invoked once per request when it reaches StateComplete (ok)
// or a terminal failure state (!ok). It runs without the scheduler lock held.
type Callback func(id RequestID, ok bool)

// RawIO opens archives for asynchronous positional reads.
type RawIO interface {
	Open(ctx context.Context, name string) (RawFile, error)
}

// RawFile is an open archive.
type RawFile interface {
	Size() int64
	// IssueRead starts reading size bytes at off. done is called exactly
	// once, from any goroutine, with a buffer the callee no longer uses.
	IssueRead(off, size int64, done func(data []byte, err error))
	Close() error
}

// Observer receives scheduler events. Methods are called with the scheduler
// lock held and must not block.
type Observer interface {
	OnIOIssued(archive string, offset, size int64)
	OnIOCompleted(archive string, size int64, d time.Duration, err error)
	OnBlockEvicted(archive string, size int64)
}

// NoopObserver ignores all events.
type NoopObserver struct{}

func (NoopObserver) OnIOIssued(string, int64, int64)                    {}
func (NoopObserver) OnIOCompleted(string, int64, time.Duration, error) {}
func (NoopObserver) OnBlockEvicted(string, int64)                       {}

// Config holds scheduler tunables.
type Config struct {
	// Granularity is the block alignment unit. Must be a power of two.
	// Default 64 KiB.
	Granularity int64
	// MaxRequestSize bounds a single raw read. Rounded up to Granularity.
	// Default 1 MiB.
	MaxRequestSize int64
	// MaxConcurrentIO bounds outstanding raw reads. Default 2.
	MaxConcurrentIO int
	// RetainedBlocks is the length of the unreferenced block FIFO.
	// Negative disables retention. Default 10.
	RetainedBlocks int
	// MaxPrioritySpread is how many levels below the scheduled priority a
	// waiting request may be and still be coalesced into the read. Default 2.
	MaxPrioritySpread int
	// MaxRequests caps live requests. 0 means unbounded.
	MaxRequests int
	// Resources accounts block memory. nil means untracked.
	Resources *resource.Controller
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Granularity:       64 << 10,
		MaxRequestSize:    1 << 20,
		MaxConcurrentIO:   2,
		RetainedBlocks:    10,
		MaxPrioritySpread: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Granularity <= 0 {
		c.Granularity = d.Granularity
	}
	if c.Granularity&(c.Granularity-1) != 0 {
		panic(fmt.Sprintf("precache: granularity %d is not a power of two", c.Granularity))
	}
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	c.MaxRequestSize = (c.MaxRequestSize + c.Granularity - 1) &^ (c.Granularity - 1)
	if c.MaxConcurrentIO <= 0 {
		c.MaxConcurrentIO = d.MaxConcurrentIO
	}
	if c.RetainedBlocks == 0 {
		c.RetainedBlocks = d.RetainedBlocks
	} else if c.RetainedBlocks < 0 {
		c.RetainedBlocks = 0
	}
	if c.MaxPrioritySpread < 0 {
		c.MaxPrioritySpread = 0
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Archives         int
	WaitingRequests  int
	InFlightRequests int
	CompleteRequests int
	FailedRequests   int
	InFlightBlocks   int
	CompleteBlocks   int
	RetainedBlocks   int
	CachedBytes      int64
	IOIssued         uint64
	IOFailed         uint64
	BytesRead        uint64
	Evictions        uint64
}
