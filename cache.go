package pakcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pakcache/blobstore"
	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/decode"
	"github.com/hupe1980/pakcache/internal/precache"
	"github.com/hupe1980/pakcache/internal/rawio"
	"github.com/hupe1980/pakcache/internal/resource"
	"github.com/hupe1980/pakcache/internal/workpool"
	"github.com/hupe1980/pakcache/pak"
)

// IntegrityEvent describes an archive chunk whose hash did not match the
// archive's signature table.
type IntegrityEvent = decode.IntegrityEvent

// Cache reads files out of mounted archives. It is safe for concurrent use.
type Cache struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector

	rc      *resource.Controller
	adapter *rawio.Adapter
	sched   *precache.Scheduler
	pool    *workpool.Pool
	keys    *crypt.Registry

	mu      sync.RWMutex
	closed  bool
	mounts  map[string]*mount
	files   map[*File]struct{}
	subs    map[uint64]func(IntegrityEvent)
	nextSub uint64

	integrityFailures uint64

	closeOnce sync.Once
	closeErr  error
}

type mount struct {
	archive *pak.Archive
	size    int64
	files   int
}

// New creates a cache reading archives from store.
func New(store blobstore.BlobStore, optFns ...Option) (*Cache, error) {
	o := applyOptions(optFns)
	if err := o.validate(); err != nil {
		return nil, err
	}

	keys := crypt.NewRegistry()
	for id, k := range o.keys {
		if err := keys.Register(id, k); err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidConfig, id, err)
		}
	}
	if fn := o.embeddedKey; fn != nil {
		keys.SetEmbeddedResolver(func() (crypt.Key, error) {
			b, err := fn()
			if err != nil {
				return crypt.Key{}, err
			}
			if len(b) != crypt.KeySize {
				return crypt.Key{}, fmt.Errorf("%w: got %d", crypt.ErrInvalidKeySize, len(b))
			}
			var k crypt.Key
			copy(k[:], b)
			return k, nil
		})
	}

	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:   o.memoryLimit,
		MaxConcurrentReads: o.maxConcurrentReads,
		IOLimitBytesPerSec: o.ioLimit,
	})

	c := &Cache{
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
		rc:      rc,
		keys:    keys,
		mounts:  make(map[string]*mount),
		files:   make(map[*File]struct{}),
		subs:    make(map[uint64]func(IntegrityEvent)),
	}

	c.adapter = rawio.New(store, rawio.Options{
		Resources: rc,
		Breaker:   o.breaker,
		Logger:    o.logger.Logger,
	})

	cfg := o.scheduler
	cfg.Resources = rc
	c.sched = precache.New(c.adapter, cfg,
		precache.WithLogger(o.logger.Logger),
		precache.WithObserver(&observer{c: c}),
	)
	c.pool = workpool.New(o.decodeWorkers)

	return c, nil
}

// Mount makes archive readable. The backing blob is opened to learn its
// size; the archive's directory is used as is.
func (c *Cache) Mount(archive *pak.Archive) error {
	if archive == nil || archive.Name == "" || archive.Directory == nil {
		return fmt.Errorf("%w: archive needs a name and a directory", ErrInvalidConfig)
	}
	ctx := context.Background()

	c.mu.RLock()
	closed := c.closed
	_, exists := c.mounts[archive.Name]
	c.mu.RUnlock()
	switch {
	case closed:
		return ErrClosed
	case exists:
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, archive.Name)
	}

	size, err := c.sched.Register(archive.Name)
	if err != nil {
		err = translateError(err)
		c.metrics.RecordMount(archive.Name, err)
		c.logger.LogMount(ctx, archive.Name, 0, 0, err)
		return fmt.Errorf("pakcache: mount %s: %w", archive.Name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.mounts[archive.Name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, archive.Name)
	}
	c.mounts[archive.Name] = &mount{archive: archive, size: size}
	c.mu.Unlock()

	c.metrics.RecordMount(archive.Name, nil)
	c.logger.LogMount(ctx, archive.Name, size, archive.Directory.Len(), nil)
	return nil
}

// Unmount forgets an archive and closes its backend handle. It fails with
// ErrBusy while files of the archive are open or reads are outstanding.
func (c *Cache) Unmount(name string) error {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	m, ok := c.mounts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMounted, name)
	}
	if m.files > 0 {
		err := fmt.Errorf("%w: %s has %d open files", ErrBusy, name, m.files)
		c.logger.LogUnmount(ctx, name, err)
		return err
	}
	if err := c.sched.CloseArchive(name); err != nil {
		err = translateError(err)
		c.logger.LogUnmount(ctx, name, err)
		return err
	}
	delete(c.mounts, name)
	c.logger.LogUnmount(ctx, name, nil)
	return nil
}

// Mounted returns the names of the mounted archives.
func (c *Cache) Mounted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.mounts))
	for name := range c.mounts {
		names = append(names, name)
	}
	return names
}

// Open opens the file at path in the mounted archive.
func (c *Cache) Open(archive, path string) (*File, error) {
	ctx := context.Background()
	f, err := c.open(archive, path)
	c.logger.LogOpen(ctx, archive, path, err)
	return f, err
}

func (c *Cache) open(archive, path string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	m, ok := c.mounts[archive]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMounted, archive)
	}
	entry, ok := m.archive.Directory.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrFileNotFound, path, archive)
	}

	r, err := decode.NewReader(c.sched, c.pool, decode.File{
		Archive:     archive,
		ArchiveSize: m.size,
		Entry:       entry,
		Signatures:  m.archive.Signatures,
	},
		decode.WithKeys(c.keys),
		decode.WithStrictIntegrity(c.opts.strictIntegrity),
		decode.WithRawBlockSize(c.opts.rawBlockSize),
		decode.WithLogger(c.logger.WithArchive(archive).WithPath(path).Logger),
		decode.WithObserver(&observer{c: c}),
	)
	if err != nil {
		return nil, translateError(err)
	}

	f := &File{c: c, m: m, archive: archive, path: path, reader: r}
	m.files++
	c.files[f] = struct{}{}
	return f, nil
}

// ReadFile reads a whole file at the given priority.
func (c *Cache) ReadFile(ctx context.Context, archive, path string, prio Priority) ([]byte, error) {
	f, err := c.Open(archive, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	req := f.Read(0, f.Size(), prio, nil)
	if err := req.WaitContext(ctx); err != nil {
		req.Cancel()
		return nil, err
	}
	return req.Bytes(), nil
}

// Prefetch reads the given files at PriorityPrecache so their raw blocks are
// fetched ahead of use. At most parallel files are read at once.
func (c *Cache) Prefetch(ctx context.Context, archive string, parallel int, paths ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, p := range paths {
		g.Go(func() error {
			_, err := c.ReadFile(ctx, archive, p, PriorityPrecache)
			return err
		})
	}
	err := g.Wait()
	c.logger.LogPrefetch(ctx, archive, len(paths), err)
	return err
}

// SetMinimumPriority holds back reads below p. Lowering it resumes them.
func (c *Cache) SetMinimumPriority(p Priority) {
	c.sched.SetMinimumPriority(p)
}

// MinimumPriority returns the current minimum priority.
func (c *Cache) MinimumPriority() Priority {
	return c.sched.MinimumPriority()
}

// SubscribeIntegrity registers fn for integrity events and returns a
// function that removes it. fn runs on a decode worker and must not block.
func (c *Cache) SubscribeIntegrity(fn func(IntegrityEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache) publishIntegrity(ev IntegrityEvent) {
	c.mu.Lock()
	c.integrityFailures++
	subs := make([]func(IntegrityEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Stats is a point-in-time snapshot of cache state.
type Stats struct {
	MountedArchives   int
	OpenFiles         int
	WaitingRequests   int
	InFlightRequests  int
	CompleteRequests  int
	FailedRequests    int
	InFlightBlocks    int
	CachedBlocks      int
	RetainedBlocks    int
	CachedBytes       int64
	DecodedBlocks     int
	DecodedBytes      int64
	MemoryUsage       int64
	IOIssued          uint64
	IOFailed          uint64
	BytesRead         uint64
	Evictions         uint64
	IntegrityFailures uint64
	PendingDecodes    int
	BreakerState      string
}

// Stats returns a snapshot of the cache's state.
func (c *Cache) Stats() Stats {
	st := c.sched.Stats()
	s := Stats{
		WaitingRequests:  st.WaitingRequests,
		InFlightRequests: st.InFlightRequests,
		CompleteRequests: st.CompleteRequests,
		FailedRequests:   st.FailedRequests,
		InFlightBlocks:   st.InFlightBlocks,
		CachedBlocks:     st.CompleteBlocks,
		RetainedBlocks:   st.RetainedBlocks,
		CachedBytes:      st.CachedBytes,
		MemoryUsage:      c.rc.MemoryUsage(),
		IOIssued:         st.IOIssued,
		IOFailed:         st.IOFailed,
		BytesRead:        st.BytesRead,
		Evictions:        st.Evictions,
		PendingDecodes:   c.pool.Pending(),
		BreakerState:     c.adapter.BreakerState().String(),
	}

	c.mu.RLock()
	s.MountedArchives = len(c.mounts)
	s.OpenFiles = len(c.files)
	s.IntegrityFailures = c.integrityFailures
	files := make([]*File, 0, len(c.files))
	for f := range c.files {
		files = append(files, f)
	}
	c.mu.RUnlock()

	for _, f := range files {
		blocks, bytes := f.reader.Resident()
		s.DecodedBlocks += blocks
		s.DecodedBytes += bytes
	}
	return s
}

// Close fails outstanding reads, waits for backend reads and decode work to
// drain, and releases every archive. Only the first call does work; later
// calls return its result.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
		c.logger.LogClose(ctx, c.closeErr)
	})
	return c.closeErr
}

func (c *Cache) close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	files := make([]*File, 0, len(c.files))
	for f := range c.files {
		files = append(files, f)
	}
	c.mu.Unlock()

	for _, f := range files {
		_ = f.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.sched.Close(gctx)
	})
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			c.pool.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	err := g.Wait()

	if cerr := c.adapter.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}

	c.mu.Lock()
	c.mounts = make(map[string]*mount)
	c.mu.Unlock()
	return err
}

// BreakerState reports the backend circuit breaker state.
func (c *Cache) BreakerState() gobreaker.State {
	return c.adapter.BreakerState()
}

// observer forwards scheduler and decode events to the metrics collector
// and integrity subscribers.
type observer struct {
	c *Cache
}

func (o *observer) OnIOIssued(string, int64, int64) {}

func (o *observer) OnIOCompleted(archive string, size int64, d time.Duration, err error) {
	o.c.metrics.RecordIO(archive, size, d, err)
}

func (o *observer) OnBlockEvicted(archive string, size int64) {
	o.c.metrics.RecordEviction(archive, size)
}

func (o *observer) OnBlockDecoded(archive string, _, decoded int64, d time.Duration) {
	o.c.metrics.RecordDecode(archive, decoded, d, nil)
}

func (o *observer) OnDecodeFailed(archive string, err error) {
	o.c.metrics.RecordDecode(archive, 0, 0, err)
}

func (o *observer) OnIntegrityFailure(ev IntegrityEvent) {
	o.c.metrics.RecordIntegrityFailure(ev.Archive)
	o.c.publishIntegrity(ev)
}

func (o *observer) OnReadCompleted(archive string, bytes int64, d time.Duration, err error) {
	o.c.metrics.RecordRead(archive, bytes, d, translateError(err))
}

var (
	_ precache.Observer = (*observer)(nil)
	_ decode.Observer   = (*observer)(nil)
)
