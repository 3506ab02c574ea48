package xget

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xget-dev/xget/internal/xhttp"
	"github.com/xget-dev/xget/internal/xlog"
)

// MiddlewareFunc computes a value from the loaded metadata and registers
// it in the shared Store under its tag.
type MiddlewareFunc func(ctx context.Context, load LoadData) (any, error)

type fetcherState int32

const (
	stateConstructed fetcherState = iota
	stateProbing
	stateLoaded
	stateRunning
	stateEnded
	stateErrored
	stateDestroyed
)

type fetcherConfig struct {
	chunks      int
	retries     int
	timeout     time.Duration
	start       int64
	size        int64
	hashAlgo    string
	cache       bool
	cacheSize   int64
	reallocate  bool
	noWarn      bool
	auto        bool
	transforms  []taggedFactory
	middlewares []struct {
		tag string
		fn  MiddlewareFunc
	}
	headHandler HeadHandlerFunc
	httpConfig  xhttp.ClientConfig
	logger      zerolog.Logger
}

func defaultConfig() *fetcherConfig {
	return &fetcherConfig{
		chunks:    5,
		retries:   5,
		timeout:   10 * time.Second,
		start:     0,
		size:      Unknown,
		cache:     true,
		cacheSize: DefaultMaxCapacity,
		auto:      true,
		logger:    xlog.Nop(),
	}
}

// Option configures a Fetcher at construction time.
type Option func(*fetcherConfig) error

func WithChunks(n int) Option {
	return func(c *fetcherConfig) error {
		if n < 1 {
			return &InvalidOption{Name: "chunks", Reason: "must be at least 1"}
		}
		c.chunks = n
		return nil
	}
}

// WithRetries sets the per-segment and meta retry cap. n < 0 means unlimited.
func WithRetries(n int) Option {
	return func(c *fetcherConfig) error {
		c.retries = n
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *fetcherConfig) error {
		if d < 0 {
			return &InvalidOption{Name: "timeout", Reason: "must be non-negative"}
		}
		c.timeout = d
		return nil
	}
}

func WithStart(n int64) Option {
	return func(c *fetcherConfig) error {
		if n < 0 {
			return &InvalidOption{Name: "start", Reason: "must be non-negative"}
		}
		c.start = n
		return nil
	}
}

// WithSize caps the number of bytes consumed after start. Unknown (-1)
// means derive it from the probed total size.
func WithSize(n int64) Option {
	return func(c *fetcherConfig) error {
		c.size = n
		return nil
	}
}

func WithHash(algo string) Option {
	return func(c *fetcherConfig) error {
		if _, err := newHasher(algo); err != nil {
			return err
		}
		c.hashAlgo = algo
		return nil
	}
}

func WithCache(enabled bool) Option {
	return func(c *fetcherConfig) error {
		c.cache = enabled
		return nil
	}
}

func WithCacheSize(n int64) Option {
	return func(c *fetcherConfig) error {
		if n <= 0 {
			return &InvalidOption{Name: "cacheSize", Reason: "must be positive"}
		}
		c.cacheSize = n
		return nil
	}
}

// WithReallocate switches the reassembly buffer's overflow-split policy;
// see Buffer's admit algorithm.
func WithReallocate(enabled bool) Option {
	return func(c *fetcherConfig) error {
		c.reallocate = enabled
		return nil
	}
}

func WithNoCapacityWarning(enabled bool) Option {
	return func(c *fetcherConfig) error {
		c.noWarn = enabled
		return nil
	}
}

func WithAuto(auto bool) Option {
	return func(c *fetcherConfig) error {
		c.auto = auto
		return nil
	}
}

func WithTransformer(tag string, fn TransformerFactory) Option {
	return func(c *fetcherConfig) error {
		c.transforms = append(c.transforms, taggedFactory{tag: tag, fn: fn})
		return nil
	}
}

func WithMiddleware(tag string, fn MiddlewareFunc) Option {
	return func(c *fetcherConfig) error {
		c.middlewares = append(c.middlewares, struct {
			tag string
			fn  MiddlewareFunc
		}{tag, fn})
		return nil
	}
}

func WithHeadHandler(fn HeadHandlerFunc) Option {
	return func(c *fetcherConfig) error {
		c.headHandler = fn
		return nil
	}
}

func WithHTTPClientConfig(cfg xhttp.ClientConfig) Option {
	return func(c *fetcherConfig) error {
		c.httpConfig = cfg
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *fetcherConfig) error {
		c.logger = l
		return nil
	}
}

// WithRandomUserAgent picks a User-Agent per request from a fixed pool
// (desktop browsers plus curl and Wget).
func WithRandomUserAgent() Option {
	return func(c *fetcherConfig) error {
		c.httpConfig.UserAgent = "randomize"
		return nil
	}
}

// Fetcher is the Orchestrator of a single chunked retrieval: it owns the
// probe, the segment sources, the reassembly buffer, and the transform and
// hash pipeline, and exposes the merged result as an io.Reader.
type Fetcher struct {
	ID  string
	url string
	cfg *fetcherConfig

	ctx    context.Context
	cancel context.CancelFunc

	client *xhttp.Client
	log    zerolog.Logger
	store  *Store
	hash   *hasher

	events     chan Event
	eventsOnce sync.Once

	mu        sync.Mutex
	state     fetcherState
	started   bool
	requested bool
	errCause  error

	load     *LoadData
	buffer   *Buffer
	segments []*source
	wg       sync.WaitGroup

	readSlot  int
	pending   []byte
	pendingAt int

	seqSource *source
	seqReader io.Reader
	seqDone   chan struct{}

	consumerReady chan struct{}
}

// New constructs a Fetcher for url. Probing begins immediately unless
// WithAuto(false) is supplied, in which case it begins on Start or on the
// first Read/WriteTo.
func New(ctx context.Context, url string, opts ...Option) (*Fetcher, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.chunks > 5 {
		cfg.httpConfig.HighThreadMode = true
	}
	fctx, cancel := context.WithCancel(ctx)

	var h *hasher
	if cfg.hashAlgo != "" {
		hh, err := newHasher(cfg.hashAlgo)
		if err != nil {
			cancel()
			return nil, err
		}
		h = hh
	}

	f := &Fetcher{
		ID:     uuid.NewString(),
		url:    url,
		cfg:    cfg,
		ctx:    fctx,
		cancel: cancel,
		client: xhttp.New(cfg.httpConfig),
		log:    cfg.logger,
		store:  newStore(),
		hash:   h,
		events: make(chan Event, 64),
	}
	f.log = f.log.With().Str("id", f.ID).Logger()

	if cfg.auto {
		f.Start()
	}
	return f, nil
}

// Start begins probing when auto was disabled. A second call is a no-op.
func (f *Fetcher) Start() bool {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return false
	}
	f.started = true
	f.state = stateProbing
	f.mu.Unlock()

	go f.run()
	return true
}

// Use registers a per-segment transformer factory. Permitted only before
// the probe completes.
func (f *Fetcher) Use(tag string, fn TransformerFactory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateConstructed && f.state != stateProbing {
		return &InvalidOption{Name: "use", Reason: "instance already loaded"}
	}
	f.cfg.transforms = append(f.cfg.transforms, taggedFactory{tag: tag, fn: fn})
	return nil
}

// With registers a middleware. Permitted only before the probe completes.
func (f *Fetcher) With(tag string, fn MiddlewareFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateConstructed && f.state != stateProbing {
		return &InvalidOption{Name: "with", Reason: "instance already loaded"}
	}
	f.cfg.middlewares = append(f.cfg.middlewares, struct {
		tag string
		fn  MiddlewareFunc
	}{tag, fn})
	return nil
}

// SetHeadHandler replaces the probe interceptor. Returns false once the
// probe has already completed.
func (f *Fetcher) SetHeadHandler(fn HeadHandlerFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateConstructed && f.state != stateProbing {
		return false
	}
	f.cfg.headHandler = fn
	return true
}

// Events returns the Fetcher's ordered event stream.
func (f *Fetcher) Events() <-chan Event {
	return f.events
}

// emit sends e on the event stream. It recovers from a send on a channel
// already closed by a terminal transition racing with a retry callback:
// the event is simply dropped, since no consumer can still be ranging
// over a closed channel expecting more values.
func (f *Fetcher) emit(e Event) {
	defer func() { recover() }()
	select {
	case f.events <- e:
	case <-f.ctx.Done():
	}
}

// run drives probe -> middleware -> plan -> segment dispatch. It is the
// single goroutine responsible for every state transition up to Running.
func (f *Fetcher) run() {
	res, err := probe(f.ctx, f.client, f.url, f.cfg.retries, f.onRetry(0, true), f.log)
	if err != nil {
		f.fail(err)
		return
	}

	start := f.cfg.start
	if !res.acceptsRanges {
		start = 0
	}
	if f.cfg.headHandler != nil {
		if offset, ok := f.cfg.headHandler(HeaderSlice{
			Chunks:        f.cfg.chunks,
			Headers:       res.headers,
			TotalSize:     res.totalSize,
			AcceptsRanges: res.acceptsRanges,
		}); ok && offset >= 0 {
			start = offset
			if !res.acceptsRanges {
				start = 0
			}
		}
	}

	size := Unknown
	if res.totalSize != Unknown {
		size = res.totalSize - start
	}
	if f.cfg.size != Unknown {
		if size == Unknown || f.cfg.size < size {
			size = f.cfg.size
		}
	}

	chunkable := res.acceptsRanges && res.totalSize != Unknown
	plan, err := planRanges(start, size, f.cfg.chunks, chunkable)
	if err != nil {
		f.fail(err)
		return
	}

	load := &LoadData{
		URL:       f.url,
		Start:     start,
		TotalSize: res.totalSize,
		Size:      size,
		Chunkable: chunkable,
		Headers:   res.headers,
		Plan:      plan,
	}

	f.mu.Lock()
	f.load = load
	f.state = stateLoaded
	f.mu.Unlock()

	f.emit(Event{Kind: EventLoaded, Load: load})

	if err := f.runMiddleware(load); err != nil {
		f.fail(err)
		return
	}
	f.store.seal()
	f.emit(Event{Kind: EventSet})

	if len(plan) == 0 {
		f.finish()
		return
	}

	f.waitForConsumer()
	if f.ctx.Err() != nil {
		return
	}

	f.mu.Lock()
	f.state = stateRunning
	f.mu.Unlock()

	if f.cfg.cache {
		f.runParallel(plan)
	} else {
		f.runSequential(plan)
	}
}

func (f *Fetcher) runMiddleware(load *LoadData) error {
	for _, m := range f.cfg.middlewares {
		v, err := m.fn(f.ctx, *load)
		if err != nil {
			return &MiddlewareError{Tag: m.tag, Cause: err}
		}
		f.store.set(m.tag, v)
	}
	return nil
}

// waitForConsumer blocks segment dispatch until the first Read/WriteTo
// call, so listeners attached after construction still observe `loaded`
// and `set` before any byte flows.
func (f *Fetcher) waitForConsumer() {
	f.mu.Lock()
	if f.requested {
		f.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	f.consumerReady = ch
	f.mu.Unlock()

	select {
	case <-ch:
	case <-f.ctx.Done():
	}
}

func (f *Fetcher) markRequested() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requested {
		return
	}
	f.requested = true
	if f.consumerReady != nil {
		close(f.consumerReady)
	}
}

func (f *Fetcher) runParallel(plan Plan) {
	f.buffer = newBuffer(len(plan), BufferConfig{
		MaxCapacity: f.cfg.cacheSize,
		Reallocate:  f.cfg.reallocate,
		NoWarn:      f.cfg.noWarn,
	}, f.log)
	f.segments = make([]*source, len(plan))
	f.wg.Add(len(plan))
	for i, rng := range plan {
		src := newSource(f.ctx, i, rng, f.url, f.client, f.cfg.retries, f.load.Chunkable, f.cfg.timeout, f.onRetry(i, false), f.log)
		f.segments[i] = src
		go f.runSegment(i, rng, src)
	}
	go func() {
		f.wg.Wait()
		if f.ctx.Err() == nil {
			f.finish()
		}
	}()
}

func (f *Fetcher) runSegment(index int, rng Range, src *source) {
	defer f.wg.Done()
	h := &SegmentHandle{Index: index, Range: rng}
	out, err := buildPipeline(h, f.store, f.cfg.transforms, src)
	if err != nil {
		f.fail(err)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if werr := f.buffer.Write(f.ctx, index, chunk, false); werr != nil {
				return
			}
		}
		if rerr == io.EOF {
			f.buffer.Write(f.ctx, index, nil, true)
			return
		}
		if rerr != nil {
			f.fail(rerr)
			return
		}
	}
}

func (f *Fetcher) runSequential(plan Plan) {
	go func() {
		for i, rng := range plan {
			src := newSource(f.ctx, i, rng, f.url, f.client, f.cfg.retries, f.load.Chunkable, f.cfg.timeout, f.onRetry(i, false), f.log)
			f.mu.Lock()
			f.seqSource = src
			f.mu.Unlock()
			h := &SegmentHandle{Index: i, Range: rng}
			out, err := buildPipeline(h, f.store, f.cfg.transforms, src)
			if err != nil {
				f.fail(err)
				return
			}
			f.mu.Lock()
			f.seqReader = out
			f.mu.Unlock()
			<-f.segmentDrained()
			if f.ctx.Err() != nil {
				return
			}
		}
		if f.ctx.Err() == nil {
			f.finish()
		}
	}()
}

// segmentDrained is a placeholder synchronization point used only by the
// no-cache sequential path; Read drains f.seqReader directly and signals
// this channel when it hits EOF.
func (f *Fetcher) segmentDrained() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.seqDone = ch
	return ch
}

func (f *Fetcher) onRetry(index int, meta bool) func(RetryInfo) {
	return func(info RetryInfo) {
		info.Index = index
		info.Meta = meta
		f.emit(Event{Kind: EventRetry, Retry: &info})
	}
}

func (f *Fetcher) finish() {
	f.mu.Lock()
	if f.state == stateErrored || f.state == stateDestroyed {
		f.mu.Unlock()
		return
	}
	f.state = stateEnded
	f.mu.Unlock()
	f.emit(Event{Kind: EventEnd})
	f.closeEvents()
}

func (f *Fetcher) fail(err error) {
	f.mu.Lock()
	if f.state == stateErrored || f.state == stateEnded || f.state == stateDestroyed {
		f.mu.Unlock()
		return
	}
	f.state = stateErrored
	f.errCause = err
	f.mu.Unlock()

	f.destroySegments()
	f.emit(Event{Kind: EventError, Err: err})
	f.cancel()
	f.closeEvents()
}

func (f *Fetcher) closeEvents() {
	f.eventsOnce.Do(func() { close(f.events) })
}

func (f *Fetcher) destroySegments() {
	f.mu.Lock()
	segs := f.segments
	seq := f.seqSource
	f.mu.Unlock()
	for _, s := range segs {
		if s != nil {
			s.destroy()
		}
	}
	if seq != nil {
		seq.destroy()
	}
}

// Destroy aborts the fetch. If called before the probe completes, the
// in-flight request observes context cancellation and unwinds through the
// ordinary retry/error path rather than surfacing a synthetic event.
func (f *Fetcher) Destroy(cause error) {
	f.mu.Lock()
	if f.state == stateDestroyed || f.state == stateEnded {
		f.mu.Unlock()
		return
	}
	f.state = stateDestroyed
	f.errCause = cause
	f.mu.Unlock()

	f.destroySegments()
	f.cancel()
	if cause != nil {
		f.emit(Event{Kind: EventError, Err: cause})
	}
	f.closeEvents()
}

// Read implements io.Reader over the merged, ordered byte stream.
func (f *Fetcher) Read(p []byte) (int, error) {
	f.Start()
	f.markRequested()

	for {
		if f.pending != nil {
			n := copy(p, f.pending[f.pendingAt:])
			f.pendingAt += n
			if f.pendingAt >= len(f.pending) {
				f.pending = nil
			}
			if n > 0 {
				if f.hash != nil {
					f.hash.observe(p[:n])
				}
				return n, nil
			}
		}

		if f.cfg.cache {
			data, end, err := f.nextParallelChunk()
			if err != nil {
				return 0, err
			}
			if end {
				continue
			}
			f.pending, f.pendingAt = data, 0
			continue
		}

		data, err := f.nextSequentialChunk()
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		f.pending, f.pendingAt = data, 0
	}
}

func (f *Fetcher) nextParallelChunk() (data []byte, end bool, err error) {
	f.mu.Lock()
	buf, state := f.buffer, f.state
	f.mu.Unlock()
	for buf == nil {
		// An empty plan ends without a buffer; otherwise the probe or the
		// middleware is still running, so wait for segment dispatch.
		if state == stateEnded {
			return nil, false, io.EOF
		}
		select {
		case <-f.ctx.Done():
			return nil, false, f.terminalErr()
		case <-time.After(5 * time.Millisecond):
		}
		f.mu.Lock()
		buf, state = f.buffer, f.state
		f.mu.Unlock()
	}
	if f.readSlot >= len(buf.slots) {
		return nil, false, io.EOF
	}
	d, e, err := buf.Read(f.ctx, f.readSlot)
	if err != nil {
		if f.ctx.Err() != nil {
			return nil, false, f.terminalErr()
		}
		return nil, false, err
	}
	if e {
		f.readSlot++
		return nil, true, nil
	}
	return d, false, nil
}

func (f *Fetcher) nextSequentialChunk() ([]byte, error) {
	for {
		f.mu.Lock()
		r := f.seqReader
		done := f.seqDone
		f.mu.Unlock()
		if r == nil {
			select {
			case <-f.ctx.Done():
				return nil, f.terminalErr()
			default:
				return nil, io.EOF
			}
		}
		buf := make([]byte, 32*1024)
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			f.mu.Lock()
			f.seqReader = nil
			f.mu.Unlock()
			if done != nil {
				close(done)
			}
			continue
		}
		if err != nil {
			f.fail(err)
			return nil, err
		}
	}
}

func (f *Fetcher) terminalErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errCause != nil {
		return f.errCause
	}
	return io.EOF
}

// WriteTo streams the merged output to w without recursing back through
// io.Copy's WriterTo fast path.
func (f *Fetcher) WriteTo(w io.Writer) (int64, error) {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Hash returns a digest snapshot of the bytes emitted so far, encoded per
// encoding. It returns nil if no hash algorithm was configured.
func (f *Fetcher) Hash(encoding string) ([]byte, error) {
	if f.hash == nil {
		return nil, nil
	}
	return f.hash.snapshot(encoding)
}

// SetCacheSize resizes the reassembly buffer's capacity.
func (f *Fetcher) SetCacheSize(n int64) error {
	f.mu.Lock()
	buf := f.buffer
	f.mu.Unlock()
	if buf == nil {
		return &InvalidOption{Name: "cacheSize", Reason: "no active buffer (cache disabled or not yet loaded)"}
	}
	return buf.SetCapacity(n)
}

// ErrContext recovers the {tag, source} annotation from an error raised
// inside user middleware or a transformer, if any.
func (f *Fetcher) ErrContext(err error) (*ErrContext, bool) {
	var a annotated
	if errors.As(err, &a) {
		return &ErrContext{Raw: err, Tag: a.GetTag(), Source: a.Source()}, true
	}
	return nil, false
}
