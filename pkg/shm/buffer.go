package shm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sys/cpu"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

const tracerName = "github.com/srediag/shmchan/pkg/shm"

// OpenOptions defines options for creating or attaching to a shared memory buffer.
type OpenOptions struct {
	// Path of the region file, usually under /dev/shm.
	Path string
	// Capacity of the data segment in bytes; a power of two. The file is Capacity+TrailerLength long.
	Capacity int
	// Create a new zero-filled region, truncating an existing file, instead of attaching.
	Create bool
	// DeleteOnClose removes the region file when the buffer is closed.
	DeleteOnClose bool
	// Backoff of the consumer loop; the zero value selects DefaultBackoffConfig.
	Backoff BackoffConfig
	// Meter and Tracer are optional.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Buffer is a file-backed Channel with a background consumer.
type Buffer struct {
	path          string
	region        *internalshm.MappedRegion
	ch            *Channel
	deleteOnClose bool
	backoff       BackoffConfig
	tracer        trace.Tracer
	registration  metric.Registration

	insufficientCapacity atomic.Int64
	_                    cpu.CacheLinePad
	delivered            atomic.Int64
	handlerPanics        atomic.Int64
	_                    cpu.CacheLinePad

	maxSleep    atomic.Int64
	inflight    atomic.Int64
	closed      atomic.Bool
	stop        atomic.Bool
	consumerSet atomic.Bool
	done        chan struct{}

	errMu   sync.Mutex
	loopErr error

	closeOnce sync.Once
	closeErr  error
}

// Open creates or attaches to the region described by opts.
func Open(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if err := CheckCapacity(RegionLength(opts.Capacity)); err != nil {
		return nil, err
	}
	cfg := opts.Backoff
	if cfg == (BackoffConfig{}) {
		cfg = DefaultBackoffConfig()
	}
	if err := VerifyBackoffConfig(cfg); err != nil {
		return nil, err
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	ctx, span := tracer.Start(ctx, "shm.Open", trace.WithAttributes(
		attribute.String("shm.path", opts.Path),
		attribute.Int("shm.capacity", opts.Capacity),
		attribute.Bool("shm.create", opts.Create),
	))
	defer span.End()

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:   opts.Path,
		Size:   RegionLength(opts.Capacity),
		Create: opts.Create,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "map region")
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	b := &Buffer{
		path:          opts.Path,
		region:        region,
		deleteOnClose: opts.DeleteOnClose,
		backoff:       cfg,
		tracer:        tracer,
		done:          make(chan struct{}),
	}
	b.maxSleep.Store(int64(cfg.MaxParkPeriod))

	if b.ch, err = NewChannel(region.Addr); err == nil && opts.Meter != nil {
		b.registration, err = b.registerMetrics(opts.Meter)
	}
	if err != nil {
		b.release(ctx, region.New)
		span.RecordError(err)
		span.SetStatus(codes.Error, "init buffer")
		return nil, err
	}

	logger.Infof("opened %s capacity:%d create:%v", opts.Path, opts.Capacity, opts.Create)
	return b, nil
}

func (b *Buffer) release(ctx context.Context, removeFile bool) error {
	err := internalshm.UnmapRegion(ctx, b.region)
	if removeFile {
		if rerr := internalshm.RemoveRegionFile(b.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// Write sends p with DefaultMsgTypeID. It returns false, nil when the channel is full.
func (b *Buffer) Write(p []byte) (bool, error) {
	return b.WriteMessage(DefaultMsgTypeID, p)
}

// WriteMessage sends p tagged with msgTypeID, which must be at least 1.
func (b *Buffer) WriteMessage(msgTypeID int32, p []byte) (ok bool, err error) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	if b.closed.Load() {
		return false, ErrClosed
	}

	claim, err := b.ch.TryClaim(msgTypeID, len(p))
	if err != nil {
		return false, err
	}
	if claim == InsufficientCapacity {
		b.insufficientCapacity.Add(1)
		return false, nil
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		r := recover()
		if aerr := b.ch.Abort(claim); aerr != nil {
			logger.Errorf("abort claim on %s failed: %v", b.path, aerr)
		}
		if r != nil {
			ok, err = false, fmt.Errorf("write to %s aborted: %v", b.path, r)
		}
	}()

	internalshm.CopyBytes(p, 0, b.ch.Region(), claim.Index(), len(p))
	if err = b.ch.Commit(claim); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// SetConsumer starts the consumer goroutine delivering every record to h. It may be
// called once. h runs on the consumer goroutine and must not call Close.
func (b *Buffer) SetConsumer(h MessageHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.consumerSet.CompareAndSwap(false, true) {
		return ErrConsumerRegistered
	}
	go b.consume(h)
	return nil
}

func (b *Buffer) consume(h MessageHandler) {
	runtime.LockOSThread()
	defer func() {
		runtime.UnlockOSThread()
		close(b.done)
	}()

	strategy := NewBackoffIdleStrategy(b.backoff)
	applied := int64(b.backoff.MaxParkPeriod)
	deliver := func(msgTypeID int32, buf []byte, index, length int) {
		b.deliver(h, msgTypeID, buf, index, length)
	}

	for !b.stop.Load() {
		if d := b.maxSleep.Load(); d != applied {
			strategy.SetMaxPark(time.Duration(d))
			applied = d
		}
		n, err := b.ch.ReadAll(deliver)
		if err != nil {
			b.errMu.Lock()
			b.loopErr = err
			b.errMu.Unlock()
			logger.Errorf("consumer of %s stopped: %v", b.path, err)
			return
		}
		strategy.Idle(n)
	}
}

func (b *Buffer) deliver(h MessageHandler, msgTypeID int32, buf []byte, index, length int) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			logger.Errorf("handler panic on %s: %v", b.path, r)
		}
	}()
	b.delivered.Add(1)
	h(msgTypeID, buf, index, length)
}

// SetMaxSleep changes the park ceiling of the consumer loop from its next idle cycle.
func (b *Buffer) SetMaxSleep(d time.Duration) {
	if d <= 0 {
		d = b.backoff.MinParkPeriod
	}
	b.maxSleep.Store(int64(d))
}

// Err returns the error that stopped the consumer loop, if any.
func (b *Buffer) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.loopErr
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	return b.closed.Load()
}

// Close stops the consumer, waits for in-flight writers and unmaps the region.
// It is safe to call more than once.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close()
	})
	return b.closeErr
}

func (b *Buffer) close() error {
	ctx, span := b.tracer.Start(context.Background(), "shm.Close",
		trace.WithAttributes(attribute.String("shm.path", b.path)))
	defer span.End()

	b.closed.Store(true)
	for b.inflight.Load() != 0 {
		runtime.Gosched()
	}
	b.stop.Store(true)
	if b.consumerSet.Load() {
		<-b.done
	}
	if b.registration != nil {
		if err := b.registration.Unregister(); err != nil {
			logger.Warnf("unregister metrics of %s: %v", b.path, err)
		}
	}

	err := b.release(ctx, b.deleteOnClose)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release region")
		logger.Errorf("close %s: %v", b.path, err)
		return err
	}
	logger.Infof("closed %s", b.path)
	return nil
}

// InsufficientCapacity is the number of writes rejected because the channel was full.
func (b *Buffer) InsufficientCapacity() int64 { return b.insufficientCapacity.Load() }

// Delivered is the number of records handed to the consumer.
func (b *Buffer) Delivered() int64 { return b.delivered.Load() }

// HandlerPanics is the number of records whose handler panicked.
func (b *Buffer) HandlerPanics() int64 { return b.handlerPanics.Load() }

// ResetStats zeroes the counters.
func (b *Buffer) ResetStats() {
	b.insufficientCapacity.Store(0)
	b.delivered.Store(0)
	b.handlerPanics.Store(0)
}

// Size is the number of bytes waiting for the consumer, or 0 once closed.
func (b *Buffer) Size() int {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	if b.closed.Load() {
		return 0
	}
	return b.ch.Size()
}

// Capacity of the data segment in bytes.
func (b *Buffer) Capacity() int { return b.ch.Capacity() }

// MaxMsgLength is the largest payload Write accepts.
func (b *Buffer) MaxMsgLength() int { return b.ch.MaxMsgLength() }

// Path of the region file.
func (b *Buffer) Path() string { return b.path }

func (b *Buffer) String() string {
	return fmt.Sprintf("shm.Buffer{path:%s capacity:%d}", b.path, b.ch.Capacity())
}
