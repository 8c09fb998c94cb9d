package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmchan/pkg/shm"
)

const retryInitialInterval = 50 * time.Microsecond

// Stats are the counters of a Local transport.
type Stats struct {
	// FailedWrites sums the insufficient capacity counters of every attached channel.
	FailedWrites int64
	Unicasts     int64
	Multicasts   int64
	InboxDrops   int64
}

// Local is a Transport over region files in Location/Cluster.
type Local struct {
	config Config
	self   Peer
	dir    string

	mu      sync.Mutex
	own     *shm.Buffer
	peers   cmap.ConcurrentMap[string, *shm.Buffer]
	inbox   *queue.RingBuffer
	started atomic.Bool
	stopped atomic.Bool

	unicasts   atomic.Int64
	multicasts atomic.Int64
	inboxDrops atomic.Int64
}

var _ Transport = (*Local)(nil)

// New returns a transport for the peer self. logicalName is optional and becomes part
// of the region file name.
func New(config Config, self uuid.UUID, logicalName string) (*Local, error) {
	if err := VerifyConfig(&config); err != nil {
		return nil, err
	}
	if self == uuid.Nil {
		return nil, errors.New("peer id must not be nil")
	}
	return &Local{
		config: config,
		self:   Peer{ID: self, Name: logicalName},
		dir:    filepath.Join(config.Location, config.Cluster),
		peers:  cmap.New[*shm.Buffer](),
		inbox:  queue.NewRingBuffer(uint64(config.InboxSize)),
	}, nil
}

// Self is this transport's peer.
func (t *Local) Self() Peer { return t.self }

// Dir is the directory holding the cluster's region files.
func (t *Local) Dir() string { return t.dir }

// Start implements Transport.
func (t *Local) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped.Load() {
		return ErrStopped
	}
	if t.started.Load() {
		return nil
	}
	if _, err := os.Stat(t.config.Location); err != nil {
		return fmt.Errorf("location %s does not exist: %w", t.config.Location, err)
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create cluster dir: %w", err)
	}

	own, err := shm.Open(ctx, shm.OpenOptions{
		Path:          filepath.Join(t.dir, t.self.Filename()),
		Capacity:      int(t.config.QueueCapacity.Bytes()),
		Create:        true,
		DeleteOnClose: true,
	})
	if err != nil {
		return err
	}
	if t.config.MaxSleep > 0 {
		own.SetMaxSleep(t.config.MaxSleep)
	}
	if err := own.SetConsumer(t.accept); err != nil {
		_ = own.Close()
		return err
	}
	t.own = own
	t.peers.Set(t.self.ID.String(), own)

	if err := t.initCache(ctx); err != nil {
		logger.Warnf("scan %s: %v", t.dir, err)
	}
	t.started.Store(true)
	logger.Infof("started %s in %s, peers:%d", t.self, t.dir, t.peers.Count())
	return nil
}

// Refresh attaches to region files created in the cluster directory since the last scan.
func (t *Local) Refresh(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.initCache(ctx)
}

// initCache attaches to every region file present in the cluster directory.
func (t *Local) initCache(ctx context.Context) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		peer, err := FilenameToPeer(e.Name())
		if err != nil {
			logger.Debugf("skip %s: %v", e.Name(), err)
			continue
		}
		if peer.ID == t.self.ID || t.peers.Has(peer.ID.String()) {
			continue
		}
		b, err := t.attach(ctx, peer)
		if err != nil {
			logger.Warnf("attach %s: %v", peer, err)
			continue
		}
		if _, err := t.cache(peer.ID.String(), b); errors.Is(err, ErrStopped) {
			return err
		}
	}
	return nil
}

// cache stores b under key unless a buffer is cached already, and returns the buffer that
// ends up cached. A b that is not kept is closed.
func (t *Local) cache(key string, b *shm.Buffer) (*shm.Buffer, error) {
	if !t.peers.SetIfAbsent(key, b) {
		_ = b.Close()
		if existing, ok := t.peers.Get(key); ok {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, key)
	}
	// Stop marks the transport stopped before it drains peers, so an insert racing with the
	// drain is caught here.
	if t.stopped.Load() {
		t.peers.RemoveCb(key, func(_ string, v *shm.Buffer, exists bool) bool { return exists && v == b })
		_ = b.Close()
		return nil, ErrStopped
	}
	return b, nil
}

func (t *Local) attach(ctx context.Context, peer Peer) (*shm.Buffer, error) {
	return shm.Open(ctx, shm.OpenOptions{
		Path:     filepath.Join(t.dir, peer.Filename()),
		Capacity: int(t.config.QueueCapacity.Bytes()),
	})
}

// lookup finds the region file of id in the cluster directory.
func (t *Local) lookup(id uuid.UUID) (Peer, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return Peer{}, err
	}
	for _, e := range entries {
		if peer, err := FilenameToPeer(e.Name()); err == nil && peer.ID == id {
			return peer, nil
		}
	}
	return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
}

func (t *Local) getOrAttach(ctx context.Context, id uuid.UUID) (*shm.Buffer, error) {
	key := id.String()
	if b, ok := t.peers.Get(key); ok {
		return b, nil
	}
	peer, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	b, err := t.attach(ctx, peer)
	if err != nil {
		return nil, err
	}
	return t.cache(key, b)
}

func (t *Local) accept(msgTypeID int32, buf []byte, index, length int) {
	body := bytebufferpool.Get()
	_, _ = body.Write(buf[index : index+length])
	ok, err := t.inbox.Offer(&Message{Type: msgTypeID, Body: body})
	if err != nil || !ok {
		t.inboxDrops.Add(1)
		bytebufferpool.Put(body)
		logger.Debugf("inbox of %s full, dropped %d bytes", t.self, length)
	}
}

func (t *Local) check() error {
	if t.stopped.Load() {
		return ErrStopped
	}
	if !t.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// SendTo implements Transport. A full channel is retried with exponential backoff up to
// SendRetries times before ErrInsufficientCapacity is returned.
func (t *Local) SendTo(ctx context.Context, peer uuid.UUID, p []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	b, err := t.getOrAttach(ctx, peer)
	if err != nil {
		return err
	}
	if err := t.write(ctx, b, p); err != nil {
		return err
	}
	t.unicasts.Add(1)
	return nil
}

// SendToAll implements Transport. Every cached peer is attempted; the first error is returned.
func (t *Local) SendToAll(ctx context.Context, p []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	self := t.self.ID.String()
	var firstErr error
	for key, b := range t.peers.Items() {
		if key == self {
			continue
		}
		if err := t.write(ctx, b, p); err != nil {
			logger.Warnf("send to %s: %v", key, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("send to %s: %w", key, err)
			}
		}
	}
	t.multicasts.Add(1)
	return firstErr
}

func (t *Local) write(ctx context.Context, b *shm.Buffer, p []byte) error {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     retryInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         t.config.RetryMaxWait,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()
	return backoff.Retry(func() error {
		ok, err := b.Write(p)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrInsufficientCapacity
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.config.SendRetries)), ctx))
}

// Receive implements Transport. A timeout <= 0 does not wait; ErrInboxEmpty is returned
// when nothing arrived in time.
func (t *Local) Receive(timeout time.Duration) (*Message, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		if t.inbox.Len() == 0 {
			return nil, ErrInboxEmpty
		}
		timeout = time.Millisecond
	}
	item, err := t.inbox.Poll(timeout)
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return nil, ErrInboxEmpty
	case errors.Is(err, queue.ErrDisposed):
		return nil, ErrStopped
	case err != nil:
		return nil, err
	}
	return item.(*Message), nil
}

// Retain closes the channels of every cached peer not in ids.
func (t *Local) Retain(ids []uuid.UUID) {
	keep := make(map[string]struct{}, len(ids)+1)
	keep[t.self.ID.String()] = struct{}{}
	for _, id := range ids {
		keep[id.String()] = struct{}{}
	}
	for _, key := range t.peers.Keys() {
		if _, ok := keep[key]; ok {
			continue
		}
		if b, ok := t.peers.Pop(key); ok {
			if err := b.Close(); err != nil {
				logger.Warnf("close channel of %s: %v", key, err)
			}
		}
	}
}

// Peers lists the cached peers, this one included.
func (t *Local) Peers() []uuid.UUID {
	keys := t.peers.Keys()
	ids := make([]uuid.UUID, 0, len(keys))
	for _, key := range keys {
		if id, err := uuid.Parse(key); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns the current counters.
func (t *Local) Stats() Stats {
	var failed int64
	t.peers.IterCb(func(_ string, b *shm.Buffer) {
		failed += b.InsufficientCapacity()
	})
	return Stats{
		FailedWrites: failed,
		Unicasts:     t.unicasts.Load(),
		Multicasts:   t.multicasts.Load(),
		InboxDrops:   t.inboxDrops.Load(),
	}
}

// ResetStats zeroes the transport counters and those of every attached channel.
func (t *Local) ResetStats() {
	t.peers.IterCb(func(_ string, b *shm.Buffer) {
		b.ResetStats()
	})
	t.unicasts.Store(0)
	t.multicasts.Store(0)
	t.inboxDrops.Store(0)
}

// SetMaxSleep changes the park ceiling of this peer's consumer.
func (t *Local) SetMaxSleep(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.MaxSleep = d
	if t.own != nil {
		t.own.SetMaxSleep(d)
	}
}

// Err reports why this peer's consumer stopped, if it did.
func (t *Local) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.own == nil {
		return nil
	}
	return t.own.Err()
}

// Closed reports whether the transport was stopped.
func (t *Local) Closed() bool {
	return t.stopped.Load()
}

// Stop implements Transport. Pending inbox messages are dropped.
func (t *Local) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped.Swap(true) {
		return nil
	}
	var firstErr error
	for _, key := range t.peers.Keys() {
		b, ok := t.peers.Pop(key)
		if !ok {
			continue
		}
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.inbox.Dispose()
	logger.Infof("stopped %s", t.self)
	return firstErr
}

// Collectors returns prometheus collectors of the transport counters.
func (t *Local) Collectors() []prometheus.Collector {
	counter := func(name, help string, get func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "shmchan",
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"peer": t.self.ID.String()},
		}, func() float64 { return float64(get()) })
	}
	return []prometheus.Collector{
		counter("unicasts_total", "Messages sent to a single peer.", t.unicasts.Load),
		counter("multicasts_total", "Messages sent to all peers.", t.multicasts.Load),
		counter("inbox_drops_total", "Received messages dropped because the inbox was full.", t.inboxDrops.Load),
		counter("failed_writes_total", "Writes rejected by full peer channels.", func() int64 { return t.Stats().FailedWrites }),
	}
}
