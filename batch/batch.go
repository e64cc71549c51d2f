// Package batch implements the auto-batcher (spec.md C8 / §4.4): per
// (requestType, batchKey) sharded FIFO queues that coalesce concurrent
// requests into one flush, grounded in internal/router/pool/pool.go's
// per-group sync.Map-of-channels/semaphore-bounded concurrency design and
// internal/router/notification/batching.go's mutex-protected
// copy-and-clear flush mechanics.
package batch

import (
	"container/list"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowmediator.dev/result"
)

// Config is the per-request-type auto-batch profile (spec.md §6
// Auto-batcher options).
type Config struct {
	MaxBatchSize   int
	BatchTimeout   time.Duration
	MaxQueueLength int
	ShardIdleTtl   time.Duration
	MaxShards      int
	// FlushDegree: 0 means serial flush; >0 bounds concurrent next()
	// invocations within one shard's flush.
	FlushDegree int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = 1000
	}
	if c.ShardIdleTtl <= 0 {
		c.ShardIdleTtl = 5 * time.Minute
	}
	if c.MaxShards <= 0 {
		c.MaxShards = 10000
	}
	return c
}

// Observer receives the histograms/counter spec.md §4.4/§6 require.
type Observer interface {
	ObserveBatchSize(requestType string, size int)
	ObserveQueueLength(requestType string, length int)
	ObserveFlushDuration(requestType string, d time.Duration)
	IncOverflow(requestType string)
}

type noopObserver struct{}

func (noopObserver) ObserveBatchSize(string, int)          {}
func (noopObserver) ObserveQueueLength(string, int)        {}
func (noopObserver) ObserveFlushDuration(string, time.Duration) {}
func (noopObserver) IncOverflow(string)                    {}

// Batcher owns every shard across every registered request type.
type Batcher struct {
	mu       sync.Mutex
	configs  map[string]Config
	typeSets map[string]*shardSet
	observer Observer
}

// New constructs an empty Batcher.
func New(observer Observer) *Batcher {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Batcher{
		configs:  make(map[string]Config),
		typeSets: make(map[string]*shardSet),
		observer: observer,
	}
}

// Register enables auto-batching for requestType with cfg. A type with no
// Register call is never routed through the batcher (mediator.Batcher's
// Enabled reports false), keeping the non-batched path free of any cost
// per spec.md §4.4 "if the global switch is off, per-type profiles are
// inert".
func (b *Batcher) Register(requestType string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[requestType] = cfg.withDefaults()
	if _, ok := b.typeSets[requestType]; !ok {
		b.typeSets[requestType] = newShardSet()
	}
}

// Enabled implements mediator.Batcher.
func (b *Batcher) Enabled(requestType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.configs[requestType]
	return ok
}

// Submit implements mediator.Batcher: it enqueues req onto the
// (requestType, batchKey) shard and blocks until that request's own
// result is produced by a flush, or ctx is cancelled.
func (b *Batcher) Submit(ctx context.Context, requestType, batchKey string, req any, exec func(context.Context, any) result.Result[any]) result.Result[any] {
	b.mu.Lock()
	cfg, ok := b.configs[requestType]
	set := b.typeSets[requestType]
	b.mu.Unlock()
	if !ok {
		return exec(ctx, req)
	}

	sh := set.getOrCreate(batchKey, requestType, cfg, exec, b.observer)
	return sh.enqueue(ctx, req)
}

// shardSet holds every shard for one request type, with LRU-by-idle-time
// eviction bounded by Config.MaxShards.
type shardSet struct {
	mu      sync.Mutex
	byKey   map[string]*list.Element // value: *shard
	lru     *list.List               // front = most recently active
	maxSize int
}

func newShardSet() *shardSet {
	return &shardSet{byKey: make(map[string]*list.Element), lru: list.New()}
}

func (s *shardSet) getOrCreate(key, requestType string, cfg Config, exec func(context.Context, any) result.Result[any], observer Observer) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = cfg.MaxShards

	if el, ok := s.byKey[key]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*shard)
	}

	if len(s.byKey) >= cfg.MaxShards {
		s.evictOneLocked()
	}

	sh := newShard(key, requestType, cfg, exec, observer, s)
	el := s.lru.PushFront(sh)
	s.byKey[key] = el
	sh.element = el
	return sh
}

// evictOneLocked evicts the least-recently-active shard that is currently
// idle (empty queue, not flushing). Called with s.mu held.
func (s *shardSet) evictOneLocked() {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		sh := el.Value.(*shard)
		if sh.tryMarkEvicted() {
			s.lru.Remove(el)
			delete(s.byKey, sh.key)
			return
		}
	}
	// All shards busy: decline to evict; MaxShards is advisory under this
	// transient condition rather than a hard cap that drops live work.
}

// removeIdle is invoked by a shard's idle timer once it confirms it has
// been empty and non-flushing for ShardIdleTtl.
func (s *shardSet) removeIdle(sh *shard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.byKey[sh.key]; ok && el.Value.(*shard) == sh {
		s.lru.Remove(el)
		delete(s.byKey, sh.key)
	}
}

func (s *shardSet) touch(sh *shard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.element != nil {
		s.lru.MoveToFront(sh.element)
	}
}

// queuedItem is one enqueued request awaiting its flush.
type queuedItem struct {
	ctx      context.Context
	req      any
	resultCh chan result.Result[any]
	started  bool
}

// shard is the per-(requestType,batchKey) FIFO queue and flush state,
// grounded in pool.ProcessPool's per-group channel/mutex structure.
type shard struct {
	key         string
	requestType string
	cfg         Config
	exec        func(context.Context, any) result.Result[any]
	observer    Observer
	set         *shardSet
	element     *list.Element

	mu        sync.Mutex
	queue     []*queuedItem
	flushing  bool
	timer     *time.Timer
	idleTimer *time.Timer
	evicted   bool
}

func newShard(key, requestType string, cfg Config, exec func(context.Context, any) result.Result[any], observer Observer, set *shardSet) *shard {
	sh := &shard{key: key, requestType: requestType, cfg: cfg, exec: exec, observer: observer, set: set}
	sh.resetIdleTimerLocked()
	return sh
}

// tryMarkEvicted cooperatively evicts this shard if it is currently idle.
// Per spec.md §4.4: "a shard that becomes non-empty before eviction
// completes is preserved" — the check and the eviction flag flip happen
// atomically under sh.mu.
func (sh *shard) tryMarkEvicted() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.flushing || len(sh.queue) > 0 || sh.evicted {
		return false
	}
	sh.evicted = true
	if sh.idleTimer != nil {
		sh.idleTimer.Stop()
	}
	return true
}

func (sh *shard) resetIdleTimerLocked() {
	if sh.idleTimer != nil {
		sh.idleTimer.Stop()
	}
	sh.idleTimer = time.AfterFunc(sh.cfg.ShardIdleTtl, sh.onIdleTimeout)
}

func (sh *shard) onIdleTimeout() {
	sh.mu.Lock()
	if sh.evicted {
		sh.mu.Unlock()
		return
	}
	if sh.flushing || len(sh.queue) > 0 {
		// Not idle after all: recheck later rather than evicting.
		sh.resetIdleTimerLocked()
		sh.mu.Unlock()
		return
	}
	sh.evicted = true
	sh.mu.Unlock()
	sh.set.removeIdle(sh)
}

func jitteredTimeout(base time.Duration) time.Duration {
	jitter := 1 + (rand.Float64()*0.2 - 0.1) // +-10%, per spec.md §3/§4.4
	return time.Duration(float64(base) * jitter)
}

// enqueue adds req to the shard's FIFO queue, applying overflow policy,
// and blocks for this item's own result.
func (sh *shard) enqueue(ctx context.Context, req any) result.Result[any] {
	item := &queuedItem{ctx: ctx, req: req, resultCh: make(chan result.Result[any], 1)}

	sh.mu.Lock()
	if sh.evicted {
		// Lost a race with eviction; the caller falls back to direct
		// execution rather than being silently dropped.
		sh.mu.Unlock()
		return sh.exec(ctx, req)
	}

	if len(sh.queue) >= sh.cfg.MaxQueueLength {
		oldest := sh.queue[0]
		sh.queue = sh.queue[1:]
		sh.observer.IncOverflow(sh.requestType)
		oldest.resultCh <- result.Fail[any](result.InternalError, "batch shard queue overflow").WithMetadata("overflow", "true")
	}

	sh.queue = append(sh.queue, item)
	queueLen := len(sh.queue)
	sh.resetIdleTimerLocked()

	shouldFlushNow := queueLen >= sh.cfg.MaxBatchSize
	if !shouldFlushNow && sh.timer == nil {
		sh.timer = time.AfterFunc(jitteredTimeout(sh.cfg.BatchTimeout), sh.onWindowElapsed)
	}
	sh.mu.Unlock()

	sh.observer.ObserveQueueLength(sh.requestType, queueLen)
	sh.set.touch(sh)

	if shouldFlushNow {
		go sh.tryFlush()
	}

	select {
	case r := <-item.resultCh:
		return r
	case <-ctx.Done():
		sh.cancel(item)
		return result.Fail[any](result.Cancelled, "request cancelled while batched").WithRetryable(false)
	}
}

// cancel removes item from the queue if it has not yet started; if it has
// started, it runs to completion but the caller has already stopped
// waiting, per spec.md §4.4 Cancellation.
func (sh *shard) cancel(item *queuedItem) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i, q := range sh.queue {
		if q == item {
			sh.queue = append(sh.queue[:i], sh.queue[i+1:]...)
			break
		}
	}
}

func (sh *shard) onWindowElapsed() {
	sh.tryFlush()
}

// tryFlush starts a flush if one is not already in flight; spec.md §4.4:
// "At most one flush in flight per shard; subsequent flushes queue."
func (sh *shard) tryFlush() {
	sh.mu.Lock()
	if sh.flushing || len(sh.queue) == 0 {
		sh.mu.Unlock()
		return
	}
	sh.flushing = true
	if sh.timer != nil {
		sh.timer.Stop()
		sh.timer = nil
	}
	batch := sh.queue
	sh.queue = nil
	sh.mu.Unlock()

	sh.runFlush(batch)

	sh.mu.Lock()
	sh.flushing = false
	remaining := len(sh.queue)
	sh.mu.Unlock()

	if remaining > 0 {
		sh.tryFlush()
	}
}

func (sh *shard) runFlush(batch []*queuedItem) {
	start := time.Now()
	flushId := uuid.NewString()
	sh.observer.ObserveBatchSize(sh.requestType, len(batch))

	runOne := func(item *queuedItem) {
		if item.ctx.Err() != nil {
			return // awaiter already gone; discard silently
		}
		item.started = true
		r := sh.execSafe(item, flushId)
		select {
		case item.resultCh <- r:
		default:
		}
	}

	if sh.cfg.FlushDegree <= 0 {
		for _, item := range batch {
			runOne(item)
		}
	} else {
		sem := make(chan struct{}, sh.cfg.FlushDegree)
		var wg sync.WaitGroup
		for _, item := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(item *queuedItem) {
				defer wg.Done()
				defer func() { <-sem }()
				runOne(item)
			}(item)
		}
		wg.Wait()
	}

	sh.observer.ObserveFlushDuration(sh.requestType, time.Since(start))
}

func (sh *shard) execSafe(item *queuedItem, flushId string) (out result.Result[any]) {
	defer func() {
		if r := recover(); r != nil {
			out = result.Fail[any](result.HandlerFailed, fmt.Sprintf("batched handler panicked: %v", r))
		}
	}()
	return sh.exec(item.ctx, item.req).WithMetadata("flushId", flushId)
}
