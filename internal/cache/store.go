package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/restgate/restgate/internal/logging"
	"github.com/restgate/restgate/internal/metrics"
)

// Options configure a Store. One store serves one route.
type Options struct {
	RouteID        string
	TTL            time.Duration
	MaxPerValue    int           // max entries per distinct invalidator value
	SweepInterval  time.Duration // background expiry sweep interval
	CacheNilValues bool          // memoize nil factory results
}

// Factory produces the value for a missing key. The boolean reports whether
// the result may be stored; excluded status codes return false so the response
// is delivered but never persisted.
type Factory func(ctx context.Context) (*Container, bool, error)

type entry struct {
	container *Container
	values    []string // invalidator "name=value" pairs
	createdAt time.Time
	expiresAt time.Time
}

// Stats is a snapshot of store counters.
type Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Store is a TTL-bounded in-memory cache with key-level single-flight
// admission and a per-invalidator-value capacity cap. Entries are owned by the
// store; callers receive clones. Storage faults degrade to a direct factory
// call, so caching never fails a request.
type Store struct {
	opts    Options
	mu      sync.RWMutex
	entries map[string]*entry
	byValue map[uint64][]string // xxhash of invalidator value -> keys, oldest first
	group   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	cancelSweep context.CancelFunc
}

// NewStore creates a store and starts its background sweeper.
func NewStore(opts Options) *Store {
	if opts.MaxPerValue <= 0 {
		opts.MaxPerValue = 1000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}

	s := &Store{
		opts:    opts,
		entries: make(map[string]*entry),
		byValue: make(map[uint64][]string),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSweep = cancel
	go s.runSweeper(ctx)

	return s
}

// Close stops the background sweeper. Safe to call once.
func (s *Store) Close() {
	s.cancelSweep()
}

type flightResult struct {
	container *Container
	fromCache bool
}

// Get returns the live value for key, or computes it via factory with at most
// one concurrent factory invocation per key. ttl overrides the store default
// when positive. values are the invalidator pairs tracked for capacity
// enforcement. The boolean reports a cache hit.
func (s *Store) Get(ctx context.Context, key string, ttl time.Duration, values []string, factory Factory) (*Container, bool, error) {
	if c, ok := s.lookup(key); ok {
		s.record(true)
		return c, true, nil
	}

	if ttl <= 0 {
		ttl = s.opts.TTL
	}

	// Detach the flight from the first caller's cancellation so one client
	// disconnect cannot fail the computation shared by its peers. The proxy
	// layer applies its own upstream timeout.
	flightCtx := context.WithoutCancel(ctx)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		// Another flight may have stored the value while we queued.
		if c, ok := s.lookup(key); ok {
			return flightResult{container: c, fromCache: true}, nil
		}

		c, storable, err := factory(flightCtx)
		if err != nil {
			return nil, err
		}
		if storable && (c != nil || s.opts.CacheNilValues) {
			s.put(key, ttl, values, c)
		}
		return flightResult{container: c}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			s.record(false)
			return nil, false, res.Err
		}
		fr := res.Val.(flightResult)
		s.record(fr.fromCache)
		// The flight result fans out to every coalesced waiter and may alias
		// the stored entry, so each caller gets its own clone.
		return fr.container.Clone(), fr.fromCache, nil
	case <-ctx.Done():
		s.record(false)
		return nil, false, ctx.Err()
	}
}

// record classifies one finished request. Waiters that coalesced onto a flight
// resolving from cache count as hits even though their own lookup missed.
func (s *Store) record(hit bool) {
	if hit {
		s.hits.Add(1)
		metrics.CacheHits.WithLabelValues(s.opts.RouteID).Inc()
		return
	}
	s.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(s.opts.RouteID).Inc()
}

// TryGet returns the live value for key without computing on miss.
func (s *Store) TryGet(key string) (*Container, bool) {
	return s.lookup(key)
}

// lookup returns a clone of the live entry for key. Expired entries are
// removed lazily here; the sweep is only a memory-reclamation optimization.
// A memoized nil result reports ok with a nil container.
func (s *Store) lookup(key string) (*Container, bool) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if !time.Now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == e {
			s.removeLocked(key, e)
		}
		s.mu.Unlock()
		return nil, false
	}

	return e.container.Clone(), true
}

// put stores a value, enforcing the per-invalidator-value cap by evicting the
// oldest entry sharing a value before admitting the new one. Internal faults
// are contained: the request already holds its response.
func (s *Store) put(key string, ttl time.Duration, values []string, c *Container) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("cache store failure, entry dropped",
				zap.String("route", s.opts.RouteID), zap.Any("panic", r))
		}
	}()

	now := time.Now()
	e := &entry{
		container: c,
		values:    values,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.entries[key]; exists {
		s.removeLocked(key, old)
	}

	for _, v := range values {
		h := xxhash.Sum64String(v)
		for len(s.byValue[h]) >= s.opts.MaxPerValue {
			oldest := s.byValue[h][0]
			victim, exists := s.entries[oldest]
			if !exists {
				// index out of sync, drop the dangling reference
				s.byValue[h] = s.byValue[h][1:]
				continue
			}
			s.removeLocked(oldest, victim)
			s.evictions.Add(1)
			metrics.CacheEvictions.WithLabelValues(s.opts.RouteID, "capacity").Inc()
		}
		s.byValue[h] = append(s.byValue[h], key)
	}

	s.entries[key] = e
	metrics.CacheEntries.WithLabelValues(s.opts.RouteID).Set(float64(len(s.entries)))
}

// removeLocked deletes an entry and scrubs it from every value index it
// belongs to. Caller holds mu.
func (s *Store) removeLocked(key string, e *entry) {
	delete(s.entries, key)
	for _, v := range e.values {
		h := xxhash.Sum64String(v)
		keys := s.byValue[h]
		for i, k := range keys {
			if k == key {
				s.byValue[h] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(s.byValue[h]) == 0 {
			delete(s.byValue, h)
		}
	}
	metrics.CacheEntries.WithLabelValues(s.opts.RouteID).Set(float64(len(s.entries)))
}

// runSweeper removes expired entries on a fixed interval until ctx is done.
func (s *Store) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes all expired entries. A sweep failure must never take the
// process down; lazy expiry on access remains the correctness backstop.
func (s *Store) sweep() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("cache sweep failure",
				zap.String("route", s.opts.RouteID), zap.Any("panic", r))
		}
	}()

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			s.removeLocked(key, e)
			s.evictions.Add(1)
			metrics.CacheEvictions.WithLabelValues(s.opts.RouteID, "expired").Inc()
		}
	}
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	size := len(s.entries)
	s.mu.RUnlock()

	return Stats{
		Size:      size,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
