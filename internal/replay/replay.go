// Package replay remembers recently seen request signatures so that a
// captured request cannot be submitted twice within its validity window.
package replay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

// DefaultSweepEvery is how many insertions trigger a background sweep.
const DefaultSweepEvery = 1000

type entry struct {
	insertedAt int64
	ttl        int64
}

func (e entry) expired(now int64) bool {
	return now-e.insertedAt >= e.ttl
}

// Options configures a Cache.
type Options struct {
	SweepEvery int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Cache is a concurrent set of signatures with per-entry expiry. Insertion
// and the duplicate check are one atomic step per signature. Expired entries
// are removed by a single background worker, woken every SweepEvery
// insertions; the request path never waits for a sweep.
type Cache struct {
	entries    sync.Map
	inserts    atomic.Int64
	sweepEvery int64
	clock      clock.Clock
	logger     *slog.Logger

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a Cache and its sweep worker. Call Close to stop the worker.
func New(opts Options) *Cache {
	c := &Cache{
		sweepEvery: int64(opts.SweepEvery),
		clock:      opts.Clock,
		logger:     opts.Logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if c.sweepEvery <= 0 {
		c.sweepEvery = DefaultSweepEvery
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// IsDuplicate records signature and reports whether an unexpired entry for
// it already existed. Among concurrent callers presenting the same new
// signature exactly one receives false.
func (c *Cache) IsDuplicate(signature string, ttl time.Duration) bool {
	now := c.clock.Now().UnixNano()
	fresh := entry{insertedAt: now, ttl: int64(ttl)}
	for {
		prev, loaded := c.entries.LoadOrStore(signature, fresh)
		if !loaded {
			c.noteInsert()
			return false
		}
		old := prev.(entry)
		if !old.expired(now) {
			return true
		}
		// Expired: take it over. Losing the swap means another caller
		// replaced or removed it first, so look again.
		if c.entries.CompareAndSwap(signature, old, fresh) {
			c.noteInsert()
			return false
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now().UnixNano()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		if v.(entry).expired(now) && c.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Close stops the sweep worker and waits for it to exit.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cache) noteInsert() {
	if c.inserts.Add(1)%c.sweepEvery != 0 {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
		// A sweep is already pending.
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("replay cache swept", "removed", n)
			}
		}
	}
}
