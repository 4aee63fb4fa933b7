package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters implements Counters in process memory. It backs dry
// runs and tests; a restart forgets the day's usage.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int
	limits Limits
	now    func() time.Time
}

// NewMemoryCounters creates an in-process counter set.
func NewMemoryCounters(limits Limits) *MemoryCounters {
	return &MemoryCounters{
		counts: make(map[string]int),
		limits: limits,
		now:    time.Now,
	}
}

func (c *MemoryCounters) key(kind Kind) string {
	return string(kind) + ":" + dayKey(c.now())
}

// Reserve takes one slot, or reports false when the day is spent.
func (c *MemoryCounters) Reserve(_ context.Context, kind Kind) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(kind)
	if c.counts[key]+1 > c.limits.For(kind) {
		return false, nil
	}
	c.counts[key]++
	return true, nil
}

// Release refunds one slot.
func (c *MemoryCounters) Release(_ context.Context, kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(kind)
	if c.counts[key] > 0 {
		c.counts[key]--
	}
	return nil
}

// Remaining returns the day's leftover budget for one kind.
func (c *MemoryCounters) Remaining(_ context.Context, kind Kind) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limits.For(kind) - c.counts[c.key(kind)]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Usage snapshots both counters.
func (c *MemoryCounters) Usage(_ context.Context) (Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Usage{
		Day:        dayKey(c.now()),
		Posts:      c.counts[c.key(KindPost)],
		PostLimit:  c.limits.Posts,
		Replies:    c.counts[c.key(KindReply)],
		ReplyLimit: c.limits.Replies,
	}, nil
}
