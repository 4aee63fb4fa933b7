package ratelimit

import (
	"context"
	"time"
)

// Kind is the type of publish action a counter tracks.
type Kind string

const (
	KindPost  Kind = "post"
	KindReply Kind = "reply"
)

// Limits are the per-UTC-day publish caps.
type Limits struct {
	Posts   int
	Replies int
}

// For returns the cap for one action kind.
func (l Limits) For(kind Kind) int {
	if kind == KindPost {
		return l.Posts
	}
	return l.Replies
}

// Usage is a point-in-time snapshot of the day's counters.
type Usage struct {
	Day        string `json:"day"`
	Posts      int    `json:"posts"`
	PostLimit  int    `json:"post_limit"`
	Replies    int    `json:"replies"`
	ReplyLimit int    `json:"reply_limit"`
}

// Counters enforces daily publish caps. Reserve takes a slot before a
// publish attempt and reports false when the day's budget is spent;
// Release refunds a slot when the publish itself fails, so failed
// attempts never consume budget.
type Counters interface {
	Reserve(ctx context.Context, kind Kind) (bool, error)
	Release(ctx context.Context, kind Kind) error
	Remaining(ctx context.Context, kind Kind) (int, error)
	Usage(ctx context.Context) (Usage, error)
}

// dayKey buckets counters by UTC day so every deployment rolls over
// at the same instant regardless of host timezone.
func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
