package vectorstore

import "context"

// Point is one embedded record with its string payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is a point returned by a query or scroll. Score is cosine
// similarity for queries and zero for scrolls.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Filter matches points whose payload contains every listed key/value.
type Filter map[string]string

// Index is a partitioned vector index. Partitions isolate memory
// scopes from each other; cross-partition merging is the caller's
// concern.
type Index interface {
	EnsurePartition(ctx context.Context, partition string, dimension uint64) error
	Upsert(ctx context.Context, partition string, p Point) error
	Query(ctx context.Context, partition string, vector []float32, limit int, f Filter) ([]Hit, error)
	Scroll(ctx context.Context, partition string, limit int, f Filter) ([]Hit, error)
	SetPayload(ctx context.Context, partition string, ids []string, kv map[string]string) error
	Close() error
}
