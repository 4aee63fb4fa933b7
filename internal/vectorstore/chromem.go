package vectorstore

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem implements Index over the embedded chromem-go database, one
// collection per partition. It backs local runs and tests; nothing
// leaves the process. A side record of payloads preserves insertion
// order for Scroll, which chromem does not expose.
type Chromem struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	order       map[string][]string          // partition -> point IDs in insert order
	payloads    map[string]map[string]map[string]string // partition -> id -> payload
}

// NewChromem creates an in-memory index.
func NewChromem() *Chromem {
	return &Chromem{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		order:       make(map[string][]string),
		payloads:    make(map[string]map[string]map[string]string),
	}
}

// EnsurePartition creates the partition's collection on first use.
func (c *Chromem) EnsurePartition(_ context.Context, partition string, _ uint64) error {
	_, err := c.collection(partition)
	return err
}

func (c *Chromem) collection(partition string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[partition]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[partition]; ok {
		return col, nil
	}
	col, err := c.db.CreateCollection(partition, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", partition, err)
	}
	c.collections[partition] = col
	c.payloads[partition] = make(map[string]map[string]string)
	return col, nil
}

// Upsert inserts or updates a single point.
func (c *Chromem) Upsert(ctx context.Context, partition string, p Point) error {
	col, err := c.collection(partition)
	if err != nil {
		return err
	}

	payload := make(map[string]string, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = v
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        p.ID,
		Content:   payload["content"],
		Embedding: p.Vector,
		Metadata:  payload,
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", partition, err)
	}

	c.mu.Lock()
	if _, seen := c.payloads[partition][p.ID]; !seen {
		c.order[partition] = append(c.order[partition], p.ID)
	}
	c.payloads[partition][p.ID] = payload
	c.mu.Unlock()
	return nil
}

// Query performs a similarity search within one partition.
func (c *Chromem) Query(ctx context.Context, partition string, vector []float32, limit int, f Filter) ([]Hit, error) {
	col, err := c.collection(partition)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the document count.
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, map[string]string(f), nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", partition, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		c.mu.RLock()
		payload := clonePayload(c.payloads[partition][r.ID])
		c.mu.RUnlock()
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	return hits, nil
}

// Scroll returns up to limit points in insertion order.
func (c *Chromem) Scroll(_ context.Context, partition string, limit int, f Filter) ([]Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := make([]Hit, 0, limit)
	for _, id := range c.order[partition] {
		payload := c.payloads[partition][id]
		if !matches(payload, f) {
			continue
		}
		hits = append(hits, Hit{ID: id, Payload: clonePayload(payload)})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// SetPayload merges key/values into the payload of the given points.
func (c *Chromem) SetPayload(ctx context.Context, partition string, ids []string, kv map[string]string) error {
	col, err := c.collection(partition)
	if err != nil {
		return err
	}

	for _, id := range ids {
		c.mu.Lock()
		payload, ok := c.payloads[partition][id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		for k, v := range kv {
			payload[k] = v
		}
		updated := clonePayload(payload)
		c.mu.Unlock()

		// Re-add with the same ID to overwrite chromem's copy of the metadata.
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		doc.Metadata = updated
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("update document %s: %w", partition, err)
		}
	}
	return nil
}

// Close is a no-op; everything lives in process memory.
func (c *Chromem) Close() error { return nil }

func matches(payload map[string]string, f Filter) bool {
	for k, v := range f {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func clonePayload(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
