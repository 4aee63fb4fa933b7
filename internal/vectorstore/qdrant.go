package vectorstore

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string
	Port int
}

// Qdrant implements Index over Qdrant's gRPC API, one collection per
// partition.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient

	mu    sync.Mutex
	known map[string]bool
}

// NewQdrant dials the Qdrant gRPC endpoint and returns a ready index.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		known:       make(map[string]bool),
	}, nil
}

// EnsurePartition creates the partition's collection if it does not
// already exist. Known partitions are cached so per-write calls stay
// cheap.
func (q *Qdrant) EnsurePartition(ctx context.Context, partition string, dimension uint64) error {
	q.mu.Lock()
	if q.known[partition] {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: partition})
	if err != nil {
		_, err = q.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: partition,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     dimension,
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", partition, err)
		}
	}

	q.mu.Lock()
	q.known[partition] = true
	q.mu.Unlock()
	return nil
}

// Upsert inserts or updates a single point.
func (q *Qdrant) Upsert(ctx context.Context, partition string, p Point) error {
	payload := make(map[string]*pb.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: partition,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", partition, err)
	}
	return nil
}

// Query performs a nearest-neighbor search within one partition.
func (q *Qdrant) Query(ctx context.Context, partition string, vector []float32, limit int, f Filter) ([]Hit, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: partition,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         buildFilter(f),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", partition, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: extractPayload(r.Payload),
		})
	}
	return hits, nil
}

// Scroll reads up to limit points from a partition without ranking.
func (q *Qdrant) Scroll(ctx context.Context, partition string, limit int, f Filter) ([]Hit, error) {
	n := uint32(limit)
	resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: partition,
		Limit:          &n,
		Filter:         buildFilter(f),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", partition, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			ID:      r.Id.GetUuid(),
			Payload: extractPayload(r.Payload),
		})
	}
	return hits, nil
}

// SetPayload merges key/values into the payload of the given points.
func (q *Qdrant) SetPayload(ctx context.Context, partition string, ids []string, kv map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := make(map[string]*pb.Value, len(kv))
	for k, v := range kv {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	_, err := q.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: partition,
		Payload:        payload,
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("set payload %s: %w", partition, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func buildFilter(f Filter) *pb.Filter {
	if len(f) == 0 {
		return nil
	}
	conditions := make([]*pb.Condition, 0, len(f))
	for k, v := range f {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &pb.Filter{Must: conditions}
}

func extractPayload(raw map[string]*pb.Value) map[string]string {
	payload := make(map[string]string, len(raw))
	for k, v := range raw {
		if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
			payload[k] = sv.StringValue
		}
	}
	return payload
}
