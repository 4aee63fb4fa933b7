package e2e

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
	"github.com/Chuanyin1202/anima/internal/relation"
)

// Package-level shared state, set by TestMain and read by all subtests.
var (
	testLogger   *zap.Logger
	testRedisURL string
	testPGDSN    string
	testNeo4jURI string
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("anima_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return "redis://" + endpoint, cleanup, nil
}

// newTestCounters builds Redis-backed budget counters with the given
// caps, namespaced so subtests sharing the container stay independent.
func newTestCounters(t *testing.T, agent string, limits ratelimit.Limits) *ratelimit.RedisCounters {
	t.Helper()
	counters, err := ratelimit.NewRedisCounters(testRedisURL, agent, limits, testLogger)
	if err != nil {
		t.Fatalf("redis counters: %v", err)
	}
	t.Cleanup(func() { counters.Close() })
	return counters
}

// newTestLedger connects a fresh action ledger; the schema migrates on connect.
func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.New(context.Background(), testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// newTestGraph connects a relation graph under one agent namespace so
// parallel tests cannot see each other's participants.
func newTestGraph(t *testing.T, agent string) *relation.Graph {
	t.Helper()
	graph, err := relation.New(testNeo4jURI, "", "", agent, testLogger)
	if err != nil {
		t.Fatalf("relation graph: %v", err)
	}
	t.Cleanup(func() { graph.Close(context.Background()) })
	return graph
}

// scriptedLLM is a deterministic stand-in for the model so the cycle
// tests need no network. Generate returns a fixed reply and Score
// accepts everything unless configured otherwise.
type scriptedLLM struct {
	mu       sync.Mutex
	reply    string
	score    float64
	requests []llm.Request
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.reply == "" {
		return "raised beds fixed that for me, drainage matters more than people think", nil
	}
	return s.reply, nil
}

func (s *scriptedLLM) Score(ctx context.Context, req llm.Request) (*llm.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.score == 0 {
		return &llm.ScoreResult{Score: 0.92}, nil
	}
	return &llm.ScoreResult{Score: s.score}, nil
}

func (s *scriptedLLM) generateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// axisEmbedder hashes text onto a single vector axis. Deterministic and
// cheap; distinct texts rarely collide.
type axisEmbedder struct{ dim int }

func (a *axisEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New32a()
		h.Write([]byte(t))
		vec := make([]float32, a.dim)
		vec[int(h.Sum32())%a.dim] = 1
		out[i] = vec
	}
	return out, nil
}

func (a *axisEmbedder) Dimension() int { return a.dim }
