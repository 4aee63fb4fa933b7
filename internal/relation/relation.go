package relation

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Graph tracks who the agent talks to in Neo4j. Vector memory holds
// what was said; the graph holds the social shape around it: how often
// each participant shows up and how recently.
type Graph struct {
	driver neo4j.DriverWithContext
	agent  string
	logger *zap.Logger
}

// New creates a Graph bound to one agent name.
func New(uri, user, password, agent string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, agent: agent, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// RecordInteraction bumps the edge between the agent and a participant:
// first contact creates it, every interaction increments the count and
// refreshes the last-seen marker.
func (g *Graph) RecordInteraction(ctx context.Context, participantID, alias, postID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Agent {name: $agent})
		 MERGE (p:Participant {id: $pid})
		 SET p.alias = $alias
		 MERGE (a)-[r:INTERACTED_WITH]->(p)
		 ON CREATE SET r.count = 1, r.first_at = datetime()
		 ON MATCH SET r.count = r.count + 1
		 SET r.last_at = datetime(), r.last_post_id = $postId`,
		map[string]interface{}{
			"agent":  g.agent,
			"pid":    participantID,
			"alias":  alias,
			"postId": postID,
		})
	if err != nil {
		return fmt.Errorf("record interaction with %s: %w", participantID, err)
	}
	return nil
}

// Participant is one conversation partner seen from the graph.
type Participant struct {
	ID           string
	Alias        string
	Interactions int
	LastAt       time.Time
}

// TopParticipants returns the most frequent conversation partners.
func (g *Graph) TopParticipants(ctx context.Context, limit int) ([]Participant, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Agent {name: $agent})-[r:INTERACTED_WITH]->(p:Participant)
		 RETURN p.id AS id, p.alias AS alias, r.count AS count, r.last_at AS last_at
		 ORDER BY r.count DESC LIMIT $limit`,
		map[string]interface{}{"agent": g.agent, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("top participants: %w", err)
	}

	var participants []Participant
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		alias, _ := rec.Get("alias")
		count, _ := rec.Get("count")
		lastAt, _ := rec.Get("last_at")

		p := Participant{}
		if s, ok := id.(string); ok {
			p.ID = s
		}
		if s, ok := alias.(string); ok {
			p.Alias = s
		}
		if n, ok := count.(int64); ok {
			p.Interactions = int(n)
		}
		if t, ok := lastAt.(time.Time); ok {
			p.LastAt = t
		}
		participants = append(participants, p)
	}
	return participants, result.Err()
}
