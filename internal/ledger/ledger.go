package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store keeps the durable audit trail in PostgreSQL: every published
// action, every orphaned publish, and one report per interaction cycle.
// Vector memory answers "what do I remember"; the ledger answers "what
// did I actually do".
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects a pgx pool and creates the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("ledger connected")
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS published_actions (
	id             UUID PRIMARY KEY,
	kind           TEXT NOT NULL,
	remote_id      TEXT NOT NULL,
	target_post_id TEXT NOT NULL DEFAULT '',
	participant_id TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS published_actions_created_idx ON published_actions (created_at DESC);

CREATE TABLE IF NOT EXISTS orphaned_actions (
	id             UUID PRIMARY KEY,
	remote_id      TEXT NOT NULL,
	target_post_id TEXT NOT NULL DEFAULT '',
	participant_id TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL,
	reason         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cycle_reports (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	mode          TEXT NOT NULL,
	dry_run       BOOLEAN NOT NULL DEFAULT FALSE,
	fetched       INT NOT NULL,
	considered    INT NOT NULL,
	published     INT NOT NULL,
	failed        INT NOT NULL,
	skipped       JSONB NOT NULL DEFAULT '{}',
	published_ids JSONB NOT NULL DEFAULT '[]',
	failures      JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS cycle_reports_started_idx ON cycle_reports (started_at DESC);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// PublishedAction is one successfully published post or reply.
type PublishedAction struct {
	ID            string
	Kind          string // "post" or "reply"
	RemoteID      string
	TargetPostID  string
	ParticipantID string
	Content       string
	CreatedAt     time.Time
}

// OrphanedAction is a publish that succeeded on the platform but whose
// memory write failed. The platform has the post; the agent does not
// remember it. These rows exist for manual reconciliation.
type OrphanedAction struct {
	ID            string
	RemoteID      string
	TargetPostID  string
	ParticipantID string
	Content       string
	Reason        string
	CreatedAt     time.Time
}

// CycleReport summarizes one interaction cycle. Skipped maps a skip
// reason to how many candidates it claimed.
type CycleReport struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Mode         string         `json:"mode"`
	DryRun       bool           `json:"dry_run"`
	Fetched      int            `json:"fetched"`
	Considered   int            `json:"considered"`
	Published    int            `json:"published"`
	Failed       int            `json:"failed"`
	Skipped      map[string]int `json:"skipped"`
	PublishedIDs []string       `json:"published_ids,omitempty"`
	Failures     []string       `json:"failures,omitempty"`
}

// Skip counts one candidate against a skip reason.
func (r *CycleReport) Skip(reason string) {
	if r.Skipped == nil {
		r.Skipped = map[string]int{}
	}
	r.Skipped[reason]++
}

// Fail records one hard failure alongside its skip reason.
func (r *CycleReport) Fail(reason, cause string) {
	r.Skip(reason)
	r.Failed++
	r.Failures = append(r.Failures, cause)
}

// Summary renders a one-line digest for logs and notifications.
func (r *CycleReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d fetched, %d considered, %d published, %d failed",
		r.Fetched, r.Considered, r.Published, r.Failed)
	if len(r.Skipped) > 0 {
		reasons := make([]string, 0, len(r.Skipped))
		for reason := range r.Skipped {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, r.Skipped[reason]))
		}
		fmt.Fprintf(&b, ", skipped: %s", strings.Join(parts, " "))
	}
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	return b.String()
}

// RecordPublish appends one published action.
func (s *Store) RecordPublish(ctx context.Context, a PublishedAction) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO published_actions (id, kind, remote_id, target_post_id, participant_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Kind, a.RemoteID, a.TargetPostID, a.ParticipantID, a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record publish %s: %w", a.RemoteID, err)
	}
	return nil
}

// RecordOrphan appends one orphaned publish.
func (s *Store) RecordOrphan(ctx context.Context, o OrphanedAction) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO orphaned_actions (id, remote_id, target_post_id, participant_id, content, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.RemoteID, o.TargetPostID, o.ParticipantID, o.Content, o.Reason, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record orphan %s: %w", o.RemoteID, err)
	}
	s.logger.Warn("orphaned publish recorded",
		zap.String("remote_id", o.RemoteID),
		zap.String("reason", o.Reason))
	return nil
}

// SaveReport persists one cycle report.
func (s *Store) SaveReport(ctx context.Context, r *CycleReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Skipped == nil {
		r.Skipped = map[string]int{}
	}
	if r.PublishedIDs == nil {
		r.PublishedIDs = []string{}
	}
	if r.Failures == nil {
		r.Failures = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO cycle_reports (id, started_at, finished_at, mode, dry_run, fetched, considered, published, failed, skipped, published_ids, failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.StartedAt, r.FinishedAt, r.Mode, r.DryRun,
		r.Fetched, r.Considered, r.Published, r.Failed, r.Skipped,
		r.PublishedIDs, r.Failures,
	)
	if err != nil {
		return fmt.Errorf("save cycle report %s: %w", r.ID, err)
	}
	return nil
}

// RecentReports returns the latest cycle reports, newest first.
func (s *Store) RecentReports(ctx context.Context, limit int) ([]CycleReport, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, started_at, finished_at, mode, dry_run, fetched, considered, published, failed, skipped, published_ids, failures
		FROM cycle_reports ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycle reports: %w", err)
	}
	defer rows.Close()

	var reports []CycleReport
	for rows.Next() {
		var r CycleReport
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.FinishedAt, &r.Mode, &r.DryRun,
			&r.Fetched, &r.Considered, &r.Published, &r.Failed, &r.Skipped,
			&r.PublishedIDs, &r.Failures,
		); err != nil {
			return nil, fmt.Errorf("scan cycle report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Orphans returns the latest orphaned publishes, newest first.
func (s *Store) Orphans(ctx context.Context, limit int) ([]OrphanedAction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, remote_id, target_post_id, participant_id, content, reason, created_at
		FROM orphaned_actions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var orphans []OrphanedAction
	for rows.Next() {
		var o OrphanedAction
		if err := rows.Scan(
			&o.ID, &o.RemoteID, &o.TargetPostID, &o.ParticipantID, &o.Content, &o.Reason, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// PublishedSince counts actions of one kind since a cutoff, for stats.
func (s *Store) PublishedSince(ctx context.Context, kind string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM published_actions WHERE kind = $1 AND created_at >= $2`,
		kind, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count published: %w", err)
	}
	return n, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
