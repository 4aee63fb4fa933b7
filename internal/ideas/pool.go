package ideas

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status tracks an idea through its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusSkipped Status = "skip"
	StatusExpired Status = "expired"
)

// Idea is one piece of harvested writing material. Material holds the
// persona-voiced rewrite; Title and Link point back at the source item.
type Idea struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Source    string    `json:"source"`
	Material  string    `json:"material"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID derives the stable idea id from its source item, so re-harvesting
// the same feed entry never duplicates the pool.
func NewID(title, link string) string {
	sum := sha256.Sum256([]byte(title + "|" + link))
	return hex.EncodeToString(sum[:])
}

// Pool is a JSONL-backed idea store, one idea per line. Mutations rewrite
// the file through a temp-and-rename so a crash never truncates it.
type Pool struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	ideas map[string]Idea
	order []string // insertion order of ids
}

// NewPool opens (or creates) the pool file at path.
func NewPool(path string, logger *zap.Logger) (*Pool, error) {
	p := &Pool{
		path:   path,
		logger: logger,
		ideas:  make(map[string]Idea),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) load() error {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open idea pool: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var idea Idea
		if err := json.Unmarshal([]byte(raw), &idea); err != nil {
			// One corrupt line should not take the whole pool down.
			p.logger.Warn("skipping corrupt idea line",
				zap.String("path", p.path), zap.Int("line", line), zap.Error(err))
			continue
		}
		if idea.ID == "" {
			continue
		}
		if _, dup := p.ideas[idea.ID]; !dup {
			p.order = append(p.order, idea.ID)
		}
		p.ideas[idea.ID] = idea
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read idea pool: %w", err)
	}
	return nil
}

func (p *Pool) flush() error {
	var b strings.Builder
	for _, id := range p.order {
		data, err := json.Marshal(p.ideas[id])
		if err != nil {
			return fmt.Errorf("marshal idea %s: %w", id, err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write idea pool: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace idea pool: %w", err)
	}
	return nil
}

// Add inserts new ideas, skipping ids already in the pool. Returns how
// many were actually added.
func (p *Pool) Add(ideas ...Idea) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, idea := range ideas {
		if idea.ID == "" {
			idea.ID = NewID(idea.Title, idea.Link)
		}
		if _, dup := p.ideas[idea.ID]; dup {
			continue
		}
		if idea.Status == "" {
			idea.Status = StatusPending
		}
		if idea.CreatedAt.IsZero() {
			idea.CreatedAt = time.Now().UTC()
		}
		p.ideas[idea.ID] = idea
		p.order = append(p.order, idea.ID)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := p.flush(); err != nil {
		return added, err
	}
	return added, nil
}

// Recent returns up to limit ideas no older than maxAge, newest first,
// filtered to the given statuses (all statuses when none given).
func (p *Pool) Recent(limit int, maxAge time.Duration, statuses ...Status) ([]Idea, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var out []Idea
	for _, id := range p.order {
		idea := p.ideas[id]
		if maxAge > 0 && idea.CreatedAt.Before(cutoff) {
			continue
		}
		if len(statuses) > 0 && !statusIn(idea.Status, statuses) {
			continue
		}
		out = append(out, idea)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get looks up one idea by id.
func (p *Pool) Get(id string) (Idea, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idea, ok := p.ideas[id]
	return idea, ok
}

// SetStatus transitions one idea and persists the pool.
func (p *Pool) SetStatus(id string, st Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idea, ok := p.ideas[id]
	if !ok {
		return fmt.Errorf("idea %s not found", id)
	}
	idea.Status = st
	p.ideas[id] = idea
	return p.flush()
}

// ExpirePending marks pending ideas older than maxAge as expired.
// Returns how many were expired.
func (p *Pool) ExpirePending(maxAge time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	expired := 0
	for id, idea := range p.ideas {
		if idea.Status == StatusPending && idea.CreatedAt.Before(cutoff) {
			idea.Status = StatusExpired
			p.ideas[id] = idea
			expired++
		}
	}
	if expired == 0 {
		return 0, nil
	}
	if err := p.flush(); err != nil {
		return expired, err
	}
	return expired, nil
}

// Size reports how many ideas the pool holds in each status.
func (p *Pool) Size() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Status]int)
	for _, idea := range p.ideas {
		out[idea.Status]++
	}
	return out
}

// FormatForContext renders ideas as a prompt block for drafting.
// Returns "" when there is nothing to show.
func FormatForContext(ideas []Idea) string {
	if len(ideas) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent things on your mind:\n")
	for _, idea := range ideas {
		material := idea.Material
		if material == "" {
			material = idea.Title
		}
		fmt.Fprintf(&b, "- %s\n", material)
	}
	return b.String()
}

func statusIn(st Status, set []Status) bool {
	for _, s := range set {
		if st == s {
			return true
		}
	}
	return false
}
