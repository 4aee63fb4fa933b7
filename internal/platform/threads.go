package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultThreadsBaseURL = "https://graph.threads.net/v1.0"

// ThreadsConfig configures the Threads Graph API adapter.
type ThreadsConfig struct {
	BaseURL     string
	AccessToken string
	UserID      string
	Username    string // the agent's own handle, used to drop self-authored replies
	Signature   string // appended to outgoing text, never part of what the engine remembers
	// How many of the agent's own posts to walk for replies, and how
	// many replies to collect under each.
	FetchPosts     int
	RepliesPerPost int
	SearchEnabled  bool
	Timeout        time.Duration
}

// Threads talks to the Threads Graph API over plain HTTP. Publishing
// is the platform's two-step dance: create a media container, then
// publish it by creation id.
type Threads struct {
	cfg    ThreadsConfig
	http   *http.Client
	logger *zap.Logger
	pause  time.Duration // spacing between per-post reply fetches
}

// NewThreads creates the adapter. It does not call the API; use Verify
// to check the token.
func NewThreads(cfg ThreadsConfig, logger *zap.Logger) *Threads {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultThreadsBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FetchPosts <= 0 {
		cfg.FetchPosts = 10
	}
	if cfg.RepliesPerPost <= 0 {
		cfg.RepliesPerPost = 10
	}
	return &Threads{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		pause:  200 * time.Millisecond,
	}
}

func (t *Threads) Name() string { return "threads" }

func (t *Threads) SelfID() string { return t.cfg.UserID }

// Close is a no-op; the adapter holds no connection state.
func (t *Threads) Close() error { return nil }

type threadsPost struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	IsReply   bool   `json:"is_reply"`
}

type threadsList struct {
	Data []threadsPost `json:"data"`
}

type threadsID struct {
	ID string `json:"id"`
}

type threadsProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Verify checks the token by loading the agent's own profile, and
// learns the username when the config leaves it empty.
func (t *Threads) Verify(ctx context.Context) error {
	var profile threadsProfile
	params := url.Values{"fields": {"id,username"}}
	if err := t.request(ctx, http.MethodGet, t.cfg.UserID, params, &profile); err != nil {
		return err
	}
	if t.cfg.Username == "" {
		t.cfg.Username = profile.Username
	}
	t.logger.Info("threads profile verified",
		zap.String("user_id", profile.ID),
		zap.String("username", profile.Username))
	return nil
}

// FetchCandidates collects inbound posts. Replies mode walks the
// agent's own recent posts and gathers the replies under them; search
// mode runs a keyword search, which the platform gates behind the
// keyword-search permission.
func (t *Threads) FetchCandidates(ctx context.Context, req FetchRequest) ([]Candidate, error) {
	switch req.Mode {
	case ModeSearch:
		return t.searchCandidates(ctx, req)
	default:
		return t.replyCandidates(ctx, req)
	}
}

func (t *Threads) replyCandidates(ctx context.Context, req FetchRequest) ([]Candidate, error) {
	params := url.Values{
		"fields": {"id,text,timestamp,username"},
		"limit":  {strconv.Itoa(t.cfg.FetchPosts)},
	}
	var own threadsList
	if err := t.request(ctx, http.MethodGet, t.cfg.UserID+"/threads", params, &own); err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, post := range own.Data {
		replies, err := t.postReplies(ctx, post.ID)
		if err != nil {
			// One broken thread should not sink the whole fetch.
			t.logger.Warn("fetch replies failed",
				zap.String("post_id", post.ID), zap.Error(err))
			continue
		}
		for _, r := range replies {
			if strings.EqualFold(r.Username, t.cfg.Username) {
				continue
			}
			candidates = append(candidates, Candidate{
				PostID:      r.ID,
				AuthorID:    r.Username,
				AuthorName:  r.Username,
				Text:        r.Text,
				CreatedAt:   parseThreadsTime(r.Timestamp),
				IsReply:     true,
				RepliedToID: post.ID,
			})
			if req.Limit > 0 && len(candidates) >= req.Limit {
				return candidates, nil
			}
		}
		if t.pause > 0 {
			select {
			case <-ctx.Done():
				return candidates, ctx.Err()
			case <-time.After(t.pause):
			}
		}
	}
	t.logger.Info("threads replies fetched",
		zap.Int("candidates", len(candidates)),
		zap.Int("own_posts", len(own.Data)))
	return candidates, nil
}

func (t *Threads) postReplies(ctx context.Context, postID string) ([]threadsPost, error) {
	params := url.Values{
		"fields": {"id,text,timestamp,username"},
		"limit":  {strconv.Itoa(t.cfg.RepliesPerPost)},
	}
	var list threadsList
	if err := t.request(ctx, http.MethodGet, postID+"/replies", params, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (t *Threads) searchCandidates(ctx context.Context, req FetchRequest) ([]Candidate, error) {
	if !t.cfg.SearchEnabled {
		return nil, &Error{Kind: ErrPermission, Op: "keyword_search",
			Message: "keyword search not enabled for this app"}
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	params := url.Values{
		"q":           {req.Query},
		"search_type": {"TOP"},
		"search_mode": {"KEYWORD"},
		"limit":       {strconv.Itoa(limit)},
		"fields":      {"id,text,timestamp,username,is_reply"},
	}
	var list threadsList
	if err := t.request(ctx, http.MethodGet, "keyword_search", params, &list); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(list.Data))
	for _, p := range list.Data {
		if strings.EqualFold(p.Username, t.cfg.Username) {
			continue
		}
		candidates = append(candidates, Candidate{
			PostID:     p.ID,
			AuthorID:   p.Username,
			AuthorName: p.Username,
			Text:       p.Text,
			CreatedAt:  parseThreadsTime(p.Timestamp),
			IsReply:    p.IsReply,
		})
	}
	return candidates, nil
}

// Publish runs the container/publish two-step. The configured signature
// goes out with the text here and nowhere else.
func (t *Threads) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	text := req.Text
	if t.cfg.Signature != "" {
		text = text + "\n\n" + t.cfg.Signature
	}

	params := url.Values{
		"media_type": {"TEXT"},
		"text":       {text},
	}
	if req.Kind == KindReply {
		if req.TargetID == "" {
			return nil, &Error{Kind: ErrInvalid, Op: "publish", Message: "reply without target id"}
		}
		params.Set("reply_to_id", req.TargetID)
	}

	var container threadsID
	if err := t.request(ctx, http.MethodPost, t.cfg.UserID+"/threads", params, &container); err != nil {
		return nil, err
	}

	var published threadsID
	publishParams := url.Values{"creation_id": {container.ID}}
	if err := t.request(ctx, http.MethodPost, t.cfg.UserID+"/threads_publish", publishParams, &published); err != nil {
		return nil, err
	}

	t.logger.Info("threads publish",
		zap.String("kind", string(req.Kind)),
		zap.String("remote_id", published.ID),
		zap.String("target_id", req.TargetID))
	return &PublishResult{RemoteID: published.ID}, nil
}

// Quota is the platform's own view of the day's publishing budget.
type Quota struct {
	PostsUsed    int `json:"quota_usage"`
	PostsTotal   int `json:"quota_total"`
	RepliesUsed  int `json:"reply_quota_usage"`
	RepliesTotal int `json:"reply_quota_total"`
}

// PublishingQuota reads the platform-side rate limit status.
func (t *Threads) PublishingQuota(ctx context.Context) (*Quota, error) {
	var resp struct {
		Data []struct {
			QuotaUsage      int `json:"quota_usage"`
			ReplyQuotaUsage int `json:"reply_quota_usage"`
			Config          struct {
				QuotaTotal      int `json:"quota_total"`
				ReplyQuotaTotal int `json:"reply_quota_total"`
			} `json:"config"`
		} `json:"data"`
	}
	params := url.Values{"fields": {"quota_usage,config"}}
	if err := t.request(ctx, http.MethodGet, t.cfg.UserID+"/threads_publishing_limit", params, &resp); err != nil {
		return nil, err
	}
	q := &Quota{PostsTotal: 250, RepliesTotal: 1000}
	if len(resp.Data) > 0 {
		d := resp.Data[0]
		q.PostsUsed = d.QuotaUsage
		q.RepliesUsed = d.ReplyQuotaUsage
		if d.Config.QuotaTotal > 0 {
			q.PostsTotal = d.Config.QuotaTotal
		}
		if d.Config.ReplyQuotaTotal > 0 {
			q.RepliesTotal = d.Config.ReplyQuotaTotal
		}
	}
	return q, nil
}

// request performs one Graph API call. The token and all parameters
// travel in the query string on both GET and POST, matching how the
// API expects text publishes.
func (t *Threads) request(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", t.cfg.AccessToken)

	reqURL := t.cfg.BaseURL + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return &Error{Kind: ErrTransient, Op: endpoint, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrTransient, Op: endpoint, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return t.classify(endpoint, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

// classify maps a Graph API error to the engine's taxonomy. Code 190
// is an expired or invalid token, 10 a missing permission, 2 a
// transient platform hiccup, and 4/17/613 are throttling codes.
func (t *Threads) classify(op string, status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)

	e := &Error{
		Op:      op,
		Status:  status,
		Code:    parsed.Error.Code,
		Message: parsed.Error.Message,
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusTooManyRequests, e.Code == 4, e.Code == 17, e.Code == 613:
		e.Kind = ErrRateLimited
	case e.Code == 190, e.Code == 10, status == http.StatusForbidden:
		e.Kind = ErrPermission
	case status == http.StatusNotFound:
		e.Kind = ErrNotFound
	case status >= 500, e.Code == 2:
		e.Kind = ErrTransient
	default:
		e.Kind = ErrInvalid
	}

	t.logger.Warn("threads api error",
		zap.String("op", op),
		zap.Int("status", status),
		zap.Int("code", e.Code),
		zap.String("kind", string(e.Kind)))
	return e
}

func parseThreadsTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
