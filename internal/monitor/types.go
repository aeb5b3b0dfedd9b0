// Package monitor defines core types shared across subsystems.
package monitor

import "time"

// SourceType selects which parser family handles a source.
type SourceType string

// Source types accepted in configuration and persisted with each source.
const (
	SourceNews      SourceType = "news"
	SourceSocial    SourceType = "social"
	SourceMessaging SourceType = "messaging"
)

// Source is a registered origin the pipeline harvests from. Sources are
// created from configuration at run start and are immutable for the duration
// of a run. A source is deactivated, never deleted, so historical rows keep
// their provenance.
type Source struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      SourceType `json:"type"`
	URL       string     `json:"url"`
	Active    bool       `json:"active"`
	Selectors Selectors  `json:"selectors,omitempty"`
	Render    bool       `json:"render,omitempty"`
}

// Selectors configures markup extraction for one news site. Each concrete
// site is a configuration instance of the single news parser, not a code
// variant.
type Selectors struct {
	List  string `json:"list" mapstructure:"list"`
	Link  string `json:"link" mapstructure:"link"`
	Title string `json:"title" mapstructure:"title"`
	Body  string `json:"body" mapstructure:"body"`
	Date  string `json:"date" mapstructure:"date"`
}

// ItemKind separates post-shaped items from comment-shaped ones.
type ItemKind string

// Item kinds emitted by parsers.
const (
	KindPost    ItemKind = "post"
	KindComment ItemKind = "comment"
)

// Item is the canonical in-memory shape every parser emits, independent of
// source type. Items are produced fresh on every fetch and never mutated
// after creation; they are discarded once folded into a Post or Comment or
// rejected.
type Item struct {
	SourceID   string     `json:"source_id"`
	Kind       ItemKind   `json:"kind"`
	ExternalID string     `json:"external_id"`
	Title      string     `json:"title,omitempty"`
	Body       string     `json:"body"`
	URL        string     `json:"url"`
	Published  *time.Time `json:"published_at,omitempty"`
	Likes      int        `json:"likes"`
	Views      int        `json:"views"`
	Comments   int        `json:"comments_count"`

	// Comment-shaped items carry the author and the external id of the
	// parent post they belong to.
	Author   string `json:"author,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Cursor is an opaque, source-type-specific high-water marker. An empty
// cursor means the source has never been successfully harvested.
type Cursor string

// FetchResult is the output of one parser invocation: the items strictly
// newer than the requested cursor, the new high-water cursor covering them,
// and the count of origin payloads that could not be decoded into items.
type FetchResult struct {
	Items     []Item
	Cursor    Cursor
	Malformed int
}

// Post is the persisted form of an accepted post-shaped item.
type Post struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	ExternalID string     `json:"external_id"`
	Title      string     `json:"title,omitempty"`
	Body       string     `json:"body"`
	URL        string     `json:"url"`
	Published  *time.Time `json:"published_at,omitempty"`
	Likes      int        `json:"likes"`
	Views      int        `json:"views"`
	Comments   int        `json:"comments_count"`
	Score      float64    `json:"relevance_score"`
	Relevant   bool       `json:"is_relevant"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CommentFlags carries the three independent moderation judgments plus the
// derived clean bit. Clean means neither political nor profane; it is
// computed, never judged on its own.
type CommentFlags struct {
	Relevant  bool `json:"is_relevant"`
	Political bool `json:"is_political"`
	Profane   bool `json:"is_profane"`
	Clean     bool `json:"is_clean"`
}

// NewCommentFlags builds the flag set from the three judged bits and derives
// clean. The zero value of CommentFlags, with clean false as well, is the
// stored shape for comments whose judgment failed.
func NewCommentFlags(relevant, political, profane bool) CommentFlags {
	return CommentFlags{
		Relevant:  relevant,
		Political: political,
		Profane:   profane,
		Clean:     !political && !profane,
	}
}

// Comment is the persisted form of a comment-shaped item. PostID refers to
// the stored parent post; SourceID plus ParentExternalID identify the parent
// for resolution during upsert.
type Comment struct {
	ID               string       `json:"id"`
	PostID           string       `json:"post_id"`
	SourceID         string       `json:"source_id"`
	ParentExternalID string       `json:"parent_external_id"`
	ExternalID       string       `json:"external_id"`
	Author           string       `json:"author,omitempty"`
	Body             string       `json:"body"`
	Published        *time.Time   `json:"published_at,omitempty"`
	Likes            int          `json:"likes"`
	Flags            CommentFlags `json:"flags"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// RunStatus represents the lifecycle state of a harvest run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one harvest invocation.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	ErrorText  string     `json:"error_text,omitempty"`
}

// SourceStats is the flat per-source counter set produced by each run. The
// key set is stable across runs so reports stay comparable.
type SourceStats struct {
	Fetched           int64 `json:"fetched"`
	RejectedKeyword   int64 `json:"rejected_keyword"`
	RejectedThreshold int64 `json:"rejected_threshold"`
	Accepted          int64 `json:"accepted"`
	Malformed         int64 `json:"malformed"`
	DegradedFallback  int64 `json:"degraded_fallback"`
	ParentUnresolved  int64 `json:"parent_unresolved"`
	CommentsFetched   int64 `json:"comments_fetched"`
	CommentsStored    int64 `json:"comments_stored"`
}

// Merge adds the counters of other into s.
func (s *SourceStats) Merge(other SourceStats) {
	s.Fetched += other.Fetched
	s.RejectedKeyword += other.RejectedKeyword
	s.RejectedThreshold += other.RejectedThreshold
	s.Accepted += other.Accepted
	s.Malformed += other.Malformed
	s.DegradedFallback += other.DegradedFallback
	s.ParentUnresolved += other.ParentUnresolved
	s.CommentsFetched += other.CommentsFetched
	s.CommentsStored += other.CommentsStored
}

// Map returns the flat stable-key form handed to report sinks.
func (s SourceStats) Map() map[string]int64 {
	return map[string]int64{
		"fetched":            s.Fetched,
		"rejected_keyword":   s.RejectedKeyword,
		"rejected_threshold": s.RejectedThreshold,
		"accepted":           s.Accepted,
		"malformed":          s.Malformed,
		"degraded_fallback":  s.DegradedFallback,
		"parent_unresolved":  s.ParentUnresolved,
		"comments_fetched":   s.CommentsFetched,
		"comments_stored":    s.CommentsStored,
	}
}

// RunSourceStats is one persisted per-source statistics row.
type RunSourceStats struct {
	RunID      string      `json:"run_id"`
	Source     string      `json:"source"`
	Stats      SourceStats `json:"stats"`
	LastUpdate time.Time   `json:"last_update"`
}

// Report is the run summary delivered to the report port at the end of every
// run, including degraded ones.
type Report struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Status     RunStatus              `json:"status"`
	Sources    map[string]SourceStats `json:"sources"`
	Totals     SourceStats            `json:"totals"`
}

// QueueItem wraps one source scheduled for processing within a run.
type QueueItem struct {
	RunID  string
	Source Source
}
