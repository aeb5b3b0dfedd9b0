package monitor

import (
	"context"
	"time"
)

// Parser fetches canonical items from one source. Fetch returns items
// strictly newer than since plus the new high-water cursor; implementations
// stop once they cross the marker and back off internally when the origin
// signals rate limiting. Comments fetches the comment items of one post,
// keyed by the post's external id; source types without comments return an
// empty result.
type Parser interface {
	Fetch(ctx context.Context, src Source, since Cursor) (FetchResult, error)
	Comments(ctx context.Context, src Source, postExternalID string) (FetchResult, error)
}

// Store is the storage port. Upserts are atomic insert-or-update operations
// keyed by the natural key: (source_id, external_id) for posts and
// (post_id, external_id) for comments. UpsertComment resolves the parent
// post from the comment's SourceID and ParentExternalID inside the same
// operation and fails with ErrParentUnresolved when no such post is stored.
// GetCursor returns an empty cursor for a source that has never completed.
type Store interface {
	UpsertSource(ctx context.Context, src Source) (string, error)
	UpsertPost(ctx context.Context, post Post) error
	UpsertComment(ctx context.Context, comment Comment) error
	GetCursor(ctx context.Context, sourceID string) (Cursor, error)
	SetCursor(ctx context.Context, sourceID string, cursor Cursor) error
}

// RunStore persists run lifecycle records and per-source statistics.
type RunStore interface {
	StartRun(ctx context.Context, run Run) error
	CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, errText string) error
	AddSourceStats(ctx context.Context, runID string, source string, delta SourceStats, at time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	ListRunSources(ctx context.Context, runID string, limit, offset int) ([]RunSourceStats, error)
}

// KeywordGate is the cheap deterministic pre-screen run on every fetched
// item before any classifier is paid for.
type KeywordGate interface {
	Accept(text string) bool
}

// Scorer estimates topical relevance of a text in [0,1]. Implementations
// are deterministic for a fixed model version. ScoreBatch preserves input
// order; batching is an internal throughput optimization, not a contract
// change.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
	ScoreBatch(ctx context.Context, texts []string) ([]float64, error)
}

// CommentJudge produces the three independent comment judgments. The
// judgments are not mutually exclusive and must not be coupled.
type CommentJudge interface {
	Judge(ctx context.Context, text string) (CommentFlags, error)
}

// BlobStore archives raw fetched payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher delivers run reports to an external destination.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue hands sources to pipeline workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RenderedPage is returned by a Renderer after JavaScript execution.
// FinalURL reflects redirects followed by the browser.
type RenderedPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
}

// Renderer produces a fully rendered DOM for pages that are empty without
// JavaScript.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
}

// RenderDetector decides whether a statically fetched page needs headless
// promotion.
type RenderDetector interface {
	ShouldRender(statusCode int, body []byte) bool
}

// RetryPolicy classifies errors and spaces retry attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes short digests used for URL-derived external ids.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row and run ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
