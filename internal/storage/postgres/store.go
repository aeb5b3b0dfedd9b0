// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store persists sources, posts, comments, cursors and run records. It
// implements both the storage port and the run store on one pool. All
// upserts are single ON CONFLICT statements so the natural-key contract
// holds under concurrent workers without pipeline-side read-then-write.
type Store struct {
	pool querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (type, url)
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id UUID PRIMARY KEY,
		source_id UUID NOT NULL REFERENCES sources(id),
		external_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		url TEXT NOT NULL,
		published_at TIMESTAMPTZ,
		likes BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		comments_count BIGINT NOT NULL DEFAULT 0,
		relevance_score DOUBLE PRECISION NOT NULL,
		is_relevant BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id UUID PRIMARY KEY,
		post_id UUID NOT NULL REFERENCES posts(id),
		source_id UUID NOT NULL,
		external_id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		published_at TIMESTAMPTZ,
		likes BIGINT NOT NULL DEFAULT 0,
		is_relevant BOOLEAN NOT NULL DEFAULT FALSE,
		is_political BOOLEAN NOT NULL DEFAULT FALSE,
		is_profane BOOLEAN NOT NULL DEFAULT FALSE,
		is_clean BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (post_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		source_id UUID PRIMARY KEY,
		marker TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		error_text TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS run_source_stats (
		run_id UUID NOT NULL REFERENCES runs(id),
		source TEXT NOT NULL,
		fetched BIGINT NOT NULL DEFAULT 0,
		rejected_keyword BIGINT NOT NULL DEFAULT 0,
		rejected_threshold BIGINT NOT NULL DEFAULT 0,
		accepted BIGINT NOT NULL DEFAULT 0,
		malformed BIGINT NOT NULL DEFAULT 0,
		degraded_fallback BIGINT NOT NULL DEFAULT 0,
		parent_unresolved BIGINT NOT NULL DEFAULT 0,
		comments_fetched BIGINT NOT NULL DEFAULT 0,
		comments_stored BIGINT NOT NULL DEFAULT 0,
		last_update TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, source)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_published_at ON posts (published_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments (post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC)`,
}

// Bootstrap creates the schema when it does not exist yet. Statements run
// one at a time; pgx's extended protocol rejects multi-statement strings.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storeErr("bootstrap schema", err)
		}
	}
	return nil
}

// UpsertSource registers a source, keyed by (type, url), and returns its
// stable id. Re-registering updates name and active flag; the id from the
// first sighting survives.
func (s *Store) UpsertSource(ctx context.Context, src monitor.Source) (string, error) {
	if src.ID == "" {
		return "", fmt.Errorf("source id is required")
	}
	query := `
		INSERT INTO sources (id, name, type, url, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (type, url) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = now()
		RETURNING id;
	`
	var id string
	err := s.pool.QueryRow(ctx, query, src.ID, src.Name, src.Type, src.URL, src.Active).Scan(&id)
	if err != nil {
		return "", storeErr("failed to upsert source", err)
	}
	return id, nil
}

// UpsertPost inserts or updates a post by (source_id, external_id) in one
// statement. Updates move only the mutable fields; a missing publish
// timestamp never erases a stored one.
func (s *Store) UpsertPost(ctx context.Context, post monitor.Post) error {
	query := `
		INSERT INTO posts (
			id, source_id, external_id, title, body, url, published_at,
			likes, views, comments_count, relevance_score, is_relevant,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (source_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			url = EXCLUDED.url,
			published_at = COALESCE(EXCLUDED.published_at, posts.published_at),
			likes = EXCLUDED.likes,
			views = EXCLUDED.views,
			comments_count = EXCLUDED.comments_count,
			relevance_score = EXCLUDED.relevance_score,
			is_relevant = EXCLUDED.is_relevant,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		post.ID,
		post.SourceID,
		post.ExternalID,
		post.Title,
		post.Body,
		post.URL,
		post.Published,
		post.Likes,
		post.Views,
		post.Comments,
		post.Score,
		post.Relevant,
		post.CreatedAt,
		post.UpdatedAt,
	)
	if err != nil {
		return storeErr("failed to upsert post", err)
	}
	return nil
}

// UpsertComment resolves the parent post and inserts or updates the comment
// by (post_id, external_id), all in one statement. Zero affected rows means
// the parent is not stored, reported as monitor.ErrParentUnresolved.
func (s *Store) UpsertComment(ctx context.Context, comment monitor.Comment) error {
	query := `
		INSERT INTO comments (
			id, post_id, source_id, external_id, author, body, published_at,
			likes, is_relevant, is_political, is_profane, is_clean,
			created_at, updated_at
		)
		SELECT $1, p.id, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		FROM posts p
		WHERE p.source_id = $2 AND p.external_id = $14
		ON CONFLICT (post_id, external_id) DO UPDATE SET
			author = EXCLUDED.author,
			body = EXCLUDED.body,
			published_at = COALESCE(EXCLUDED.published_at, comments.published_at),
			likes = EXCLUDED.likes,
			is_relevant = EXCLUDED.is_relevant,
			is_political = EXCLUDED.is_political,
			is_profane = EXCLUDED.is_profane,
			is_clean = EXCLUDED.is_clean,
			updated_at = EXCLUDED.updated_at;
	`
	tag, err := s.pool.Exec(ctx, query,
		comment.ID,
		comment.SourceID,
		comment.ExternalID,
		comment.Author,
		comment.Body,
		comment.Published,
		comment.Likes,
		comment.Flags.Relevant,
		comment.Flags.Political,
		comment.Flags.Profane,
		comment.Flags.Clean,
		comment.CreatedAt,
		comment.UpdatedAt,
		comment.ParentExternalID,
	)
	if err != nil {
		return storeErr("failed to upsert comment", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrParentUnresolved
	}
	return nil
}

// GetCursor returns the stored cursor, or an empty cursor for a source that
// has never completed a harvest.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (monitor.Cursor, error) {
	var marker string
	err := s.pool.QueryRow(ctx, `SELECT marker FROM cursors WHERE source_id = $1;`, sourceID).Scan(&marker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", storeErr("failed to get cursor", err)
	}
	return monitor.Cursor(marker), nil
}

// SetCursor stores the new high-water marker for a source.
func (s *Store) SetCursor(ctx context.Context, sourceID string, cursor monitor.Cursor) error {
	query := `
		INSERT INTO cursors (source_id, marker, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_id) DO UPDATE
		SET marker = EXCLUDED.marker, updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, sourceID, string(cursor)); err != nil {
		return storeErr("failed to set cursor", err)
	}
	return nil
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run monitor.Run) error {
	query := `INSERT INTO runs (id, started_at, status) VALUES ($1, $2, $3);`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartedAt, run.Status); err != nil {
		return storeErr("failed to start run", err)
	}
	return nil
}

// CompleteRun marks a run finished with its final status.
func (s *Store) CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status monitor.RunStatus, errText string) error {
	query := `UPDATE runs SET finished_at = $1, status = $2, error_text = $3 WHERE id = $4;`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errText, runID)
	if err != nil {
		return storeErr("failed to complete run", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// AddSourceStats folds delta into the per-source counters of a run as one
// additive upsert.
func (s *Store) AddSourceStats(ctx context.Context, runID string, source string, delta monitor.SourceStats, at time.Time) error {
	query := `
		INSERT INTO run_source_stats (
			run_id, source, fetched, rejected_keyword, rejected_threshold,
			accepted, malformed, degraded_fallback, parent_unresolved,
			comments_fetched, comments_stored, last_update
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (run_id, source) DO UPDATE SET
			fetched = run_source_stats.fetched + EXCLUDED.fetched,
			rejected_keyword = run_source_stats.rejected_keyword + EXCLUDED.rejected_keyword,
			rejected_threshold = run_source_stats.rejected_threshold + EXCLUDED.rejected_threshold,
			accepted = run_source_stats.accepted + EXCLUDED.accepted,
			malformed = run_source_stats.malformed + EXCLUDED.malformed,
			degraded_fallback = run_source_stats.degraded_fallback + EXCLUDED.degraded_fallback,
			parent_unresolved = run_source_stats.parent_unresolved + EXCLUDED.parent_unresolved,
			comments_fetched = run_source_stats.comments_fetched + EXCLUDED.comments_fetched,
			comments_stored = run_source_stats.comments_stored + EXCLUDED.comments_stored,
			last_update = EXCLUDED.last_update;
	`
	_, err := s.pool.Exec(ctx, query,
		runID,
		source,
		delta.Fetched,
		delta.RejectedKeyword,
		delta.RejectedThreshold,
		delta.Accepted,
		delta.Malformed,
		delta.DegradedFallback,
		delta.ParentUnresolved,
		delta.CommentsFetched,
		delta.CommentsStored,
		at,
	)
	if err != nil {
		return storeErr("failed to add source stats", err)
	}
	return nil
}

// GetRun retrieves a single run by its id.
func (s *Store) GetRun(ctx context.Context, runID string) (monitor.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_text
		FROM runs
		WHERE id = $1;
	`
	var run monitor.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Run{}, monitor.ErrNotFound
		}
		return monitor.Run{}, storeErr("failed to get run", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *Store) ListRuns(ctx context.Context, status *monitor.RunStatus, limit, offset int) ([]monitor.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_text
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, storeErr("failed to list runs", err)
	}
	defer rows.Close()

	var runs []monitor.Run
	for rows.Next() {
		var run monitor.Run
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListRunSources retrieves the per-source statistics rows of a run, most
// recently updated first.
func (s *Store) ListRunSources(ctx context.Context, runID string, limit, offset int) ([]monitor.RunSourceStats, error) {
	query := `
		SELECT run_id, source, fetched, rejected_keyword, rejected_threshold,
			accepted, malformed, degraded_fallback, parent_unresolved,
			comments_fetched, comments_stored, last_update
		FROM run_source_stats
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, storeErr("failed to list run sources", err)
	}
	defer rows.Close()

	var stats []monitor.RunSourceStats
	for rows.Next() {
		var row monitor.RunSourceStats
		err := rows.Scan(
			&row.RunID,
			&row.Source,
			&row.Stats.Fetched,
			&row.Stats.RejectedKeyword,
			&row.Stats.RejectedThreshold,
			&row.Stats.Accepted,
			&row.Stats.Malformed,
			&row.Stats.DegradedFallback,
			&row.Stats.ParentUnresolved,
			&row.Stats.CommentsFetched,
			&row.Stats.CommentsStored,
			&row.LastUpdate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run source row: %w", err)
		}
		stats = append(stats, row)
	}
	return stats, nil
}

// storeErr wraps a driver error, tagging everything that is not a server
// response as store unavailability. A reachable server answering with a
// row-level error (constraint violation, bad input) is not unavailability;
// a caller-canceled context is not either.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrStoreUnavailable, err)
}

var _ monitor.Store = (*Store)(nil)
var _ monitor.RunStore = (*Store)(nil)
