// Package memory provides in-memory persistence for development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// Store keeps all monitored state in process. It implements both the
// storage port and the run store. Upserts follow the same natural-key
// contract as the Postgres store: (source_id, external_id) for posts,
// (post_id, external_id) for comments, insert-or-update as one operation
// under the store lock.
type Store struct {
	mu        sync.RWMutex
	sources   map[string]monitor.Source // by id
	sourceIDs map[string]string         // type|url -> id
	posts     map[string]monitor.Post   // sourceID|externalID -> post
	comments  map[string]monitor.Comment
	cursors   map[string]monitor.Cursor
	runs      map[string]monitor.Run
	runStats  map[string]map[string]monitor.RunSourceStats
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:   make(map[string]monitor.Source),
		sourceIDs: make(map[string]string),
		posts:     make(map[string]monitor.Post),
		comments:  make(map[string]monitor.Comment),
		cursors:   make(map[string]monitor.Cursor),
		runs:      make(map[string]monitor.Run),
		runStats:  make(map[string]map[string]monitor.RunSourceStats),
	}
}

func naturalKey(a, b string) string {
	return a + "|" + b
}

// UpsertSource registers a source, keyed by (type, url), and returns its
// stable id. Re-registering updates the name and active flag but keeps the
// id from the first sighting.
func (s *Store) UpsertSource(_ context.Context, src monitor.Source) (string, error) {
	if src.ID == "" {
		return "", errors.New("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := naturalKey(string(src.Type), src.URL)
	if id, ok := s.sourceIDs[key]; ok {
		existing := s.sources[id]
		existing.Name = src.Name
		existing.Active = src.Active
		existing.Selectors = src.Selectors
		existing.Render = src.Render
		s.sources[id] = existing
		return id, nil
	}

	s.sourceIDs[key] = src.ID
	s.sources[src.ID] = src
	return src.ID, nil
}

// UpsertPost inserts or updates a post by its natural key. On update, the
// original id and created_at survive and only the mutable fields move.
func (s *Store) UpsertPost(_ context.Context, post monitor.Post) error {
	if post.SourceID == "" || post.ExternalID == "" {
		return errors.New("post natural key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := naturalKey(post.SourceID, post.ExternalID)
	if existing, ok := s.posts[key]; ok {
		post.ID = existing.ID
		post.CreatedAt = existing.CreatedAt
		if post.Published == nil {
			post.Published = existing.Published
		}
	}
	s.posts[key] = post
	return nil
}

// UpsertComment resolves the parent post from (source_id, parent external
// id), then inserts or updates by (post_id, external_id). An unresolved
// parent fails with monitor.ErrParentUnresolved.
func (s *Store) UpsertComment(_ context.Context, comment monitor.Comment) error {
	if comment.SourceID == "" || comment.ExternalID == "" {
		return errors.New("comment natural key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.posts[naturalKey(comment.SourceID, comment.ParentExternalID)]
	if !ok {
		return monitor.ErrParentUnresolved
	}
	comment.PostID = parent.ID

	key := naturalKey(comment.PostID, comment.ExternalID)
	if existing, ok := s.comments[key]; ok {
		comment.ID = existing.ID
		comment.CreatedAt = existing.CreatedAt
		if comment.Published == nil {
			comment.Published = existing.Published
		}
	}
	s.comments[key] = comment
	return nil
}

// GetCursor returns the stored cursor, or an empty cursor for a source that
// has never completed a harvest.
func (s *Store) GetCursor(_ context.Context, sourceID string) (monitor.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[sourceID], nil
}

// SetCursor stores the new high-water marker for a source.
func (s *Store) SetCursor(_ context.Context, sourceID string, cursor monitor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sourceID] = cursor
	return nil
}

// StartRun records a new run.
func (s *Store) StartRun(_ context.Context, run monitor.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// CompleteRun marks a run finished with its final status.
func (s *Store) CompleteRun(_ context.Context, runID string, finishedAt time.Time, status monitor.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return monitor.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	run.ErrorText = errText
	s.runs[runID] = run
	return nil
}

// AddSourceStats folds delta into the per-source counters of a run.
func (s *Store) AddSourceStats(_ context.Context, runID string, source string, delta monitor.SourceStats, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return monitor.ErrNotFound
	}
	perSource, ok := s.runStats[runID]
	if !ok {
		perSource = make(map[string]monitor.RunSourceStats)
		s.runStats[runID] = perSource
	}
	row := perSource[source]
	row.RunID = runID
	row.Source = source
	row.Stats.Merge(delta)
	row.LastUpdate = at
	perSource[source] = row
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(_ context.Context, runID string) (monitor.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return monitor.Run{}, monitor.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(_ context.Context, status *monitor.RunStatus, limit, offset int) ([]monitor.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]monitor.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return paginate(runs, limit, offset), nil
}

// ListRunSources returns the per-source statistics rows of a run, most
// recently updated first.
func (s *Store) ListRunSources(_ context.Context, runID string, limit, offset int) ([]monitor.RunSourceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perSource := s.runStats[runID]
	rows := make([]monitor.RunSourceStats, 0, len(perSource))
	for _, row := range perSource {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastUpdate.Equal(rows[j].LastUpdate) {
			return rows[i].LastUpdate.After(rows[j].LastUpdate)
		}
		return rows[i].Source < rows[j].Source
	})
	return paginate(rows, limit, offset), nil
}

// Posts returns a stable-ordered snapshot of all stored posts.
func (s *Store) Posts() []monitor.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.posts))
	for key := range s.posts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]monitor.Post, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.posts[key])
	}
	return out
}

// Comments returns a stable-ordered snapshot of all stored comments.
func (s *Store) Comments() []monitor.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.comments))
	for key := range s.comments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]monitor.Comment, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.comments[key])
	}
	return out
}

// GetPost looks a post up by its natural key.
func (s *Store) GetPost(sourceID, externalID string) (monitor.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[naturalKey(sourceID, externalID)]
	return post, ok
}

// GetComment looks a comment up by its natural key.
func (s *Store) GetComment(postID, externalID string) (monitor.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comment, ok := s.comments[naturalKey(postID, externalID)]
	return comment, ok
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]T, len(rows))
	copy(out, rows)
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

var _ monitor.Store = (*Store)(nil)
var _ monitor.RunStore = (*Store)(nil)

// SourceByURL finds a registered source by type and url, mainly for tests.
func (s *Store) SourceByURL(typ monitor.SourceType, url string) (monitor.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sourceIDs[naturalKey(string(typ), url)]
	if !ok {
		return monitor.Source{}, false
	}
	return s.sources[id], true
}
