package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/progress"
)

// processSource runs the full per-source machine: fetch, gate, score,
// persist, comments, durable accounting, cursor. The statistics row is
// written before the cursor moves, so a crash between the two refetches a
// safe superset instead of losing items. The cursor never advances on a
// partial source.
func (r *Runner) processSource(ctx context.Context, runID string, src monitor.Source) (monitor.SourceStats, error) {
	var stats monitor.SourceStats
	started := r.deps.Clock.Now()
	r.emit(progress.Event{
		RunID:  runID,
		TS:     started,
		Stage:  progress.StageSourceStart,
		Source: src.Name,
	})

	p, err := r.deps.Registry.Lookup(src.Type)
	if err != nil {
		return stats, r.sourceFailed(runID, src, started, stats, err)
	}
	since, err := r.deps.Store.GetCursor(ctx, src.ID)
	if err != nil {
		return stats, r.sourceFailed(runID, src, started, stats, fmt.Errorf("read cursor: %w", err))
	}

	stats, cursor, harvestErr := r.harvestSource(ctx, p, src, since)

	if harvestErr != nil && errors.Is(harvestErr, monitor.ErrStoreUnavailable) {
		return stats, r.sourceFailed(runID, src, started, stats, harvestErr)
	}
	if err := r.deps.Runs.AddSourceStats(ctx, runID, src.Name, stats, r.deps.Clock.Now()); err != nil {
		return stats, r.sourceFailed(runID, src, started, stats, fmt.Errorf("record source stats: %w", err))
	}
	if harvestErr != nil {
		return stats, r.sourceFailed(runID, src, started, stats, harvestErr)
	}

	if cursor != "" && cursor != since {
		if err := r.deps.Store.SetCursor(ctx, src.ID, cursor); err != nil {
			return stats, r.sourceFailed(runID, src, started, stats, fmt.Errorf("advance cursor: %w", err))
		}
	}

	finished := r.deps.Clock.Now()
	r.emit(progress.Event{
		RunID:  runID,
		TS:     finished,
		Stage:  progress.StageSourceDone,
		Source: src.Name,
		Stats:  stats,
		Dur:    finished.Sub(started),
	})
	return stats, nil
}

func (r *Runner) sourceFailed(runID string, src monitor.Source, started time.Time, stats monitor.SourceStats, err error) error {
	finished := r.deps.Clock.Now()
	r.logger.Warn("source failed",
		zap.String("run_id", runID),
		zap.String("source", src.Name),
		zap.Error(err))
	r.emit(progress.Event{
		RunID:  runID,
		TS:     finished,
		Stage:  progress.StageSourceError,
		Source: src.Name,
		Stats:  stats,
		Dur:    finished.Sub(started),
		Note:   err.Error(),
	})
	return err
}

// harvestSource drives one source through fetch, keyword gate, scoring and
// upserts, returning the counters and the parser's new cursor. Any
// persistence error stops the source before its cursor can move.
func (r *Runner) harvestSource(ctx context.Context, p monitor.Parser, src monitor.Source, since monitor.Cursor) (monitor.SourceStats, monitor.Cursor, error) {
	var stats monitor.SourceStats

	res, err := r.fetchWithRetry(ctx, p, src, since)
	if err != nil {
		return stats, "", fmt.Errorf("fetch %s: %w", src.Name, err)
	}
	stats.Fetched = int64(len(res.Items))
	stats.Malformed = int64(res.Malformed)

	survivors := make([]monitor.Item, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Body == "" {
			stats.Malformed++
			continue
		}
		if !r.deps.Gate.Accept(gateText(item)) {
			stats.RejectedKeyword++
			continue
		}
		survivors = append(survivors, item)
	}

	scores, degraded, err := r.scoreAll(ctx, src, survivors)
	if err != nil {
		return stats, "", err
	}
	if degraded {
		stats.DegradedFallback += int64(len(survivors))
	}

	for i, item := range survivors {
		if scores[i] < r.cfg.Threshold {
			stats.RejectedThreshold++
			continue
		}
		post, err := r.buildPost(src, item, scores[i])
		if err != nil {
			return stats, "", err
		}
		if err := r.deps.Store.UpsertPost(ctx, post); err != nil {
			return stats, "", fmt.Errorf("upsert post %s: %w", item.ExternalID, err)
		}
		stats.Accepted++

		if err := r.harvestComments(ctx, p, src, item.ExternalID, &stats); err != nil {
			return stats, "", err
		}
	}
	return stats, res.Cursor, nil
}

// scoreAll scores the keyword survivors in one batch. A failing scorer
// degrades to the keyword gate's binary decision: every survivor is
// keyword-accepted, so every survivor scores 1.0, and the degradation is
// counted by the caller.
func (r *Runner) scoreAll(ctx context.Context, src monitor.Source, items []monitor.Item) ([]float64, bool, error) {
	if len(items) == 0 {
		return nil, false, nil
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = gateText(item)
	}
	scores, err := r.deps.Scorer.ScoreBatch(ctx, texts)
	if err == nil {
		return scores, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, fmt.Errorf("score batch: %w", err)
	}
	r.logger.Warn("scorer unavailable; using keyword fallback",
		zap.String("source", src.Name),
		zap.Int("items", len(items)),
		zap.Error(err))
	scores = make([]float64, len(texts))
	for i := range scores {
		scores[i] = 1
	}
	return scores, true, nil
}

// harvestComments pulls and judges the comments of one stored post.
// Comment fetch failures skip the post's comments without failing the
// source; only storage trouble propagates.
func (r *Runner) harvestComments(ctx context.Context, p monitor.Parser, src monitor.Source, postExternalID string, stats *monitor.SourceStats) error {
	res, err := p.Comments(ctx, src, postExternalID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch comments of %s: %w", postExternalID, err)
		}
		r.logger.Warn("comment fetch failed",
			zap.String("source", src.Name),
			zap.String("post", postExternalID),
			zap.Error(err))
		return nil
	}
	stats.CommentsFetched += int64(len(res.Items))
	stats.Malformed += int64(res.Malformed)

	for _, item := range res.Items {
		if item.Body == "" {
			stats.Malformed++
			continue
		}
		if !r.deps.Gate.Accept(item.Body) {
			stats.RejectedKeyword++
			continue
		}
		flags, err := r.deps.Judge.Judge(ctx, item.Body)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("judge comment %s: %w", item.ExternalID, err)
			}
			// Fail closed: an unjudged comment carries no true flag.
			flags = monitor.CommentFlags{}
			stats.DegradedFallback++
			r.logger.Warn("comment judge unavailable; storing fail-closed flags",
				zap.String("source", src.Name),
				zap.String("comment", item.ExternalID),
				zap.Error(err))
		}
		comment, err := r.buildComment(src, postExternalID, item, flags)
		if err != nil {
			return err
		}
		err = r.deps.Store.UpsertComment(ctx, comment)
		switch {
		case errors.Is(err, monitor.ErrParentUnresolved):
			stats.ParentUnresolved++
		case err != nil:
			return fmt.Errorf("upsert comment %s: %w", item.ExternalID, err)
		default:
			stats.CommentsStored++
		}
	}
	return nil
}

// fetchWithRetry spaces repeated fetch attempts per the retry policy;
// unavailability that survives the attempts skips the source for the run.
func (r *Runner) fetchWithRetry(ctx context.Context, p monitor.Parser, src monitor.Source, since monitor.Cursor) (monitor.FetchResult, error) {
	attempt := 0
	for {
		res, err := p.Fetch(ctx, src, since)
		if err == nil {
			return res, nil
		}
		attempt++
		if !r.deps.Retry.ShouldRetry(err, attempt) {
			return monitor.FetchResult{}, err
		}
		delay := r.deps.Retry.Backoff(attempt)
		r.logger.Debug("retrying source fetch",
			zap.String("source", src.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		parser.Pause(ctx, delay)
		if ctx.Err() != nil {
			return monitor.FetchResult{}, fmt.Errorf("fetch %s: %w", src.Name, ctx.Err())
		}
	}
}

func (r *Runner) buildPost(src monitor.Source, item monitor.Item, score float64) (monitor.Post, error) {
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return monitor.Post{}, fmt.Errorf("generate post id: %w", err)
	}
	now := r.deps.Clock.Now()
	return monitor.Post{
		ID:         id,
		SourceID:   src.ID,
		ExternalID: item.ExternalID,
		Title:      item.Title,
		Body:       item.Body,
		URL:        item.URL,
		Published:  item.Published,
		Likes:      item.Likes,
		Views:      item.Views,
		Comments:   item.Comments,
		Score:      score,
		Relevant:   score >= r.cfg.Threshold,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (r *Runner) buildComment(src monitor.Source, postExternalID string, item monitor.Item, flags monitor.CommentFlags) (monitor.Comment, error) {
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return monitor.Comment{}, fmt.Errorf("generate comment id: %w", err)
	}
	now := r.deps.Clock.Now()
	return monitor.Comment{
		ID:               id,
		SourceID:         src.ID,
		ParentExternalID: postExternalID,
		ExternalID:       item.ExternalID,
		Author:           item.Author,
		Body:             item.Body,
		Published:        item.Published,
		Likes:            item.Likes,
		Flags:            flags,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// gateText is the text both the keyword gate and the scorer see for an
// item.
func gateText(item monitor.Item) string {
	if item.Title == "" {
		return item.Body
	}
	return item.Title + "\n" + item.Body
}
