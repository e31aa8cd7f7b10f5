package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

// Delete-all phases, in execution order
const (
	PhaseGrades     = "grades"
	PhaseActivities = "activities"
	PhaseDone       = "done"
)

var phaseCollections = map[string]string{
	PhaseGrades:     shared.CollectionGrades,
	PhaseActivities: shared.CollectionActivities,
}

// DeleteRequest drives one delete-all invocation. Paged nil lets the engine
// decide from the estimated size.
type DeleteRequest struct {
	Confirm  string
	Paged    *bool
	PageSize int
	Cursor   string
}

// DeleteSummary reports one delete-all invocation. When More is set the
// caller re-invokes with NextCursor.
type DeleteSummary struct {
	Deleted           int64  `json:"deleted"`
	ActivitiesDeleted int64  `json:"activitiesDeleted"`
	Phase             string `json:"phase"`
	More              bool   `json:"more"`
	NextCursor        string `json:"nextCursor,omitempty"`
	Paged             bool   `json:"paged"`
}

// DeleteAll removes every grade, then every activity, from the remote store.
// It never runs without the confirmation token. In paged mode a single page
// is processed per call; otherwise pages are processed until both phases
// are exhausted. After every page the remaining count must have dropped.
func (e *Engine) DeleteAll(ctx context.Context, req DeleteRequest) (*DeleteSummary, error) {
	if req.Confirm != ConfirmToken {
		return nil, ErrConfirmationRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	phase, shard, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	before, err := e.remote.Count(ctx, phaseCollections[phase], remote.Filter{})
	if err != nil {
		return nil, err
	}

	paged := before.Count > e.config.PagedThreshold
	if req.Paged != nil {
		paged = *req.Paged
	}
	summary := &DeleteSummary{Phase: phase, Paged: paged}

	remaining := before.Count
	for {
		worked := remaining > 0
		next, err := e.deletePage(ctx, phase, shard, req.PageSize, remaining, summary)
		if err != nil {
			e.invalidateGrades(summary)
			return summary, err
		}

		switch {
		case next.more:
			shard = next.shard
			remaining = next.remaining
		case phase == PhaseGrades:
			phase, shard = PhaseActivities, ""
			c, err := e.remote.Count(ctx, shared.CollectionActivities, remote.Filter{})
			if err != nil {
				e.invalidateGrades(summary)
				return summary, err
			}
			remaining = c.Count
		default:
			phase = PhaseDone
		}
		summary.Phase = phase

		if phase == PhaseDone {
			summary.More = false
			summary.NextCursor = ""
			break
		}
		if paged && worked {
			summary.More = true
			summary.NextCursor = phase + ":" + shard
			break
		}
	}

	e.invalidateGrades(summary)
	e.log.Info("Delete-all step finished",
		zap.Int64("grades", summary.Deleted),
		zap.Int64("activities", summary.ActivitiesDeleted),
		zap.String("phase", summary.Phase),
		zap.Bool("more", summary.More),
		zap.Bool("paged", paged))
	return summary, nil
}

type pageResult struct {
	more      bool
	shard     string
	remaining int64
}

// deletePage deletes one page of a phase and checks the remaining count
// strictly decreased
func (e *Engine) deletePage(ctx context.Context, phase, shard string, pageSize int, before int64, summary *DeleteSummary) (pageResult, error) {
	collection := phaseCollections[phase]
	if before == 0 {
		return pageResult{}, nil
	}

	res, err := e.remote.DeleteAll(ctx, collection, remote.DeleteOptions{
		Paged:    true,
		PageSize: pageSize,
		Cursor:   shard,
	})
	e.addDeleted(phase, res.Deleted, summary)
	if err != nil {
		return pageResult{}, err
	}

	after, err := e.remote.Count(ctx, collection, remote.Filter{})
	if err != nil {
		return pageResult{}, err
	}
	if after.Count >= before {
		e.log.Error("Delete page made no progress",
			zap.String("collection", collection),
			zap.Int64("before", before),
			zap.Int64("after", after.Count),
			zap.Int64("reported", res.Deleted))
		return pageResult{}, fmt.Errorf("%w: %s count stayed at %d", ErrNoProgress, collection, after.Count)
	}

	return pageResult{more: res.More, shard: res.NextCursor, remaining: after.Count}, nil
}

func (e *Engine) addDeleted(phase string, n int64, summary *DeleteSummary) {
	if phase == PhaseGrades {
		summary.Deleted += n
		return
	}
	summary.ActivitiesDeleted += n
}

// invalidateGrades drops cached grades of every namespace once any were deleted
func (e *Engine) invalidateGrades(summary *DeleteSummary) {
	if summary.Deleted == 0 {
		return
	}
	if _, err := e.cache.InvalidateCollection(shared.CollectionGrades); err != nil {
		e.log.Warn("Cache invalidation after delete failed", zap.Error(err))
	}
}

// parseCursor splits a "{phase}:{shard}" cursor. An empty cursor starts
// at the first grades shard.
func parseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return PhaseGrades, "", nil
	}
	phase, shard, ok := strings.Cut(cursor, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	if _, known := phaseCollections[phase]; !known {
		return "", "", fmt.Errorf("%w: unknown phase %q", ErrInvalidCursor, phase)
	}
	return phase, shard, nil
}
