package services

import (
	"context"
	"sort"
	"time"

	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

// Sweep advances stale, not-yet-started cycles into active review. For each
// project only the newest un-started epic is a candidate, and it is advanced
// only when it has seen no activity for the configured buffer. Returns the ids
// of the epics advanced.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]int64, error) {
	epics, err := s.store.UnstartedEpics(ctx)
	if err != nil {
		return nil, err
	}
	candidates := latestStalePerProject(epics, now, s.cfg.EpicStartBufferDays)
	advanced := make([]int64, 0, len(candidates))
	for _, e := range candidates {
		if err := s.tracker.Transition(ctx, e.JiraKey, domain.StatusStartedReview); err != nil {
			return advanced, err
		}
		if err := s.store.SetEpicStarted(ctx, e.ID, now); err != nil {
			return advanced, err
		}
		s.log.Info().Int64("project_id", e.ProjectID).Str("epic", e.JiraKey).Msg("sweep: cycle moved to started review")
		advanced = append(advanced, e.ID)
	}
	return advanced, nil
}

// latestStalePerProject picks each project's newest un-started epic, then
// keeps only those untouched since the cutoff. Selecting newest-first means an
// older stale epic is never advanced past a fresher sibling.
func latestStalePerProject(epics []domain.Epic, now time.Time, bufferDays int) []domain.Epic {
	latest := map[int64]domain.Epic{}
	for _, e := range epics {
		if cur, ok := latest[e.ProjectID]; !ok || e.CreatedAt.After(cur.CreatedAt) {
			latest[e.ProjectID] = e
		}
	}
	cutoff := now.AddDate(0, 0, -bufferDays)
	out := make([]domain.Epic, 0, len(latest))
	for _, e := range latest {
		if !e.UpdatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}
