package services

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

// rollover closes out an overlong cycle and carries its unresolved work items
// into a successor epic. It runs in two phases: every open item is recreated
// and cross-linked under the new epic first, and only then are the old items
// and the old epic closed, so an interruption between the phases never leaves
// a closed item without a recorded successor.
//
// Once the successor epic is persisted an epic-level rollover marker is
// recorded for the old epic; the markers stay until the old epic has been
// transitioned to Closed Rollover, which is what lets OnCodeChange detect and
// resume an interrupted run.
func (s *Service) rollover(ctx context.Context, project *domain.Project, repos []domain.Repo, epics []domain.Epic, fresh domain.CommitSnapshot) (string, error) {
	old := epics[0]
	name := fmt.Sprintf("Pentest Cycle %d", len(epics)+1)

	newKey, err := s.tracker.CreateEpic(ctx, name, project.JiraProjKey)
	if err != nil {
		return "", err
	}
	if err := s.tracker.Transition(ctx, newKey, domain.StatusStartedReview); err != nil {
		return "", err
	}
	now := s.now()
	if _, err := s.store.InsertEpic(ctx, domain.Epic{
		ProjectID: project.ID,
		JiraKey:   newKey,
		Commits:   fresh,
		StartedAt: &now,
	}); err != nil {
		return "", err
	}
	if err := s.store.RecordItemRollover(ctx, old.JiraKey, newKey, old.JiraKey); err != nil {
		return "", err
	}
	s.log.Info().Str("project", project.Code).Str("old_epic", old.JiraKey).Str("new_epic", newKey).Msg("cycle rollover")

	if err := s.tracker.Comment(ctx, old.JiraKey, fmt.Sprintf("Rolled over to %s.", newKey)); err != nil {
		return "", err
	}
	if err := s.tracker.Comment(ctx, newKey, fmt.Sprintf("Rolled over from %s.", old.JiraKey)); err != nil {
		return "", err
	}
	diff := DiffNarrative(project.BitbucketProjKey, repos, s.scm, old.Commits, fresh)
	if err := s.tracker.Comment(ctx, newKey, diff); err != nil {
		return "", err
	}

	items, err := s.tracker.OpenIssuesInEpic(ctx, old.JiraKey)
	if err != nil {
		return "", err
	}
	migrated, err := s.store.ItemRollovers(ctx, old.JiraKey)
	if err != nil {
		return "", err
	}
	if err := s.migrateAndClose(ctx, project, old.JiraKey, newKey, items, migrated, diff); err != nil {
		return "", err
	}
	return newKey, nil
}

// maybeResumeRollover checks whether the current epic is the successor of a
// rollover that never finished, and if so re-enters the migration. Detection
// is store-only on the happy path: markers left on the predecessor are the
// signal, and a completed rollover has cleared them, so a settled project
// costs no tracker calls here.
func (s *Service) maybeResumeRollover(ctx context.Context, project *domain.Project, repos []domain.Repo, epics []domain.Epic) (domain.Result, bool, error) {
	current, prev := epics[0], epics[1]
	migrated, err := s.store.ItemRollovers(ctx, prev.JiraKey)
	if err != nil {
		return domain.Result{}, false, err
	}
	if len(migrated) == 0 {
		return domain.Result{}, false, nil
	}
	status, err := s.tracker.Status(ctx, prev.JiraKey)
	if err != nil {
		return domain.Result{}, false, err
	}
	if status == domain.StatusClosed || status == domain.StatusClosedRollover {
		// The rollover itself finished; only the marker cleanup was lost.
		if err := s.store.ClearItemRollovers(ctx, prev.JiraKey); err != nil {
			return domain.Result{}, false, err
		}
		return domain.Result{}, false, nil
	}

	s.log.Warn().Str("project", project.Code).Str("old_epic", prev.JiraKey).Str("new_epic", current.JiraKey).Msg("resuming interrupted rollover")
	// The successor's stored snapshot is the fresh snapshot of the original
	// attempt; diff against it, not against today's heads.
	diff := DiffNarrative(project.BitbucketProjKey, repos, s.scm, prev.Commits, current.Commits)
	items, err := s.tracker.OpenIssuesInEpic(ctx, prev.JiraKey)
	if err != nil {
		return domain.Result{}, false, err
	}
	if err := s.migrateAndClose(ctx, project, prev.JiraKey, current.JiraKey, items, migrated, diff); err != nil {
		return domain.Result{}, false, err
	}
	return domain.Result{Action: domain.ActionRolledOver, EpicKey: current.JiraKey}, true, nil
}

// migrateAndClose runs the two rollover phases: recreate every unmigrated open
// item under the new epic, then close the old items and the old epic, and
// finally drop the markers now that nothing is left to resume.
func (s *Service) migrateAndClose(ctx context.Context, project *domain.Project, oldEpicKey, newEpicKey string, items []domain.WorkItem, migrated map[string]string, diff string) error {
	// Phase 1: recreate and cross-link every open item. Items are independent
	// of each other; one failure does not stop the rest, the errgroup just
	// reports the first error once all have finished.
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, it := range items {
		it := it
		if _, done := migrated[it.Key]; done {
			s.log.Info().Str("item", it.Key).Msg("rollover: item already migrated, skipping")
			continue
		}
		g.Go(func() error { return s.migrateItem(ctx, project, it, oldEpicKey, newEpicKey, diff) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Phase 2: close the old items, then the old epic.
	g = new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, it := range items {
		it := it
		g.Go(func() error { return s.tracker.Transition(ctx, it.Key, domain.StatusClosed) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.tracker.Transition(ctx, oldEpicKey, domain.StatusClosedRollover); err != nil {
		return err
	}
	return s.store.ClearItemRollovers(ctx, oldEpicKey)
}

func (s *Service) migrateItem(ctx context.Context, project *domain.Project, it domain.WorkItem, oldEpicKey, newEpicKey, diff string) error {
	newItemKey, err := s.tracker.CreateIssue(ctx, it.Summary, newEpicKey, project.JiraProjKey)
	if err != nil {
		return fmt.Errorf("recreate %s: %w", it.Key, err)
	}
	// Freshly created issues land in Open; match the old item's status when it
	// had moved on.
	if it.Status != domain.StatusOpen {
		if err := s.tracker.Transition(ctx, newItemKey, it.Status); err != nil {
			return err
		}
	}
	if err := s.tracker.Comment(ctx, it.Key, fmt.Sprintf("Rolled over to %s.", newItemKey)); err != nil {
		return err
	}
	if err := s.tracker.Comment(ctx, newItemKey, fmt.Sprintf("Rolled over from %s.", it.Key)); err != nil {
		return err
	}
	if err := s.tracker.Comment(ctx, newItemKey, diff); err != nil {
		return err
	}
	return s.store.RecordItemRollover(ctx, it.Key, newItemKey, oldEpicKey)
}
