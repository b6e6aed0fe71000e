package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

// Tracker is the issue-tracker capability the engine consumes.
type Tracker interface {
	CreateEpic(ctx context.Context, name, jiraProjKey string) (string, error)
	CreateIssue(ctx context.Context, summary, epicKey, jiraProjKey string) (string, error)
	Status(ctx context.Context, key string) (string, error)
	OpenIssuesInEpic(ctx context.Context, epicKey string) ([]domain.WorkItem, error)
	Transition(ctx context.Context, key, toStatus string) error
	Comment(ctx context.Context, key, text string) error
}

// SourceHost is the source-control capability the engine consumes.
type SourceHost interface {
	RepoLinks
	HeadCommit(ctx context.Context, projKey, repoName, branch string) (string, error)
}

// Store is the persistent project/repo/epic record set.
type Store interface {
	ProjectByCode(ctx context.Context, code string) (*domain.Project, error)
	ReposByProject(ctx context.Context, projectID int64) ([]domain.Repo, error)
	EpicsByProject(ctx context.Context, projectID int64) ([]domain.Epic, error)
	InsertEpic(ctx context.Context, e domain.Epic) (domain.Epic, error)
	UpdateEpicSnapshot(ctx context.Context, id int64, snap domain.CommitSnapshot) error
	SetEpicStarted(ctx context.Context, id int64, at time.Time) error
	UnstartedEpics(ctx context.Context) ([]domain.Epic, error)
	RecordItemRollover(ctx context.Context, oldKey, newKey, oldEpicKey string) error
	ItemRollovers(ctx context.Context, oldEpicKey string) (map[string]string, error)
	ClearItemRollovers(ctx context.Context, oldEpicKey string) error
	TryProjectLock(ctx context.Context, projectID int64) (bool, error)
	ProjectUnlock(ctx context.Context, projectID int64) error
}

type Service struct {
	cfg     config.Config
	log     zerolog.Logger
	store   Store
	tracker Tracker
	scm     SourceHost
	now     func() time.Time
}

func NewService(cfg config.Config, log zerolog.Logger, store Store, tracker Tracker, scm SourceHost) *Service {
	return &Service{cfg: cfg, log: log, store: store, tracker: tracker, scm: scm, now: time.Now}
}

// OnCodeChange runs the cycle lifecycle decision for one project. fresh may be
// nil, in which case the current head commits are fetched from the source
// host. The engine reads then writes the current epic without optimistic
// concurrency control, so invocations for the same project are serialized
// through a per-project store advisory lock held for the full invocation.
func (s *Service) OnCodeChange(ctx context.Context, projCode string, fresh domain.CommitSnapshot) (domain.Result, error) {
	project, err := s.store.ProjectByCode(ctx, projCode)
	if err != nil {
		return domain.Result{}, err
	}
	locked, err := s.store.TryProjectLock(ctx, project.ID)
	if err != nil {
		return domain.Result{}, err
	}
	if !locked {
		return domain.Result{}, fmt.Errorf("project %s: another invocation in flight", project.Code)
	}
	defer func() {
		if err := s.store.ProjectUnlock(context.WithoutCancel(ctx), project.ID); err != nil {
			s.log.Error().Err(err).Str("project", project.Code).Msg("project unlock failed")
		}
	}()

	repos, err := s.store.ReposByProject(ctx, project.ID)
	if err != nil {
		return domain.Result{}, err
	}
	// Always re-read the cycle history; the newest epic is the current one
	// and previous invocations may have replaced it.
	epics, err := s.store.EpicsByProject(ctx, project.ID)
	if err != nil {
		return domain.Result{}, err
	}
	// A rollover interrupted between its phases leaves the successor as the
	// newest epic and its predecessor never closed; finish that migration
	// before reasoning about the fresh snapshot.
	if len(epics) > 1 {
		res, resumed, err := s.maybeResumeRollover(ctx, project, repos, epics)
		if err != nil {
			return domain.Result{}, err
		}
		if resumed {
			return res, nil
		}
	}
	if fresh == nil {
		fresh, err = s.headCommits(ctx, project, repos)
		if err != nil {
			return domain.Result{}, err
		}
	}

	if len(epics) == 0 {
		return s.startFirstCycle(ctx, project, repos, fresh)
	}

	current := epics[0]
	if !Changed(current.Commits, fresh) {
		s.log.Info().Str("project", project.Code).Str("epic", current.JiraKey).Msg("no code change detected")
		return domain.Result{Action: domain.ActionNoChange, EpicKey: current.JiraKey}, nil
	}

	status, err := s.tracker.Status(ctx, current.JiraKey)
	if err != nil {
		return domain.Result{}, err
	}
	s.log.Info().Str("project", project.Code).Str("epic", current.JiraKey).Str("status", status).Msg("code change on current cycle")

	switch {
	case status == domain.StatusClosed || status == domain.StatusClosedRollover:
		return s.startCycleAfterClose(ctx, project, repos, epics, fresh)
	case current.StartedAt != nil && daysSince(*current.StartedAt, s.now()) > s.cfg.PentestCycleDays:
		key, err := s.rollover(ctx, project, repos, epics, fresh)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Action: domain.ActionRolledOver, EpicKey: key}, nil
	default:
		return s.updateSnapshot(ctx, project, repos, current, fresh)
	}
}

// headCommits fetches the current head commit of every repo concurrently.
func (s *Service) headCommits(ctx context.Context, project *domain.Project, repos []domain.Repo) (domain.CommitSnapshot, error) {
	snap := make(domain.CommitSnapshot, len(repos))
	commits := make([]string, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, r := range repos {
		i, r := i, r
		g.Go(func() error {
			commit, err := s.scm.HeadCommit(gctx, project.BitbucketProjKey, r.Name, r.Branch)
			if err != nil {
				return fmt.Errorf("head commit of %s@%s: %w", r.Name, r.Branch, err)
			}
			commits[i] = commit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, r := range repos {
		snap[r.ID] = commits[i]
	}
	return snap, nil
}

func (s *Service) startFirstCycle(ctx context.Context, project *domain.Project, repos []domain.Repo, fresh domain.CommitSnapshot) (domain.Result, error) {
	key, err := s.tracker.CreateEpic(ctx, "Pentest Cycle 1", project.JiraProjKey)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.store.InsertEpic(ctx, domain.Epic{ProjectID: project.ID, JiraKey: key, Commits: fresh}); err != nil {
		return domain.Result{}, err
	}
	narrative := FirstCycleNarrative(project.BitbucketProjKey, repos, s.scm, fresh)
	if err := s.tracker.Comment(ctx, key, narrative); err != nil {
		return domain.Result{}, err
	}
	s.log.Info().Str("project", project.Code).Str("epic", key).Msg("first pentest cycle created")
	return domain.Result{Action: domain.ActionCycleStarted, EpicKey: key}, nil
}

func (s *Service) startCycleAfterClose(ctx context.Context, project *domain.Project, repos []domain.Repo, epics []domain.Epic, fresh domain.CommitSnapshot) (domain.Result, error) {
	current := epics[0]
	name := fmt.Sprintf("Pentest Cycle %d", len(epics)+1)
	key, err := s.tracker.CreateEpic(ctx, name, project.JiraProjKey)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.store.InsertEpic(ctx, domain.Epic{ProjectID: project.ID, JiraKey: key, Commits: fresh}); err != nil {
		return domain.Result{}, err
	}
	diff := DiffNarrative(project.BitbucketProjKey, repos, s.scm, current.Commits, fresh)
	if err := s.tracker.Comment(ctx, key, diff); err != nil {
		return domain.Result{}, err
	}
	s.log.Info().Str("project", project.Code).Str("epic", key).Str("closed_epic", current.JiraKey).Msg("new cycle after closed epic")
	return domain.Result{Action: domain.ActionNewCycleAfterClose, EpicKey: key}, nil
}

// updateSnapshot broadcasts the diff to the current epic and its open items
// and refreshes the persisted snapshot.
func (s *Service) updateSnapshot(ctx context.Context, project *domain.Project, repos []domain.Repo, current domain.Epic, fresh domain.CommitSnapshot) (domain.Result, error) {
	diff := DiffNarrative(project.BitbucketProjKey, repos, s.scm, current.Commits, fresh)
	if err := s.tracker.Comment(ctx, current.JiraKey, diff); err != nil {
		return domain.Result{}, err
	}
	items, err := s.tracker.OpenIssuesInEpic(ctx, current.JiraKey)
	if err != nil {
		return domain.Result{}, err
	}
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, it := range items {
		it := it
		g.Go(func() error { return s.tracker.Comment(ctx, it.Key, diff) })
	}
	if err := g.Wait(); err != nil {
		return domain.Result{}, err
	}
	if err := s.store.UpdateEpicSnapshot(ctx, current.ID, fresh); err != nil {
		return domain.Result{}, err
	}
	s.log.Info().Str("project", project.Code).Str("epic", current.JiraKey).Int("items", len(items)).Msg("snapshot updated")
	return domain.Result{Action: domain.ActionSnapshotUpdated, EpicKey: current.JiraKey}, nil
}

// daysSince counts whole days elapsed, rounding a partial day up, which biases
// toward rolling a cycle over earlier rather than later.
func daysSince(start, now time.Time) int {
	return int(math.Ceil(now.Sub(start).Hours() / 24))
}
