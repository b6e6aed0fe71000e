package services_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

// fakeStore is an in-memory stand-in for the Postgres store.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	repos    map[int64][]domain.Repo
	epics    []domain.Epic
	markers  map[string]map[string]string
	nextID   int64
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*domain.Project{},
		repos:    map[int64][]domain.Repo{},
		markers:  map[string]map[string]string{},
	}
}

var epicEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *fakeStore) addEpic(e domain.Epic) domain.Epic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addEpicLocked(e)
}

func (f *fakeStore) addEpicLocked(e domain.Epic) domain.Epic {
	f.nextID++
	f.seq++
	e.ID = f.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = epicEpoch.Add(time.Duration(f.seq) * time.Minute)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	f.epics = append(f.epics, e)
	return e
}

func (f *fakeStore) epicByKey(key string) *domain.Epic {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.epics {
		if f.epics[i].JiraKey == key {
			return &f.epics[i]
		}
	}
	return nil
}

func (f *fakeStore) ProjectByCode(_ context.Context, code string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, code)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ReposByProject(_ context.Context, projectID int64) ([]domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[projectID], nil
}

func (f *fakeStore) EpicsByProject(_ context.Context, projectID int64) ([]domain.Epic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Epic
	for _, e := range f.epics {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) InsertEpic(_ context.Context, e domain.Epic) (domain.Epic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addEpicLocked(e), nil
}

func (f *fakeStore) UpdateEpicSnapshot(_ context.Context, id int64, snap domain.CommitSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.epics {
		if f.epics[i].ID == id {
			f.epics[i].Commits = snap
			return nil
		}
	}
	return fmt.Errorf("epic %d not found", id)
}

func (f *fakeStore) SetEpicStarted(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.epics {
		if f.epics[i].ID == id {
			f.epics[i].StartedAt = &at
			return nil
		}
	}
	return fmt.Errorf("epic %d not found", id)
}

func (f *fakeStore) UnstartedEpics(_ context.Context) ([]domain.Epic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Epic
	for _, e := range f.epics {
		if e.StartedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordItemRollover(_ context.Context, oldKey, newKey, oldEpicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[oldEpicKey]
	if !ok {
		m = map[string]string{}
		f.markers[oldEpicKey] = m
	}
	if _, exists := m[oldKey]; !exists {
		m[oldKey] = newKey
	}
	return nil
}

func (f *fakeStore) ItemRollovers(_ context.Context, oldEpicKey string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.markers[oldEpicKey] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ClearItemRollovers(_ context.Context, oldEpicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, oldEpicKey)
	return nil
}

func (f *fakeStore) TryProjectLock(context.Context, int64) (bool, error) { return true, nil }
func (f *fakeStore) ProjectUnlock(context.Context, int64) error         { return nil }

// fakeTracker records every call made against the issue tracker.
type fakeTracker struct {
	mu          sync.Mutex
	calls       int
	nextKey     int
	names       map[string]string
	statuses    map[string]string
	open        map[string][]domain.WorkItem
	comments    map[string][]string
	transitions map[string][]string
	issuesIn    map[string][]string
	// failCreateOnce makes CreateIssue fail a single time for the summary,
	// simulating a tracker outage mid-migration.
	failCreateOnce map[string]error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		// Generated keys start past the range tests use for pre-seeded
		// issues, so the two never collide.
		nextKey:     100,
		names:       map[string]string{},
		statuses:    map[string]string{},
		open:        map[string][]domain.WorkItem{},
		comments:    map[string][]string{},
		transitions: map[string][]string{},
		issuesIn:    map[string][]string{},
	}
}

func (f *fakeTracker) newKey() string {
	f.nextKey++
	return fmt.Sprintf("GOVDEC-%d", f.nextKey)
}

func (f *fakeTracker) CreateEpic(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := f.newKey()
	f.names[key] = name
	f.statuses[key] = domain.StatusOpen
	return key, nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, summary, epicKey, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failCreateOnce[summary]; ok {
		delete(f.failCreateOnce, summary)
		return "", err
	}
	key := f.newKey()
	f.names[key] = summary
	f.statuses[key] = domain.StatusOpen
	f.issuesIn[epicKey] = append(f.issuesIn[epicKey], key)
	return key, nil
}

func (f *fakeTracker) Status(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	st, ok := f.statuses[key]
	if !ok {
		return "", fmt.Errorf("unknown issue %s", key)
	}
	return st, nil
}

func (f *fakeTracker) OpenIssuesInEpic(_ context.Context, epicKey string) ([]domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.open[epicKey], nil
}

func (f *fakeTracker) Transition(_ context.Context, key, toStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.transitions[key] = append(f.transitions[key], toStatus)
	f.statuses[key] = toStatus
	return nil
}

func (f *fakeTracker) Comment(_ context.Context, key, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.comments[key] = append(f.comments[key], text)
	return nil
}

func (f *fakeTracker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSCM serves head commits from a repo-name map.
type fakeSCM struct {
	mu    sync.Mutex
	calls int
	heads map[string]string
}

func (f *fakeSCM) HeadCommit(_ context.Context, _, repoName, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	commit, ok := f.heads[repoName]
	if !ok {
		return "", fmt.Errorf("no head for %s", repoName)
	}
	return commit, nil
}

func (f *fakeSCM) CompareLink(projKey, repoName, fromCommit, toCommit string) string {
	return fmt.Sprintf("compare(%s,%s,%s..%s)", projKey, repoName, fromCommit, toCommit)
}

func (f *fakeSCM) BrowseLink(projKey, repoName, commit string) string {
	return fmt.Sprintf("browse(%s,%s,%s)", projKey, repoName, commit)
}
