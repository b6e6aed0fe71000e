package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type Project struct {
	ID               int64
	Code             string
	Name             string
	JiraProjKey      string
	BitbucketProjKey string
}

type Repo struct {
	ID        int64
	ProjectID int64
	Name      string
	Branch    string
}

type Epic struct {
	ID        int64
	ProjectID int64
	JiraKey   string
	Commits   CommitSnapshot
	StartedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkItem is a Jira issue linked to a pentest cycle epic. It is read from the
// tracker for a single rollover or comment broadcast and never persisted.
type WorkItem struct {
	Key     string
	Status  string
	Summary string
}

// CommitSnapshot maps repo id to the head commit hash recorded for that repo.
// It marshals to the array form stored in the epics.commits column.
type CommitSnapshot map[int64]string

type snapshotEntry struct {
	RepoID int64  `json:"repo_id"`
	Commit string `json:"commit"`
}

func (s CommitSnapshot) MarshalJSON() ([]byte, error) {
	entries := make([]snapshotEntry, 0, len(s))
	for id, commit := range s {
		entries = append(entries, snapshotEntry{RepoID: id, Commit: commit})
	}
	return json.Marshal(entries)
}

func (s *CommitSnapshot) UnmarshalJSON(b []byte) error {
	var entries []snapshotEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	out := make(CommitSnapshot, len(entries))
	for _, e := range entries {
		out[e.RepoID] = e.Commit
	}
	*s = out
	return nil
}

// Jira status names used by the cycle workflow.
const (
	StatusOpen           = "Open"
	StatusStartedReview  = "Started Review"
	StatusClosed         = "Closed"
	StatusClosedRollover = "Closed Rollover"
	StatusAcceptance     = "Acceptance"
)

// Action reports what a code-change invocation did.
type Action string

const (
	ActionNoChange           Action = "no_change"
	ActionCycleStarted       Action = "cycle_started"
	ActionNewCycleAfterClose Action = "new_cycle_after_close"
	ActionRolledOver         Action = "rolled_over"
	ActionSnapshotUpdated    Action = "snapshot_updated"
)

// Result is the outcome of one code-change invocation. EpicKey names the epic
// the action applied to; for actions that create a cycle it is the new epic.
type Result struct {
	Action  Action
	EpicKey string
}

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrNoSuchTransition = errors.New("no transition to requested status")
)
