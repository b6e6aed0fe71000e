package services

import (
	"strings"

	"github.com/GovTechSG/TLP-CAPT/internal/domain"
)

// RepoLinks builds Bitbucket web links for diff narratives.
type RepoLinks interface {
	CompareLink(projKey, repoName, fromCommit, toCommit string) string
	BrowseLink(projKey, repoName, commit string) string
}

// Changed reports whether any repo tracked in old points at a different commit
// in fresh. Only keys present in old are checked, and a key missing from fresh
// counts as unchanged, so a partial head-commit fetch upstream never reads as a
// code change. The comparison is deliberately asymmetric.
func Changed(old, fresh domain.CommitSnapshot) bool {
	for repoID, commit := range old {
		freshCommit, ok := fresh[repoID]
		if !ok {
			continue
		}
		if freshCommit != commit {
			return true
		}
	}
	return false
}

// DiffNarrative renders one compare link per repo whose head commit moved
// between the two snapshots, in the caller's repo order.
func DiffNarrative(projKey string, repos []domain.Repo, links RepoLinks, old, fresh domain.CommitSnapshot) string {
	var lines []string
	for _, r := range repos {
		oldCommit, okOld := old[r.ID]
		freshCommit, okFresh := fresh[r.ID]
		if !okOld || !okFresh || oldCommit == freshCommit {
			continue
		}
		lines = append(lines, r.Name+": "+links.CompareLink(projKey, r.Name, oldCommit, freshCommit))
	}
	return "Code changes:\n\n" + strings.Join(lines, "\n\n")
}

// FirstCycleNarrative renders a browse-at-commit link for every repo in the
// opening snapshot of a project's first cycle.
func FirstCycleNarrative(projKey string, repos []domain.Repo, links RepoLinks, snap domain.CommitSnapshot) string {
	var lines []string
	for _, r := range repos {
		commit, ok := snap[r.ID]
		if !ok {
			continue
		}
		lines = append(lines, r.Name+": "+links.BrowseLink(projKey, r.Name, commit))
	}
	return "Code changes:\n\n" + strings.Join(lines, "\n\n")
}
