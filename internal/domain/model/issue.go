package model

import "time"

// Issue is a mirrored GitHub issue or pull request as stored by the sync
// subsystem. The orchestrator only reads it to enumerate candidates.
type Issue struct {
	ID            int64
	RepoFullName  string
	Number        int
	Title         string
	Body          string
	HTMLURL       string
	State         string
	IsPullRequest bool
	Author        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkItem converts the issue into a work item for the given run.
func (i Issue) WorkItem() WorkItem {
	return WorkItem{
		ID:            i.ID,
		Number:        i.Number,
		Title:         i.Title,
		Body:          i.Body,
		HTMLURL:       i.HTMLURL,
		IsPullRequest: i.IsPullRequest,
		RunKey:        i.RepoFullName,
	}
}
