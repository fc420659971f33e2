package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CandidateSource = (*IssueRepo)(nil)

// IssueRepo enumerates the mirrored issues of a repository.
type IssueRepo struct {
	db *DB
}

// NewIssueRepo creates a new IssueRepo backed by db.
func NewIssueRepo(db *DB) *IssueRepo {
	return &IssueRepo{db: db}
}

type candidateRow struct {
	ID            int64  `db:"id"`
	Number        int    `db:"number"`
	Title         string `db:"title"`
	Body          string `db:"body"`
	HTMLURL       string `db:"html_url"`
	IsPullRequest bool   `db:"is_pull_request"`
}

// ListCandidates returns issues of runKey ordered by id. The page token is
// the last id of the previous page.
func (r *IssueRepo) ListCandidates(ctx context.Context, runKey, pageToken string, pageSize int) ([]model.WorkItem, string, error) {
	var after int64
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		after = v
	}

	const query = `
		SELECT i.id, i.number, i.title, COALESCE(i.body, '') AS body, i.html_url, i.is_pull_request
		FROM github_issues i
		JOIN github_repos r ON r.id = i.repo_id
		WHERE r.full_name = $1 AND i.id > $2
		ORDER BY i.id
		LIMIT $3`

	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, query, runKey, after, pageSize); err != nil {
		return nil, "", fmt.Errorf("list candidates for %s: %w", runKey, err)
	}

	items := make([]model.WorkItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, model.WorkItem{
			ID:            row.ID,
			Number:        row.Number,
			Title:         row.Title,
			Body:          row.Body,
			HTMLURL:       row.HTMLURL,
			IsPullRequest: row.IsPullRequest,
			RunKey:        runKey,
		})
	}

	next := ""
	if pageSize > 0 && len(rows) == pageSize {
		next = strconv.FormatInt(rows[len(rows)-1].ID, 10)
	}

	return items, next, nil
}
