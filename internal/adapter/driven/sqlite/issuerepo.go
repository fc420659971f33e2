package sqlite

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CandidateSource = (*IssueRepo)(nil)

// IssueRepo reads and writes the mirrored issues table. The mirroring itself
// is done elsewhere; Upsert exists for imports and tests.
type IssueRepo struct {
	db *DB
}

// NewIssueRepo creates a new IssueRepo backed by the given DB.
func NewIssueRepo(db *DB) *IssueRepo {
	return &IssueRepo{db: db}
}

// Upsert inserts or replaces an issue keyed by its GitHub id.
func (r *IssueRepo) Upsert(ctx context.Context, issue model.Issue) error {
	const query = `
		INSERT INTO issues (
			id, repo_full_name, number, title, body, html_url, state,
			is_pull_request, author, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repo_full_name = excluded.repo_full_name,
			number = excluded.number,
			title = excluded.title,
			body = excluded.body,
			html_url = excluded.html_url,
			state = excluded.state,
			is_pull_request = excluded.is_pull_request,
			author = excluded.author,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`

	state := issue.State
	if state == "" {
		state = "open"
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		issue.ID, issue.RepoFullName, issue.Number, issue.Title, issue.Body, issue.HTMLURL, state,
		boolToInt(issue.IsPullRequest), issue.Author, formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %s#%d: %w", issue.RepoFullName, issue.Number, err)
	}

	return nil
}

// ListCandidates pages through the issues of runKey in id order. The page
// token is the last id of the previous page.
func (r *IssueRepo) ListCandidates(ctx context.Context, runKey, pageToken string, pageSize int) ([]model.WorkItem, string, error) {
	const query = `
		SELECT id, number, title, body, html_url, is_pull_request
		FROM issues
		WHERE repo_full_name = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`

	var afterID int64
	if pageToken != "" {
		id, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("parse page token %q: %w", pageToken, err)
		}
		afterID = id
	}

	rows, err := r.db.Reader.QueryContext(ctx, query, runKey, afterID, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("list candidates for %s: %w", runKey, err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		item := model.WorkItem{RunKey: runKey}
		var isPR int
		if err := rows.Scan(&item.ID, &item.Number, &item.Title, &item.Body, &item.HTMLURL, &isPR); err != nil {
			return nil, "", fmt.Errorf("scan candidate: %w", err)
		}
		item.IsPullRequest = isPR != 0
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate candidates: %w", err)
	}

	var next string
	if pageSize > 0 && len(items) == pageSize {
		next = strconv.FormatInt(items[len(items)-1].ID, 10)
	}

	return items, next, nil
}

// CountByRepo returns the number of mirrored issues and pull requests of repoFullName.
func (r *IssueRepo) CountByRepo(ctx context.Context, repoFullName string) (int, error) {
	const query = `SELECT COUNT(*) FROM issues WHERE repo_full_name = ?`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query, repoFullName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count issues for %s: %w", repoFullName, err)
	}

	return n, nil
}
