package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

var _ driven.RepoStore = (*RepoRepo)(nil)

const repoColumns = `id, full_name, owner, name, added_at`

// RepoRepo keeps the watch list of repositories that scheduled runs cover.
type RepoRepo struct {
	db *DB
}

// NewRepoRepo creates a RepoRepo over db.
func NewRepoRepo(db *DB) *RepoRepo {
	return &RepoRepo{db: db}
}

// Add watches repo. Owner and name are taken from the full name when unset;
// a zero AddedAt becomes now.
func (r *RepoRepo) Add(ctx context.Context, repo model.Repository) error {
	owner, name, _ := strings.Cut(repo.FullName, "/")
	if repo.Owner != "" {
		owner = repo.Owner
	}
	if repo.Name != "" {
		name = repo.Name
	}
	if repo.AddedAt.IsZero() {
		repo.AddedAt = time.Now()
	}

	res, err := r.db.Writer.ExecContext(ctx,
		`INSERT INTO repositories (full_name, owner, name, added_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(full_name) DO NOTHING`,
		repo.FullName, owner, name, formatTime(repo.AddedAt))
	if err != nil {
		return fmt.Errorf("watch %s: %w", repo.FullName, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("watch %s: %w", repo.FullName, err)
	} else if n == 0 {
		return fmt.Errorf("watch %s: %w", repo.FullName, driven.ErrRepoAlreadyExists)
	}
	return nil
}

// Remove drops fullName from the watch list. Its mirrored issues and
// classifications stay.
func (r *RepoRepo) Remove(ctx context.Context, fullName string) error {
	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM repositories WHERE full_name = ?`, fullName)
	if err != nil {
		return fmt.Errorf("unwatch %s: %w", fullName, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("unwatch %s: %w", fullName, err)
	} else if n == 0 {
		return fmt.Errorf("unwatch %s: %w", fullName, driven.ErrRepoNotFound)
	}
	return nil
}

// GetByFullName returns the watched repository, or nil, nil when fullName is
// not watched.
func (r *RepoRepo) GetByFullName(ctx context.Context, fullName string) (*model.Repository, error) {
	repos, err := r.selectRepos(ctx, `WHERE full_name = ?`, fullName)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", fullName, err)
	}
	if len(repos) == 0 {
		return nil, nil
	}
	return &repos[0], nil
}

// ListAll returns the watch list sorted by full name.
func (r *RepoRepo) ListAll(ctx context.Context) ([]model.Repository, error) {
	repos, err := r.selectRepos(ctx, `ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("list watched repositories: %w", err)
	}
	return repos, nil
}

func (r *RepoRepo) selectRepos(ctx context.Context, clause string, args ...any) ([]model.Repository, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var (
			repo    model.Repository
			addedAt string
		)
		if err := rows.Scan(&repo.ID, &repo.FullName, &repo.Owner, &repo.Name, &addedAt); err != nil {
			return nil, err
		}
		if repo.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, fmt.Errorf("added_at of %s: %w", repo.FullName, err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}
