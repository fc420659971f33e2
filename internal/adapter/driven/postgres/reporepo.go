package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

var _ driven.RepoStore = (*RepoRepo)(nil)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// RepoRepo stores the watched repositories in github_repos.
type RepoRepo struct {
	db *DB
}

// NewRepoRepo creates a RepoRepo backed by db.
func NewRepoRepo(db *DB) *RepoRepo {
	return &RepoRepo{db: db}
}

type repoRow struct {
	ID        int64     `db:"id"`
	FullName  string    `db:"full_name"`
	Owner     string    `db:"owner"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (r repoRow) repository() model.Repository {
	return model.Repository{
		ID:       r.ID,
		FullName: r.FullName,
		Owner:    r.Owner,
		Name:     r.Name,
		AddedAt:  r.CreatedAt,
	}
}

// Add inserts a watched repository.
func (r *RepoRepo) Add(ctx context.Context, repo model.Repository) error {
	const query = `
		INSERT INTO github_repos (full_name, owner, name, html_url, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	addedAt := repo.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query, repo.FullName, repo.Owner, repo.Name, "https://github.com/"+repo.FullName, addedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("add repository %s: %w", repo.FullName, driven.ErrRepoAlreadyExists)
		}
		return fmt.Errorf("add repository %s: %w", repo.FullName, err)
	}
	return nil
}

// Remove deletes a watched repository. Its mirrored issues are removed by
// the foreign key cascade.
func (r *RepoRepo) Remove(ctx context.Context, fullName string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM github_repos WHERE full_name = $1`, fullName)
	if err != nil {
		return fmt.Errorf("remove repository %s: %w", fullName, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("remove repository %s: %w", fullName, driven.ErrRepoNotFound)
	}
	return nil
}

// GetByFullName returns nil, nil when the repository is not watched.
func (r *RepoRepo) GetByFullName(ctx context.Context, fullName string) (*model.Repository, error) {
	var row repoRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, full_name, owner, name, created_at FROM github_repos WHERE full_name = $1`, fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", fullName, err)
	}

	repo := row.repository()
	return &repo, nil
}

// ListAll returns every watched repository ordered by full name.
func (r *RepoRepo) ListAll(ctx context.Context) ([]model.Repository, error) {
	var rows []repoRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, full_name, owner, name, created_at FROM github_repos ORDER BY full_name`); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	repos := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		repos = append(repos, row.repository())
	}
	return repos, nil
}
