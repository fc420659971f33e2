package main

import (
	"context"
	"fmt"
	"log/slog"

	githubadapter "github.com/openomy/issue-analysis/internal/adapter/driven/github"
	"github.com/openomy/issue-analysis/internal/adapter/driven/memory"
	"github.com/openomy/issue-analysis/internal/adapter/driven/postgres"
	"github.com/openomy/issue-analysis/internal/adapter/driven/redisstore"
	sqliteadapter "github.com/openomy/issue-analysis/internal/adapter/driven/sqlite"
	"github.com/openomy/issue-analysis/internal/config"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// backends holds the driven adapters selected by the configuration.
type backends struct {
	repos    driven.RepoStore
	labels   driven.ClassificationStore
	source   driven.CandidateSource
	queue    driven.WorkQueue
	statuses driven.RunStatusStore

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// openBackends opens the configured stores. On error everything opened so
// far is closed again.
func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close(log)
		}
	}()

	var sqliteDB *sqliteadapter.DB
	openSQLite := func() (*sqliteadapter.DB, error) {
		if sqliteDB != nil {
			return sqliteDB, nil
		}
		db, err := sqliteadapter.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite database opened", "path", cfg.DBPath)
		b.closers = append(b.closers, namedCloser{"sqlite", db.Close})
		sqliteDB = db
		return db, nil
	}

	var issues driven.CandidateSource

	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("postgres database opened")
		b.closers = append(b.closers, namedCloser{"postgres", db.Close})

		b.repos = postgres.NewRepoRepo(db)
		b.labels = postgres.NewClassificationRepo(db)
		issues = postgres.NewIssueRepo(db)
	default:
		db, err := openSQLite()
		if err != nil {
			return nil, err
		}
		b.repos = sqliteadapter.NewRepoRepo(db)
		b.labels = sqliteadapter.NewClassificationRepo(db)
		issues = sqliteadapter.NewIssueRepo(db)
	}

	switch cfg.QueueBackend {
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
		b.closers = append(b.closers, namedCloser{"redis", client.Close})

		b.queue = redisstore.NewQueue(client, cfg.Redis.KeyPrefix)
		b.statuses = redisstore.NewStatusStore(client, cfg.Redis.KeyPrefix)
	case "memory":
		log.Warn("in-memory queue selected, runs are lost on restart")
		b.queue = memory.NewQueue()
		b.statuses = memory.NewStatusStore()
	default:
		db, err := openSQLite()
		if err != nil {
			return nil, err
		}
		b.queue = sqliteadapter.NewQueueRepo(db)
		b.statuses = sqliteadapter.NewStatusRepo(db)
	}

	switch cfg.CandidateSource {
	case "github":
		if cfg.GitHubToken == "" {
			log.Warn("no github token configured, using unauthenticated rate limits")
		}
		b.source = githubadapter.NewClient(cfg.GitHubToken)
	default:
		b.source = issues
	}

	return b, nil
}

// Close closes the opened stores in reverse order.
func (b *backends) Close(log *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.close(); err != nil {
			log.Error(fmt.Sprintf("error closing %s", c.name), "error", err)
		}
	}
	b.closers = nil
}
