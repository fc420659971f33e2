package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ClassificationStore = (*ClassificationRepo)(nil)

// ClassificationRepo stores one issue_label row per issue.
type ClassificationRepo struct {
	db *DB
}

// NewClassificationRepo creates a new ClassificationRepo backed by db.
func NewClassificationRepo(db *DB) *ClassificationRepo {
	return &ClassificationRepo{db: db}
}

// labelRow mirrors the issue_label table. An unset provider or version is NULL.
type labelRow struct {
	IssueID         int64          `db:"issue_id"`
	RunKey          string         `db:"run_key"`
	IsPullRequest   bool           `db:"is_pull_request"`
	ToolCalling     bool           `db:"tool_calling"`
	MCP             bool           `db:"mcp"`
	ModelProvider   sql.NullString `db:"model_provider"`
	Setting         bool           `db:"setting"`
	FileSystem      bool           `db:"file_system"`
	Env             bool           `db:"env"`
	Chat            bool           `db:"chat"`
	Plugin          bool           `db:"plugin"`
	Search          bool           `db:"search"`
	TTS             bool           `db:"tts"`
	DesignStyle     bool           `db:"design_style"`
	Docs            bool           `db:"docs"`
	Mobile          bool           `db:"mobile"`
	Desktop         bool           `db:"desktop"`
	Docker          bool           `db:"docker"`
	Windows         bool           `db:"windows"`
	ReactNative     bool           `db:"react_native"`
	Auth            bool           `db:"auth"`
	MacOS           bool           `db:"macos"`
	Cloud           bool           `db:"cloud"`
	Drawing         bool           `db:"drawing"`
	Linux           bool           `db:"linux"`
	Version         sql.NullString `db:"version"`
	NeedManualCheck bool           `db:"need_manual_check"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func toLabelRow(c model.Classification) labelRow {
	l := c.Labels
	return labelRow{
		IssueID:         c.IssueID,
		RunKey:          c.RunKey,
		IsPullRequest:   c.IsPullRequest,
		ToolCalling:     l.ToolCalling,
		MCP:             l.MCP,
		ModelProvider:   nullString(l.ModelProvider),
		Setting:         l.Setting,
		FileSystem:      l.FileSystem,
		Env:             l.Env,
		Chat:            l.Chat,
		Plugin:          l.Plugin,
		Search:          l.Search,
		TTS:             l.TTS,
		DesignStyle:     l.DesignStyle,
		Docs:            l.Docs,
		Mobile:          l.Mobile,
		Desktop:         l.Desktop,
		Docker:          l.Docker,
		Windows:         l.Windows,
		ReactNative:     l.ReactNative,
		Auth:            l.Auth,
		MacOS:           l.MacOS,
		Cloud:           l.Cloud,
		Drawing:         l.Drawing,
		Linux:           l.Linux,
		Version:         nullString(l.Version),
		NeedManualCheck: l.NeedManualCheck,
		UpdatedAt:       c.ClassifiedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const upsertLabelQuery = `
	INSERT INTO issue_label (
		issue_id, run_key, is_pull_request, tool_calling, mcp, model_provider, setting,
		file_system, env, chat, plugin, search, tts, design_style, docs, mobile, desktop,
		docker, windows, react_native, auth, macos, cloud, drawing, linux, version,
		need_manual_check, updated_at
	) VALUES (
		:issue_id, :run_key, :is_pull_request, :tool_calling, :mcp, :model_provider, :setting,
		:file_system, :env, :chat, :plugin, :search, :tts, :design_style, :docs, :mobile, :desktop,
		:docker, :windows, :react_native, :auth, :macos, :cloud, :drawing, :linux, :version,
		:need_manual_check, :updated_at
	)
	ON CONFLICT (issue_id) DO UPDATE SET
		run_key = EXCLUDED.run_key,
		is_pull_request = EXCLUDED.is_pull_request,
		tool_calling = EXCLUDED.tool_calling,
		mcp = EXCLUDED.mcp,
		model_provider = EXCLUDED.model_provider,
		setting = EXCLUDED.setting,
		file_system = EXCLUDED.file_system,
		env = EXCLUDED.env,
		chat = EXCLUDED.chat,
		plugin = EXCLUDED.plugin,
		search = EXCLUDED.search,
		tts = EXCLUDED.tts,
		design_style = EXCLUDED.design_style,
		docs = EXCLUDED.docs,
		mobile = EXCLUDED.mobile,
		desktop = EXCLUDED.desktop,
		docker = EXCLUDED.docker,
		windows = EXCLUDED.windows,
		react_native = EXCLUDED.react_native,
		auth = EXCLUDED.auth,
		macos = EXCLUDED.macos,
		cloud = EXCLUDED.cloud,
		drawing = EXCLUDED.drawing,
		linux = EXCLUDED.linux,
		version = EXCLUDED.version,
		need_manual_check = EXCLUDED.need_manual_check,
		updated_at = EXCLUDED.updated_at`

// Save inserts or replaces the labels of one issue.
func (r *ClassificationRepo) Save(ctx context.Context, c model.Classification) error {
	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now().UTC()
	}

	if _, err := r.db.NamedExecContext(ctx, upsertLabelQuery, toLabelRow(c)); err != nil {
		return fmt.Errorf("save classification %d: %w", c.IssueID, err)
	}
	return nil
}

// ExistingIDs reports which of ids already have labels saved under runKey.
func (r *ClassificationRepo) ExistingIDs(ctx context.Context, runKey string, ids []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query, args, err := sqlx.In(`SELECT issue_id FROM issue_label WHERE run_key = ? AND issue_id IN (?)`, runKey, ids)
	if err != nil {
		return nil, fmt.Errorf("build existing ids query: %w", err)
	}

	var existing []int64
	if err := r.db.SelectContext(ctx, &existing, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("existing ids for %s: %w", runKey, err)
	}

	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

// CountClassifiedSince counts labels of runKey written at or after since.
func (r *ClassificationRepo) CountClassifiedSince(ctx context.Context, runKey string, since time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM issue_label WHERE run_key = $1 AND updated_at >= $2`, runKey, since)
	if err != nil {
		return 0, fmt.Errorf("count classified for %s: %w", runKey, err)
	}
	return n, nil
}
