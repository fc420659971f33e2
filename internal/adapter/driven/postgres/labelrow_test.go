package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

func TestToLabelRow(t *testing.T) {
	c := model.Classification{
		IssueID:       7,
		RunKey:        "lobehub/lobe-chat",
		IsPullRequest: true,
		Labels: model.LabelSet{
			MCP:           true,
			ModelProvider: "anthropic",
			Docker:        true,
		},
		ClassifiedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	row := toLabelRow(c)
	assert.Equal(t, int64(7), row.IssueID)
	assert.Equal(t, "lobehub/lobe-chat", row.RunKey)
	assert.True(t, row.IsPullRequest)
	assert.True(t, row.MCP)
	assert.True(t, row.Docker)
	assert.False(t, row.Chat)
	assert.Equal(t, "anthropic", row.ModelProvider.String)
	assert.True(t, row.ModelProvider.Valid)
	assert.False(t, row.Version.Valid, "empty version is stored as NULL")
	assert.Equal(t, c.ClassifiedAt, row.UpdatedAt)
}
