// Package llm implements the Classifier port on top of a goframe language model.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/sevigo/goframe/llms"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Classifier = (*Classifier)(nil)

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// modelGenerator adapts a goframe llms.Model to Generator.
type modelGenerator struct {
	model llms.Model
}

func (g modelGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.model.Call(ctx, prompt)
}

// FromModel wraps a goframe model as a Generator.
func FromModel(m llms.Model) Generator {
	return modelGenerator{model: m}
}

// Classifier renders the classify prompt for an issue, asks the model and
// parses its answer into a LabelSet.
type Classifier struct {
	gen    Generator
	prompt *template.Template
	logger *slog.Logger
}

// NewClassifier creates a Classifier backed by gen.
func NewClassifier(gen Generator, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := loadPrompt()
	if err != nil {
		return nil, err
	}

	return &Classifier{
		gen:    gen,
		prompt: tmpl,
		logger: logger,
	}, nil
}

// Classify returns the labels of one issue. Transport failures and
// unparseable answers are returned as errors so the caller can retry.
func (c *Classifier) Classify(ctx context.Context, title, body string) (model.LabelSet, error) {
	prompt, err := renderPrompt(c.prompt, promptData{Title: title, Body: body})
	if err != nil {
		return model.LabelSet{}, err
	}

	resp, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return model.LabelSet{}, fmt.Errorf("calling model: %w", err)
	}
	if strings.TrimSpace(resp) == "" {
		return model.LabelSet{}, fmt.Errorf("calling model: %w", ErrUnparseableResponse)
	}

	labels, err := parseLabels(resp)
	if err != nil {
		c.logger.Debug("unparseable model response", "response", truncate(resp, 200), "error", err)
		return model.LabelSet{}, fmt.Errorf("parsing model response: %w", err)
	}

	return labels, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
