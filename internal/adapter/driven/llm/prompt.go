package llm

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed prompts/*.prompt
var promptFiles embed.FS

// promptData is the input of the classify prompt template.
type promptData struct {
	Title string
	Body  string
}

func loadPrompt() (*template.Template, error) {
	content, err := promptFiles.ReadFile("prompts/classify.prompt")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompt: %w", err)
	}

	tmpl, err := template.New("classify").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("could not parse template: %w", err)
	}

	return tmpl, nil
}

func renderPrompt(tmpl *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}
