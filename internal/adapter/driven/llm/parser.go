package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// ErrUnparseableResponse is returned when the model output holds no JSON object.
var ErrUnparseableResponse = errors.New("model response contains no JSON object")

// parseLabels extracts a LabelSet from raw model output. It handles the
// usual LLM quirks:
//   - the object wrapped in ```json ... ``` fences or surrounded by prose
//   - keys in display form ("Tool Calling", "MacOs") or snake case
//   - flags given as booleans or as "true"/"false" strings
//   - "false" instead of an empty provider or version
//
// Missing flags are false; unknown keys are ignored.
func parseLabels(raw string) (model.LabelSet, error) {
	body, err := extractObject(raw)
	if err != nil {
		return model.LabelSet{}, err
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return model.LabelSet{}, fmt.Errorf("decoding labels: %w", err)
	}

	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[normalizeKey(k)] = v
	}

	var ls model.LabelSet
	flags := map[string]*bool{
		"tool_calling":      &ls.ToolCalling,
		"mcp":               &ls.MCP,
		"setting":           &ls.Setting,
		"file_system":       &ls.FileSystem,
		"env":               &ls.Env,
		"chat":              &ls.Chat,
		"plugin":            &ls.Plugin,
		"search":            &ls.Search,
		"tts":               &ls.TTS,
		"design_style":      &ls.DesignStyle,
		"docs":              &ls.Docs,
		"mobile":            &ls.Mobile,
		"desktop":           &ls.Desktop,
		"docker":            &ls.Docker,
		"windows":           &ls.Windows,
		"react_native":      &ls.ReactNative,
		"auth":              &ls.Auth,
		"macos":             &ls.MacOS,
		"cloud":             &ls.Cloud,
		"drawing":           &ls.Drawing,
		"linux":             &ls.Linux,
		"need_manual_check": &ls.NeedManualCheck,
	}
	for key, dst := range flags {
		*dst = asBool(fields[key])
	}

	ls.ModelProvider = asOptionalString(fields["model_provider"])
	ls.Version = asOptionalString(fields["version"])

	return ls, nil
}

// extractObject returns the outermost {...} span of s.
func extractObject(s string) (string, error) {
	s = stripCodeFence(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", ErrUnparseableResponse
	}
	return s[start : end+1], nil
}

// stripCodeFence removes a wrapping ``` or ```json fence.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	idx := strings.Index(trimmed, "\n")
	if idx < 0 {
		return s
	}
	inner := trimmed[idx+1:]
	if lastFence := strings.LastIndex(inner, "```"); lastFence >= 0 {
		inner = inner[:lastFence]
	}
	return strings.TrimSpace(inner)
}

// normalizeKey maps "Tool Calling", "tool-calling" and "tool_calling" to the same key.
func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

// asOptionalString treats false, null and the literal "false" as unset.
func asOptionalString(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.EqualFold(s, "false") || strings.EqualFold(s, "null") {
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
