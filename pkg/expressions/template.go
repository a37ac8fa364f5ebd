package expressions

import (
	"fmt"
	"regexp"
	"strings"
)

// templatePattern matches {{ expression }}
var templatePattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Template interpolates {{ expression }} placeholders
type Template struct {
	evaluator *Evaluator
}

func NewTemplate(evaluator *Evaluator) *Template {
	return &Template{evaluator: evaluator}
}

// Render replaces every placeholder in s with its evaluated value
func (t *Template) Render(s string, data any) (string, error) {
	var lastErr error

	result := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := templatePattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		expression := strings.TrimSpace(submatch[1])
		value, err := t.evaluator.EvaluateString(expression, data)
		if err != nil {
			lastErr = fmt.Errorf("failed to evaluate %q: %w", expression, err)
			return match
		}
		return value
	})

	return result, lastErr
}

// RenderValue renders strings, recursing into maps and slices
func (t *Template) RenderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		return t.Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := t.RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("failed to render key %q: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := t.RenderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// HasTemplates reports whether s contains a placeholder
func HasTemplates(s string) bool {
	return templatePattern.MatchString(s)
}
