package template

import (
	"regexp"

	"github.com/lazypower/promptsmith/internal/llm"
)

// Variables understood by the built-in templates.
const (
	VarOriginalPrompt      = "originalPrompt"
	VarLastOptimizedPrompt = "lastOptimizedPrompt"
	VarIterateInput        = "iterateInput"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Substitute replaces {{name}} placeholders with vars[name]. Unknown
// placeholders are left as written.
func Substitute(s string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Render turns a template into the messages sent to the model.
//
// A Messages template is substituted message by message. A Content template
// becomes one system message followed by a user message: the original prompt
// for optimize templates, or the last optimized prompt and requested change
// for iterate templates.
func Render(t *Template, vars map[string]string) []llm.Message {
	if len(t.Messages) > 0 {
		out := make([]llm.Message, len(t.Messages))
		for i, m := range t.Messages {
			out[i] = llm.Message{Role: m.Role, Content: Substitute(m.Content, vars)}
		}
		return out
	}

	user := vars[VarOriginalPrompt]
	if t.Metadata.TemplateType == TypeIterate {
		user = Substitute("Last optimized prompt:\n{{lastOptimizedPrompt}}\n\nRequested change:\n{{iterateInput}}", vars)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: Substitute(t.Content, vars)},
		{Role: llm.RoleUser, Content: user},
	}
}
