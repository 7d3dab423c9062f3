// Package template provides the prompt templates the optimize and iterate
// flows render into chat messages.
package template

import (
	"context"
	"errors"

	"github.com/lazypower/promptsmith/internal/llm"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrBuiltinReadOnly  = errors.New("built-in templates are read-only")
	ErrFileManaged      = errors.New("template is managed by a file in the templates directory")
	ErrInvalidTemplate  = errors.New("invalid template")
)

// Type says which flow a template serves.
type Type string

const (
	TypeOptimize     Type = "optimize"
	TypeIterate      Type = "iterate"
	TypeUserOptimize Type = "userOptimize"
	TypeTest         Type = "test"
)

// Valid reports whether t is a known template type.
func (t Type) Valid() bool {
	switch t {
	case TypeOptimize, TypeIterate, TypeUserOptimize, TypeTest:
		return true
	}
	return false
}

// Source says where a template was loaded from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceUser    Source = "user"
)

type Metadata struct {
	Version      string `json:"version"`
	LastModified int64  `json:"lastModified"` // unix millis
	Author       string `json:"author,omitempty"`
	Description  string `json:"description,omitempty"`
	TemplateType Type   `json:"templateType"`
}

// Template is either a single system-prompt Content or a full Messages list
// with {{placeholder}} variables.
type Template struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Content   string        `json:"content,omitempty"`
	Messages  []llm.Message `json:"messages,omitempty"`
	Metadata  Metadata      `json:"metadata"`
	IsBuiltin bool          `json:"isBuiltin"`
	Source    Source        `json:"source"`
}

// Provider resolves templates by id.
type Provider interface {
	Template(ctx context.Context, id string) (*Template, error)
}

func (t *Template) clone() *Template {
	c := *t
	if t.Messages != nil {
		c.Messages = append([]llm.Message(nil), t.Messages...)
	}
	return &c
}
