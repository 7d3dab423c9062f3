package template

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/promptsmith/internal/llm"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load template schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return schema, nil
})

// document is the on-disk YAML shape of a template.
type document struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Type        Type          `yaml:"type"`
	Version     string        `yaml:"version"`
	Author      string        `yaml:"author"`
	Description string        `yaml:"description"`
	Content     string        `yaml:"content"`
	Messages    []llm.Message `yaml:"messages"`
}

// Parse decodes a YAML template document and validates it against the
// template schema.
func Parse(data []byte) (*Template, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidTemplate, err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	var d document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	version := d.Version
	if version == "" {
		version = "1.0"
	}
	return &Template{
		ID:       d.ID,
		Name:     d.Name,
		Content:  d.Content,
		Messages: d.Messages,
		Metadata: Metadata{
			Version:      version,
			Author:       d.Author,
			Description:  d.Description,
			TemplateType: d.Type,
		},
	}, nil
}

// check validates a template saved through the API.
func check(t *Template) error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	case !t.Metadata.TemplateType.Valid():
		return fmt.Errorf("%w: unknown template type %q", ErrInvalidTemplate, t.Metadata.TemplateType)
	case t.Content == "" && len(t.Messages) == 0:
		return fmt.Errorf("%w: content or messages is required", ErrInvalidTemplate)
	case t.Content != "" && len(t.Messages) > 0:
		return fmt.Errorf("%w: content and messages are mutually exclusive", ErrInvalidTemplate)
	}
	for i, m := range t.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidTemplate, i, m.Role)
		}
	}
	return nil
}
