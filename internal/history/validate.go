package history

import "strings"

// Validate returns one entry per missing or invalid required field. An empty
// result means rec may be stored.
func Validate(rec PromptRecord) []string {
	var problems []string
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, field+": required")
		}
	}

	required("id", rec.ID)
	required("originalPrompt", rec.OriginalPrompt)
	required("optimizedPrompt", rec.OptimizedPrompt)
	switch {
	case rec.Type == "":
		problems = append(problems, "type: required")
	case !rec.Type.Valid():
		problems = append(problems, "type: must be optimize or iterate")
	}
	required("chainId", rec.ChainID)
	if rec.Version < 1 {
		problems = append(problems, "version: must be >= 1")
	}
	if rec.Timestamp <= 0 {
		problems = append(problems, "timestamp: required")
	}
	required("modelKey", rec.ModelKey)
	required("templateId", rec.TemplateID)

	return problems
}
