package history

// RecordType distinguishes chain-creating records from refinements.
type RecordType string

const (
	TypeOptimize RecordType = "optimize"
	TypeIterate  RecordType = "iterate"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t == TypeOptimize || t == TypeIterate
}

// PromptRecord is one optimization or iteration event. Records are never
// mutated once stored.
type PromptRecord struct {
	ID              string         `json:"id"`
	OriginalPrompt  string         `json:"originalPrompt"`
	OptimizedPrompt string         `json:"optimizedPrompt"`
	Type            RecordType     `json:"type"`
	ChainID         string         `json:"chainId"`
	Version         int            `json:"version"`
	PreviousID      string         `json:"previousId,omitempty"`
	IterationNote   string         `json:"iterationNote,omitempty"`
	Timestamp       int64          `json:"timestamp"` // epoch ms
	ModelKey        string         `json:"modelKey"`
	TemplateID      string         `json:"templateId"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Chain is a read-only view over all records sharing a ChainID.
type Chain struct {
	ChainID       string         `json:"chainId"`
	RootRecord    PromptRecord   `json:"rootRecord"`
	CurrentRecord PromptRecord   `json:"currentRecord"`
	Versions      []PromptRecord `json:"versions"`
}

// Stats summarizes the stored history.
type Stats struct {
	Records    int `json:"records"`
	Chains     int `json:"chains"`
	MaxRecords int `json:"max_records"`
}
