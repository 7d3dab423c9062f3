package history

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/store"
)

const (
	DefaultMaxRecords = 50
	DefaultStorageKey = "prompt_history"

	checkKey = "prompt_history:writecheck"
)

// Manager is the sole reader and writer of the stored record list.
//
// Every mutation is a full read-modify-write of one stored JSON array.
// Operations on one Manager are serialized; separate processes sharing the
// same backend are last-writer-wins.
type Manager struct {
	kv         store.KV
	key        string
	maxRecords int
	now        func() time.Time
	newID      func() string
	logger     *zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRecords caps the number of stored records. Values < 1 are ignored.
func WithMaxRecords(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRecords = n
		}
	}
}

// WithStorageKey overrides the key the record list is stored under.
func WithStorageKey(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.key = key
		}
	}
}

// WithClock overrides the time source used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides how record and chain ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = &l }
}

// New creates a Manager over kv. Init must succeed before use.
func New(kv store.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:         kv,
		key:        DefaultStorageKey,
		maxRecords: DefaultMaxRecords,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log() *zerolog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return &log.Logger
}

// MaxRecords returns the configured capacity.
func (m *Manager) MaxRecords() int { return m.maxRecords }

// Init verifies the store is writable by writing and deleting a marker key.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp := fmt.Sprintf("%d", m.now().UnixMilli())
	if err := m.kv.SetItem(ctx, checkKey, stamp); err != nil {
		return &StorageError{Op: "write check", Err: err, unavailable: true}
	}
	if err := m.kv.RemoveItem(ctx, checkKey); err != nil {
		return &StorageError{Op: "write check delete", Err: err, unavailable: true}
	}
	m.initialized = true
	m.log().Debug().Str("key", m.key).Int("max_records", m.maxRecords).Msg("history initialized")
	return nil
}

// lock acquires the manager lock, failing if Init has not succeeded.
func (m *Manager) lock() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrUninitialized
	}
	return nil
}

func (m *Manager) load(ctx context.Context) ([]PromptRecord, error) {
	raw, ok, err := m.kv.GetItem(ctx, m.key)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	if !ok || raw == "" {
		return []PromptRecord{}, nil
	}
	var records []PromptRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, &StorageError{Op: "decode", Err: err}
	}
	if records == nil {
		records = []PromptRecord{}
	}
	return records, nil
}

func (m *Manager) save(ctx context.Context, records []PromptRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return &StorageError{Op: "encode", Err: err}
	}
	if err := m.kv.SetItem(ctx, m.key, string(data)); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

// insert validates rec, prepends it to records and truncates to capacity. It
// persists the result and returns the new list; on error nothing is written.
func (m *Manager) insert(ctx context.Context, records []PromptRecord, rec PromptRecord) ([]PromptRecord, error) {
	if problems := Validate(rec); len(problems) > 0 {
		return nil, &ValidationError{Fields: problems}
	}
	if problems := linkProblems(records, rec); len(problems) > 0 {
		return nil, &ValidationError{Fields: problems}
	}
	rec.Metadata = maps.Clone(rec.Metadata)

	next := make([]PromptRecord, 0, len(records)+1)
	next = append(next, rec)
	next = append(next, records...)
	if len(next) > m.maxRecords {
		m.log().Debug().Int("evicted", len(next)-m.maxRecords).Msg("history over capacity, evicting oldest")
		next = next[:m.maxRecords]
	}

	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// linkProblems checks rec against the stored records: ids are unique, a
// version appears once per chain, and a stored PreviousID target belongs to
// the same chain with a lower version. A PreviousID whose target is gone is
// tolerated, since eviction can remove it.
func linkProblems(records []PromptRecord, rec PromptRecord) []string {
	var problems []string
	for _, r := range records {
		if r.ID == rec.ID {
			problems = append(problems, "id: already exists")
		}
		if r.ChainID == rec.ChainID && r.Version == rec.Version {
			problems = append(problems, fmt.Sprintf("version: %d already exists in chain %s", rec.Version, rec.ChainID))
		}
		if rec.PreviousID != "" && r.ID == rec.PreviousID {
			if r.ChainID != rec.ChainID {
				problems = append(problems, "previousId: belongs to another chain")
			} else if r.Version >= rec.Version {
				problems = append(problems, "previousId: must reference a lower version")
			}
		}
	}
	if rec.PreviousID != "" && rec.PreviousID == rec.ID {
		problems = append(problems, "previousId: must not reference the record itself")
	}
	return problems
}

// AddRecord validates and stores rec as the newest record.
func (m *Manager) AddRecord(ctx context.Context, rec PromptRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return err
	}
	_, err = m.insert(ctx, records, rec)
	return err
}

// Records returns all stored records, newest first.
func (m *Manager) Records(ctx context.Context) ([]PromptRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.load(ctx)
}

// Record returns the record with the given id.
func (m *Manager) Record(ctx context.Context, id string) (*PromptRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

// DeleteRecord removes a single record.
func (m *Manager) DeleteRecord(ctx context.Context, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return err
	}
	idx := -1
	for i := range records {
		if records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	next := append(records[:idx:idx], records[idx+1:]...)
	return m.save(ctx, next)
}

// DeleteChain removes every record of a chain.
func (m *Manager) DeleteChain(ctx context.Context, chainID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return err
	}
	next := make([]PromptRecord, 0, len(records))
	for _, r := range records {
		if r.ChainID != chainID {
			next = append(next, r)
		}
	}
	if len(next) == len(records) {
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	return m.save(ctx, next)
}

// ClearHistory removes all records.
func (m *Manager) ClearHistory(ctx context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := m.kv.RemoveItem(ctx, m.key); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// IterationChain walks PreviousID links back from recordID and returns the
// lineage oldest first. A link to a missing record ends the walk; the records
// gathered so far are returned without error.
func (m *Manager) IterationChain(ctx context.Context, recordID string) ([]PromptRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]PromptRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	cur, ok := byID[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	lineage := []PromptRecord{cur}
	seen := map[string]bool{cur.ID: true}
	for cur.PreviousID != "" {
		prev, ok := byID[cur.PreviousID]
		if !ok || seen[prev.ID] {
			m.log().Debug().Str("record_id", cur.ID).Str("previous_id", cur.PreviousID).Msg("iteration chain link broken")
			break
		}
		seen[prev.ID] = true
		lineage = append(lineage, prev)
		cur = prev
	}

	for i, j := 0, len(lineage)-1; i < j; i, j = i+1, j-1 {
		lineage[i], lineage[j] = lineage[j], lineage[i]
	}
	return lineage, nil
}

// Chain returns the chain view for chainID.
func (m *Manager) Chain(ctx context.Context, chainID string) (*Chain, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return chainOf(records, chainID)
}

// AllChains groups every record by chain. Chains are ordered by their current
// record's timestamp, newest first.
func (m *Manager) AllChains(ctx context.Context) ([]Chain, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return groupChains(records), nil
}

// NewChainParams describes the first record of a new chain. Empty ID and
// ChainID are generated; a zero Timestamp means now.
type NewChainParams struct {
	ID              string
	ChainID         string
	OriginalPrompt  string
	OptimizedPrompt string
	ModelKey        string
	TemplateID      string
	Timestamp       int64
	Metadata        map[string]any
}

// CreateNewChain stores a version-1 optimize record and returns its chain.
func (m *Manager) CreateNewChain(ctx context.Context, p NewChainParams) (*Chain, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	rec := PromptRecord{
		ID:              p.ID,
		OriginalPrompt:  p.OriginalPrompt,
		OptimizedPrompt: p.OptimizedPrompt,
		Type:            TypeOptimize,
		ChainID:         p.ChainID,
		Version:         1,
		Timestamp:       p.Timestamp,
		ModelKey:        p.ModelKey,
		TemplateID:      p.TemplateID,
		Metadata:        p.Metadata,
	}
	if rec.ID == "" {
		rec.ID = m.newID()
	}
	if rec.ChainID == "" {
		rec.ChainID = m.newID()
	} else {
		for _, r := range records {
			if r.ChainID == rec.ChainID {
				return nil, &ValidationError{Fields: []string{"chainId: already exists"}}
			}
		}
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = m.now().UnixMilli()
	}

	next, err := m.insert(ctx, records, rec)
	if err != nil {
		return nil, err
	}
	m.log().Debug().Str("chain_id", rec.ChainID).Str("record_id", rec.ID).Msg("chain created")
	return chainOf(next, rec.ChainID)
}

// IterationParams describes a refinement appended to an existing chain.
type IterationParams struct {
	ChainID         string
	OriginalPrompt  string
	OptimizedPrompt string
	IterationNote   string
	ModelKey        string
	TemplateID      string
	Metadata        map[string]any
}

// AddIteration appends a record with version max+1 linked to the chain's
// current record, and returns the updated chain.
func (m *Manager) AddIteration(ctx context.Context, p IterationParams) (*Chain, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := chainOf(records, p.ChainID)
	if err != nil {
		return nil, err
	}

	rec := PromptRecord{
		ID:              m.newID(),
		OriginalPrompt:  p.OriginalPrompt,
		OptimizedPrompt: p.OptimizedPrompt,
		Type:            TypeIterate,
		ChainID:         p.ChainID,
		Version:         chain.CurrentRecord.Version + 1,
		PreviousID:      chain.CurrentRecord.ID,
		IterationNote:   p.IterationNote,
		Timestamp:       m.now().UnixMilli(),
		ModelKey:        p.ModelKey,
		TemplateID:      p.TemplateID,
		Metadata:        p.Metadata,
	}

	next, err := m.insert(ctx, records, rec)
	if err != nil {
		return nil, err
	}
	m.log().Debug().Str("chain_id", rec.ChainID).Int("version", rec.Version).Msg("iteration added")
	return chainOf(next, p.ChainID)
}

// Stats reports record and chain counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock(); err != nil {
		return Stats{}, err
	}
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	chains := map[string]bool{}
	for _, r := range records {
		chains[r.ChainID] = true
	}
	return Stats{Records: len(records), Chains: len(chains), MaxRecords: m.maxRecords}, nil
}

func chainOf(records []PromptRecord, chainID string) (*Chain, error) {
	var versions []PromptRecord
	for _, r := range records {
		if r.ChainID == chainID {
			versions = append(versions, r)
		}
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	c := buildChain(chainID, versions)
	return &c, nil
}

func buildChain(chainID string, versions []PromptRecord) Chain {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
	root := versions[0]
	for _, r := range versions {
		if r.Version == 1 {
			root = r
			break
		}
	}
	return Chain{
		ChainID:       chainID,
		RootRecord:    root,
		CurrentRecord: versions[len(versions)-1],
		Versions:      versions,
	}
}

func groupChains(records []PromptRecord) []Chain {
	groups := map[string][]PromptRecord{}
	var order []string
	for _, r := range records {
		if _, ok := groups[r.ChainID]; !ok {
			order = append(order, r.ChainID)
		}
		groups[r.ChainID] = append(groups[r.ChainID], r)
	}

	chains := make([]Chain, 0, len(order))
	for _, id := range order {
		chains = append(chains, buildChain(id, groups[id]))
	}
	sort.SliceStable(chains, func(i, j int) bool {
		ti, tj := chains[i].CurrentRecord.Timestamp, chains[j].CurrentRecord.Timestamp
		if ti == tj {
			return chains[i].ChainID < chains[j].ChainID
		}
		return ti > tj
	})
	return chains
}
