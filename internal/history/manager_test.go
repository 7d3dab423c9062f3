package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lazypower/promptsmith/internal/store"
)

// testManager returns an initialized manager over a fresh memory store with a
// deterministic clock and id sequence.
func testManager(t *testing.T, opts ...Option) (*Manager, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()

	clock := time.UnixMilli(1_000_000)
	seq := 0
	base := []Option{
		WithClock(func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		}),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("gen-%d", seq)
		}),
	}
	m := New(kv, append(base, opts...)...)
	require.NoError(t, m.Init(context.Background()))
	return m, kv
}

func record(id string, ts int64) PromptRecord {
	return PromptRecord{
		ID:              id,
		OriginalPrompt:  "original " + id,
		OptimizedPrompt: "optimized " + id,
		Type:            TypeOptimize,
		ChainID:         "chain-" + id,
		Version:         1,
		Timestamp:       ts,
		ModelKey:        "gpt-4",
		TemplateID:      "t1",
	}
}

func TestUninitializedUse(t *testing.T) {
	m := New(store.NewMemory())
	ctx := context.Background()

	require.ErrorIs(t, m.AddRecord(ctx, record("r1", 1)), ErrUninitialized)
	_, err := m.Records(ctx)
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = m.Chain(ctx, "c")
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = m.CreateNewChain(ctx, NewChainParams{})
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, m.ClearHistory(ctx), ErrUninitialized)
}

func TestInitWriteCheckFailure(t *testing.T) {
	kv := store.NewMemory()
	kv.FailWith(errors.New("storage disabled"), "set")

	m := New(kv)
	err := m.Init(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, store.ErrUnavailable)

	// Still unusable after a failed write check.
	_, err = m.Records(context.Background())
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestInitLeavesNoMarkerKey(t *testing.T) {
	_, kv := testManager(t)
	require.Equal(t, 0, kv.Len())
}

func TestAddRecordNewestFirst(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))
	require.NoError(t, m.AddRecord(ctx, record("r2", 2)))

	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "r2", records[0].ID)
	require.Equal(t, "r1", records[1].ID)
}

func TestCapacityInvariant(t *testing.T) {
	m, _ := testManager(t, WithMaxRecords(5))
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.NoError(t, m.AddRecord(ctx, record(fmt.Sprintf("r%d", i), int64(i))))
	}

	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		require.Equal(t, fmt.Sprintf("r%d", 12-i), r.ID)
	}
}

func TestDefaultCapacity(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	for i := 1; i <= DefaultMaxRecords+3; i++ {
		require.NoError(t, m.AddRecord(ctx, record(fmt.Sprintf("r%d", i), int64(i))))
	}
	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, DefaultMaxRecords)
	require.Equal(t, fmt.Sprintf("r%d", DefaultMaxRecords+3), records[0].ID)
	require.Equal(t, "r4", records[len(records)-1].ID)
}

func TestValidationInvariant(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddRecord(ctx, record("keep", 1)))

	mutations := map[string]func(*PromptRecord){
		"id":              func(r *PromptRecord) { r.ID = "" },
		"originalPrompt":  func(r *PromptRecord) { r.OriginalPrompt = "" },
		"optimizedPrompt": func(r *PromptRecord) { r.OptimizedPrompt = "  " },
		"type":            func(r *PromptRecord) { r.Type = "" },
		"timestamp":       func(r *PromptRecord) { r.Timestamp = 0 },
		"modelKey":        func(r *PromptRecord) { r.ModelKey = "" },
		"templateId":      func(r *PromptRecord) { r.TemplateID = "" },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			rec := record("new", 2)
			mutate(&rec)

			err := m.AddRecord(ctx, rec)
			require.ErrorIs(t, err, ErrValidationFailed)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, verr.Fields, field+": required")

			records, err := m.Records(ctx)
			require.NoError(t, err)
			require.Len(t, records, 1)
		})
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	problems := Validate(PromptRecord{Type: "rewrite"})
	require.Equal(t, []string{
		"id: required",
		"originalPrompt: required",
		"optimizedPrompt: required",
		"type: must be optimize or iterate",
		"chainId: required",
		"version: must be >= 1",
		"timestamp: required",
		"modelKey: required",
		"templateId: required",
	}, problems)

	require.Empty(t, Validate(record("ok", 1)))
}

func TestAddRecordDuplicateID(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))
	err := m.AddRecord(ctx, record("r1", 2))
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestAddRecordDuplicateVersionInChain(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	a := record("a", 1)
	a.ChainID = "c"
	require.NoError(t, m.AddRecord(ctx, a))

	b := record("b", 2)
	b.ChainID = "c"
	err := m.AddRecord(ctx, b)
	require.ErrorIs(t, err, ErrValidationFailed)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "version: 1 already exists in chain c")

	chain, err := m.Chain(ctx, "c")
	require.NoError(t, err)
	require.Len(t, chain.Versions, 1)
	require.Equal(t, "a", chain.RootRecord.ID)

	// The same version in another chain is fine.
	other := record("b", 3)
	require.NoError(t, m.AddRecord(ctx, other))
}

func TestAddRecordPreviousIDLinks(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	high := record("zz", 1)
	high.ChainID = "c"
	high.Version = 9
	require.NoError(t, m.AddRecord(ctx, high))

	elsewhere := record("x", 2)
	require.NoError(t, m.AddRecord(ctx, elsewhere))

	backwards := record("y", 3)
	backwards.ChainID = "c"
	backwards.Type = TypeIterate
	backwards.Version = 5
	backwards.PreviousID = "zz"
	err := m.AddRecord(ctx, backwards)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, []string{"previousId: must reference a lower version"}, ve.Fields)

	crossChain := record("w", 4)
	crossChain.ChainID = "c"
	crossChain.Type = TypeIterate
	crossChain.Version = 10
	crossChain.PreviousID = "x"
	err = m.AddRecord(ctx, crossChain)
	require.ErrorAs(t, err, &ve)
	require.Equal(t, []string{"previousId: belongs to another chain"}, ve.Fields)

	// A link to a record that is no longer stored is tolerated.
	dangling := record("v", 5)
	dangling.ChainID = "c"
	dangling.Type = TypeIterate
	dangling.Version = 10
	dangling.PreviousID = "evicted"
	require.NoError(t, m.AddRecord(ctx, dangling))

	linked := record("u", 6)
	linked.ChainID = "c"
	linked.Type = TypeIterate
	linked.Version = 11
	linked.PreviousID = "v"
	require.NoError(t, m.AddRecord(ctx, linked))

	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 4)
}

func TestAddRecordStorageFailureKeepsPriorState(t *testing.T) {
	m, kv := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))

	kv.FailWith(errors.New("quota exceeded"), "set")
	err := m.AddRecord(ctx, record("r2", 2))
	require.ErrorIs(t, err, ErrStorageFailure)
	require.ErrorIs(t, err, store.ErrUnavailable)

	kv.FailWith(nil)
	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "r1", records[0].ID)
}

func TestReadFailure(t *testing.T) {
	m, kv := testManager(t)
	kv.FailWith(errors.New("disk gone"), "get")

	_, err := m.Records(context.Background())
	require.ErrorIs(t, err, ErrStorageFailure)
}

func TestCorruptStoredData(t *testing.T) {
	m, kv := testManager(t)
	ctx := context.Background()
	require.NoError(t, kv.SetItem(ctx, DefaultStorageKey, "{not json"))

	_, err := m.Records(ctx)
	require.ErrorIs(t, err, ErrStorageFailure)
}

func TestIdempotentRead(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))
	require.NoError(t, m.AddRecord(ctx, record("r2", 2)))

	first, err := m.Records(ctx)
	require.NoError(t, err)
	second, err := m.Records(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGetRecord(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	rec := record("r1", 1)
	rec.Metadata = map[string]any{"source": "test"}
	require.NoError(t, m.AddRecord(ctx, rec))

	got, err := m.Record(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "optimized r1", got.OptimizedPrompt)
	require.Equal(t, "test", got.Metadata["source"])

	_, err = m.Record(ctx, "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeletionCorrectness(t *testing.T) {
	m, kv := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))
	require.NoError(t, m.AddRecord(ctx, record("r2", 2)))
	require.NoError(t, m.AddRecord(ctx, record("r3", 3)))

	require.NoError(t, m.DeleteRecord(ctx, "r2"))
	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "r3", records[0].ID)
	require.Equal(t, "r1", records[1].ID)

	_, err = m.Record(ctx, "r2")
	require.ErrorIs(t, err, ErrRecordNotFound)

	writes := kv.SetCalls()
	require.ErrorIs(t, m.DeleteRecord(ctx, "r2"), ErrRecordNotFound)
	require.Equal(t, writes, kv.SetCalls())

	records, err = m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestScenarioNewChain(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{
		ID:              "r1",
		OriginalPrompt:  "Write a poem",
		OptimizedPrompt: "A refined poem prompt...",
		ModelKey:        "gpt-4",
		TemplateID:      "t1",
		Timestamp:       1000,
		Metadata:        map[string]any{},
	})
	require.NoError(t, err)
	require.NotEmpty(t, chain.ChainID)
	require.Len(t, chain.Versions, 1)
	require.Equal(t, 1, chain.RootRecord.Version)
	require.Equal(t, TypeOptimize, chain.RootRecord.Type)
	require.Equal(t, "r1", chain.CurrentRecord.ID)
	require.Empty(t, chain.RootRecord.PreviousID)
	require.Equal(t, int64(1000), chain.RootRecord.Timestamp)
}

func TestScenarioIteration(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{
		ID:              "r1",
		OriginalPrompt:  "Write a poem",
		OptimizedPrompt: "A refined poem prompt...",
		ModelKey:        "gpt-4",
		TemplateID:      "t1",
		Timestamp:       1000,
	})
	require.NoError(t, err)

	updated, err := m.AddIteration(ctx, IterationParams{
		ChainID:         chain.ChainID,
		OriginalPrompt:  "Write a poem",
		OptimizedPrompt: "Even better poem prompt",
		IterationNote:   "add more vivid imagery",
		ModelKey:        "gpt-4",
		TemplateID:      "t2",
	})
	require.NoError(t, err)
	require.Len(t, updated.Versions, 2)
	require.Equal(t, "Even better poem prompt", updated.CurrentRecord.OptimizedPrompt)
	require.Equal(t, "r1", updated.CurrentRecord.PreviousID)
	require.Equal(t, TypeIterate, updated.CurrentRecord.Type)
	require.Equal(t, "add more vivid imagery", updated.CurrentRecord.IterationNote)
	require.Equal(t, "r1", updated.RootRecord.ID)
}

func TestChainMonotonicity(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{
		OriginalPrompt:  "p",
		OptimizedPrompt: "v1",
		ModelKey:        "m",
		TemplateID:      "t",
	})
	require.NoError(t, err)

	const k = 6
	for i := 0; i < k; i++ {
		_, err := m.AddIteration(ctx, IterationParams{
			ChainID:         chain.ChainID,
			OriginalPrompt:  "p",
			OptimizedPrompt: fmt.Sprintf("v%d", i+2),
			ModelKey:        "m",
			TemplateID:      "t",
		})
		require.NoError(t, err)
	}

	got, err := m.Chain(ctx, chain.ChainID)
	require.NoError(t, err)
	require.Len(t, got.Versions, k+1)
	for i, r := range got.Versions {
		require.Equal(t, i+1, r.Version)
		if i > 0 {
			require.Equal(t, got.Versions[i-1].ID, r.PreviousID)
		}
	}
	require.Equal(t, k+1, got.CurrentRecord.Version)
	require.Equal(t, fmt.Sprintf("v%d", k+1), got.CurrentRecord.OptimizedPrompt)
}

func TestAddIterationUnknownChain(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.AddIteration(context.Background(), IterationParams{
		ChainID:         "nope",
		OriginalPrompt:  "p",
		OptimizedPrompt: "o",
		ModelKey:        "m",
		TemplateID:      "t",
	})
	require.ErrorIs(t, err, ErrChainNotFound)
}

func TestAddIterationValidation(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	chain, err := m.CreateNewChain(ctx, NewChainParams{
		OriginalPrompt: "p", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t",
	})
	require.NoError(t, err)

	_, err = m.AddIteration(ctx, IterationParams{ChainID: chain.ChainID, OriginalPrompt: "p", ModelKey: "m", TemplateID: "t"})
	require.ErrorIs(t, err, ErrValidationFailed)

	got, err := m.Chain(ctx, chain.ChainID)
	require.NoError(t, err)
	require.Len(t, got.Versions, 1)
}

func TestCreateNewChainSuppliedChainID(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	params := NewChainParams{ChainID: "mine", OriginalPrompt: "p", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t"}
	chain, err := m.CreateNewChain(ctx, params)
	require.NoError(t, err)
	require.Equal(t, "mine", chain.ChainID)

	_, err = m.CreateNewChain(ctx, params)
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestChainNotFound(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Chain(context.Background(), "missing")
	require.ErrorIs(t, err, ErrChainNotFound)
}

func TestBrokenChainTolerance(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{ID: "A", OriginalPrompt: "p", OptimizedPrompt: "a", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	b, err := m.AddIteration(ctx, IterationParams{ChainID: chain.ChainID, OriginalPrompt: "p", OptimizedPrompt: "b", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	c, err := m.AddIteration(ctx, IterationParams{ChainID: chain.ChainID, OriginalPrompt: "p", OptimizedPrompt: "c", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)

	bID := b.CurrentRecord.ID
	cID := c.CurrentRecord.ID

	full, err := m.IterationChain(ctx, cID)
	require.NoError(t, err)
	require.Len(t, full, 3)
	require.Equal(t, []string{"A", bID, cID}, []string{full[0].ID, full[1].ID, full[2].ID})

	require.NoError(t, m.DeleteRecord(ctx, bID))

	partial, err := m.IterationChain(ctx, cID)
	require.NoError(t, err)
	require.Len(t, partial, 1)
	require.Equal(t, cID, partial[0].ID)
}

func TestIterationChainUnknownStart(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.IterationChain(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestAllChains(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "one", OptimizedPrompt: "1", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	second, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "two", OptimizedPrompt: "2", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	_, err = m.AddIteration(ctx, IterationParams{ChainID: first.ChainID, OriginalPrompt: "one", OptimizedPrompt: "1b", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)

	chains, err := m.AllChains(ctx)
	require.NoError(t, err)
	require.Len(t, chains, 2)

	// first was iterated last, so it is the most recently active chain
	require.Equal(t, first.ChainID, chains[0].ChainID)
	require.Len(t, chains[0].Versions, 2)
	require.Equal(t, 1, chains[0].Versions[0].Version)
	require.Equal(t, 2, chains[0].Versions[1].Version)
	require.Equal(t, second.ChainID, chains[1].ChainID)
}

func TestChainRootEvicted(t *testing.T) {
	m, _ := testManager(t, WithMaxRecords(2))
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "p", OptimizedPrompt: "v1", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	for _, out := range []string{"v2", "v3"} {
		_, err := m.AddIteration(ctx, IterationParams{ChainID: chain.ChainID, OriginalPrompt: "p", OptimizedPrompt: out, ModelKey: "m", TemplateID: "t"})
		require.NoError(t, err)
	}

	got, err := m.Chain(ctx, chain.ChainID)
	require.NoError(t, err)
	require.Len(t, got.Versions, 2)
	require.Equal(t, 2, got.RootRecord.Version)
	require.Equal(t, 3, got.CurrentRecord.Version)
}

func TestDeleteChain(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	keep, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "keep", OptimizedPrompt: "k", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	drop, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "drop", OptimizedPrompt: "d", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	_, err = m.AddIteration(ctx, IterationParams{ChainID: drop.ChainID, OriginalPrompt: "drop", OptimizedPrompt: "d2", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteChain(ctx, drop.ChainID))
	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, keep.ChainID, records[0].ChainID)

	require.ErrorIs(t, m.DeleteChain(ctx, drop.ChainID), ErrChainNotFound)
}

func TestScenarioClear(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	_, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "p", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)

	require.NoError(t, m.ClearHistory(ctx))

	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
	require.NotNil(t, records)

	chains, err := m.AllChains(ctx)
	require.NoError(t, err)
	require.Empty(t, chains)
}

func TestClearFailure(t *testing.T) {
	m, kv := testManager(t)
	kv.FailWith(errors.New("locked"), "remove")
	require.ErrorIs(t, m.ClearHistory(context.Background()), ErrStorageFailure)
}

func TestStats(t *testing.T) {
	m, _ := testManager(t, WithMaxRecords(10))
	ctx := context.Background()

	chain, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "p", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	_, err = m.AddIteration(ctx, IterationParams{ChainID: chain.ChainID, OriginalPrompt: "p", OptimizedPrompt: "o2", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)
	_, err = m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "q", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t"})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 3, Chains: 2, MaxRecords: 10}, stats)
}

func TestCustomStorageKeyOnSQLite(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	m := New(db, WithStorageKey("custom_history"))
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.AddRecord(ctx, record("r1", 1)))

	raw, ok, err := db.GetItem(ctx, "custom_history")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, `"originalPrompt":"original r1"`)

	_, ok, err = db.GetItem(ctx, DefaultStorageKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMetadataIsCopied(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	meta := map[string]any{"k": "v"}

	chain, err := m.CreateNewChain(ctx, NewChainParams{OriginalPrompt: "p", OptimizedPrompt: "o", ModelKey: "m", TemplateID: "t", Metadata: meta})
	require.NoError(t, err)
	meta["k"] = "changed"

	got, err := m.Record(ctx, chain.RootRecord.ID)
	require.NoError(t, err)
	require.Equal(t, "v", got.Metadata["k"])
}
