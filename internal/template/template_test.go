package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lazypower/promptsmith/internal/llm"
	"github.com/lazypower/promptsmith/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	m := NewManager(kv, opts...)
	require.NoError(t, m.Init(context.Background()))
	return m, kv
}

func TestBuiltinsLoad(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"general-optimize", "output-format-optimize", "user-prompt-optimize", "iterate", "test-assistant"} {
		tmpl, err := m.Template(ctx, id)
		require.NoError(t, err, id)
		require.True(t, tmpl.IsBuiltin)
		require.Equal(t, SourceBuiltin, tmpl.Source)
	}

	iterate := m.List(ctx, TypeIterate)
	require.Len(t, iterate, 1)
	require.Equal(t, "iterate", iterate[0].ID)
}

func TestTemplateNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Template(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestTemplateReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Template(ctx, "iterate")
	require.NoError(t, err)
	a.Messages[0].Content = "changed"

	b, err := m.Template(ctx, "iterate")
	require.NoError(t, err)
	require.NotEqual(t, "changed", b.Messages[0].Content)
}

func TestSaveAndReloadUserTemplate(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	kv := store.NewMemory()
	m := NewManager(kv, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, m.Init(ctx))

	saved, err := m.Save(ctx, &Template{
		ID:       "mine",
		Name:     "Mine",
		Content:  "Be brief.",
		Metadata: Metadata{TemplateType: TypeOptimize},
	})
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), saved.Metadata.LastModified)
	require.Equal(t, SourceUser, saved.Source)
	require.False(t, saved.IsBuiltin)

	// A fresh manager on the same store sees it.
	m2 := NewManager(kv)
	require.NoError(t, m2.Init(ctx))
	got, err := m2.Template(ctx, "mine")
	require.NoError(t, err)
	require.Equal(t, "Be brief.", got.Content)

	require.NoError(t, m2.Delete(ctx, "mine"))
	_, err = m2.Template(ctx, "mine")
	require.ErrorIs(t, err, ErrTemplateNotFound)
	require.ErrorIs(t, m2.Delete(ctx, "mine"), ErrTemplateNotFound)
}

func TestBuiltinReadOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Save(ctx, &Template{ID: "iterate", Name: "x", Content: "x", Metadata: Metadata{TemplateType: TypeIterate}})
	require.ErrorIs(t, err, ErrBuiltinReadOnly)
	require.ErrorIs(t, m.Delete(ctx, "general-optimize"), ErrBuiltinReadOnly)
}

func TestSaveRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cases := []*Template{
		{Name: "x", Content: "x", Metadata: Metadata{TemplateType: TypeOptimize}},
		{ID: "x", Content: "x", Metadata: Metadata{TemplateType: TypeOptimize}},
		{ID: "x", Name: "x", Content: "x", Metadata: Metadata{TemplateType: "bogus"}},
		{ID: "x", Name: "x", Metadata: Metadata{TemplateType: TypeOptimize}},
		{ID: "x", Name: "x", Messages: []llm.Message{{Role: "robot", Content: "x"}}, Metadata: Metadata{TemplateType: TypeOptimize}},
	}
	for _, tc := range cases {
		_, err := m.Save(ctx, tc)
		require.ErrorIs(t, err, ErrInvalidTemplate)
	}
}

func TestSaveStoreFailureKeepsState(t *testing.T) {
	m, kv := newTestManager(t)
	ctx := context.Background()
	kv.FailWith(errors.New("disk full"), "set")

	_, err := m.Save(ctx, &Template{ID: "mine", Name: "Mine", Content: "x", Metadata: Metadata{TemplateType: TypeOptimize}})
	require.ErrorIs(t, err, store.ErrUnavailable)

	_, err = m.Template(ctx, "mine")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	bad := map[string]string{
		"missing type":     "id: a\nname: A\ncontent: x\n",
		"both bodies":      "id: a\nname: A\ntype: optimize\ncontent: x\nmessages:\n  - role: user\n    content: y\n",
		"no body":          "id: a\nname: A\ntype: optimize\n",
		"unknown field":    "id: a\nname: A\ntype: optimize\ncontent: x\nextra: 1\n",
		"bad role":         "id: a\nname: A\ntype: optimize\nmessages:\n  - role: bot\n    content: y\n",
		"not yaml mapping": "- just\n- a list\n",
	}
	for name, doc := range bad {
		_, err := Parse([]byte(doc))
		require.ErrorIs(t, err, ErrInvalidTemplate, name)
	}

	tmpl, err := Parse([]byte("id: a\nname: A\ntype: iterate\ncontent: x\n"))
	require.NoError(t, err)
	require.Equal(t, TypeIterate, tmpl.Metadata.TemplateType)
	require.Equal(t, "1.0", tmpl.Metadata.Version)
}

func TestDirTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team.yaml"), []byte("id: team\nname: Team\ntype: optimize\ncontent: Team rules.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	m, _ := newTestManager(t, WithDir(dir))
	ctx := context.Background()

	got, err := m.Template(ctx, "team")
	require.NoError(t, err)
	require.Equal(t, SourceFile, got.Source)
	require.ErrorIs(t, m.Delete(ctx, "team"), ErrFileManaged)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "more.yml"), []byte("id: more\nname: More\ntype: iterate\ncontent: More.\n"), 0o644))
	require.NoError(t, m.Reload())
	_, err = m.Template(ctx, "more")
	require.NoError(t, err)
}

func TestWatchReloadsDir(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, WithDir(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep rewriting until the watcher has been registered and picked it up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "live.yaml"), []byte("id: live\nname: Live\ntype: optimize\ncontent: Live.\n"), 0o644)
		_, err := m.Template(context.Background(), "live")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchWithoutDir(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Watch(context.Background()))
}

func TestRenderMessages(t *testing.T) {
	tmpl := &Template{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "fix {{ originalPrompt }} with {{iterateInput}} and {{unknown}}"},
	}}
	msgs := Render(tmpl, map[string]string{VarOriginalPrompt: "P", VarIterateInput: "I"})
	require.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "fix P with I and {{unknown}}"},
	}, msgs)
}

func TestRenderContent(t *testing.T) {
	opt := &Template{Content: "Rules.", Metadata: Metadata{TemplateType: TypeOptimize}}
	msgs := Render(opt, map[string]string{VarOriginalPrompt: "raw"})
	require.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "Rules."},
		{Role: llm.RoleUser, Content: "raw"},
	}, msgs)

	it := &Template{Content: "Refine.", Metadata: Metadata{TemplateType: TypeIterate}}
	msgs = Render(it, map[string]string{VarLastOptimizedPrompt: "last", VarIterateInput: "shorter"})
	require.Len(t, msgs, 2)
	require.Equal(t, "Last optimized prompt:\nlast\n\nRequested change:\nshorter", msgs[1].Content)
}
