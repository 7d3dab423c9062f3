package template

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/store"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// DefaultStorageKey is the store key holding user templates.
const DefaultStorageKey = "app:templates"

// Manager serves built-in, directory and user templates. User templates are
// persisted as a JSON array under one store key.
type Manager struct {
	kv    store.KV
	key   string
	dir   string
	clock func() time.Time

	mu      sync.RWMutex
	builtin map[string]*Template
	files   map[string]*Template
	user    map[string]*Template
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorageKey overrides the store key for user templates.
func WithStorageKey(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.key = key
		}
	}
}

// WithDir loads additional read-only templates from *.yaml files in dir.
func WithDir(dir string) Option {
	return func(m *Manager) { m.dir = dir }
}

// WithClock sets the time source used for LastModified.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// NewManager creates a template manager. Call Init before use.
func NewManager(kv store.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:    kv,
		key:   DefaultStorageKey,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads built-in templates, the templates directory and user templates.
func (m *Manager) Init(ctx context.Context) error {
	builtin, err := loadBuiltins()
	if err != nil {
		return err
	}
	user, err := m.loadUser(ctx)
	if err != nil {
		return err
	}
	files, err := m.loadDir()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.builtin = builtin
	m.user = user
	m.files = files
	m.mu.Unlock()

	log.Debug().Int("builtin", len(builtin)).Int("files", len(files)).Int("user", len(user)).Msg("templates loaded")
	return nil
}

func loadBuiltins() (map[string]*Template, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read built-in templates: %w", err)
	}
	out := make(map[string]*Template, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read built-in template %s: %w", e.Name(), err)
		}
		t, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("built-in template %s: %w", e.Name(), err)
		}
		t.IsBuiltin = true
		t.Source = SourceBuiltin
		out[t.ID] = t
	}
	return out, nil
}

func (m *Manager) loadUser(ctx context.Context) (map[string]*Template, error) {
	raw, ok, err := m.kv.GetItem(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("load user templates: %w", err)
	}
	out := make(map[string]*Template)
	if !ok || raw == "" {
		return out, nil
	}
	var list []*Template
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode user templates: %w", err)
	}
	for _, t := range list {
		t.IsBuiltin = false
		t.Source = SourceUser
		out[t.ID] = t
	}
	return out, nil
}

// loadDir parses every *.yaml or *.yml file in the templates directory. A
// missing directory yields no templates; an invalid file is skipped.
func (m *Manager) loadDir() (map[string]*Template, error) {
	out := make(map[string]*Template)
	if m.dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read templates dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping template file")
			continue
		}
		t, err := Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping template file")
			continue
		}
		if info, err := e.Info(); err == nil {
			t.Metadata.LastModified = info.ModTime().UnixMilli()
		}
		t.Source = SourceFile
		out[t.ID] = t
	}
	return out, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (m *Manager) lookup(id string) *Template {
	if t, ok := m.builtin[id]; ok {
		return t
	}
	if t, ok := m.files[id]; ok {
		return t
	}
	return m.user[id]
}

// Template returns the template with id.
func (m *Manager) Template(_ context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.lookup(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	return t.clone(), nil
}

// List returns all templates of type typ, or every template when typ is
// empty. Built-ins come first, then by id.
func (m *Manager) List(_ context.Context, typ Type) []*Template {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Template
	for _, set := range []map[string]*Template{m.builtin, m.files, m.user} {
		for id, t := range set {
			if seen[id] || (typ != "" && t.Metadata.TemplateType != typ) {
				continue
			}
			seen[id] = true
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsBuiltin != out[j].IsBuiltin {
			return out[i].IsBuiltin
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) readOnly(id string) error {
	if _, ok := m.builtin[id]; ok {
		return fmt.Errorf("%w: %q", ErrBuiltinReadOnly, id)
	}
	if _, ok := m.files[id]; ok {
		return fmt.Errorf("%w: %q", ErrFileManaged, id)
	}
	return nil
}

// Save creates or replaces a user template and persists the user set.
func (m *Manager) Save(ctx context.Context, t *Template) (*Template, error) {
	if err := check(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.readOnly(t.ID); err != nil {
		return nil, err
	}

	saved := t.clone()
	saved.IsBuiltin = false
	saved.Source = SourceUser
	saved.Metadata.LastModified = m.clock().UnixMilli()
	if saved.Metadata.Version == "" {
		saved.Metadata.Version = "1.0"
	}

	next := make(map[string]*Template, len(m.user)+1)
	for id, u := range m.user {
		next[id] = u
	}
	next[saved.ID] = saved
	if err := m.persist(ctx, next); err != nil {
		return nil, err
	}
	m.user = next
	return saved.clone(), nil
}

// Delete removes a user template.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.readOnly(id); err != nil {
		return err
	}
	if _, ok := m.user[id]; !ok {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}

	next := make(map[string]*Template, len(m.user))
	for uid, u := range m.user {
		if uid != id {
			next[uid] = u
		}
	}
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	m.user = next
	return nil
}

func (m *Manager) persist(ctx context.Context, set map[string]*Template) error {
	list := make([]*Template, 0, len(set))
	for _, t := range set {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode user templates: %w", err)
	}
	if err := m.kv.SetItem(ctx, m.key, string(data)); err != nil {
		return fmt.Errorf("save user templates: %w", err)
	}
	return nil
}

// Reload re-reads the templates directory.
func (m *Manager) Reload() error {
	files, err := m.loadDir()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.files = files
	m.mu.Unlock()
	log.Info().Str("dir", m.dir).Int("templates", len(files)).Msg("templates directory reloaded")
	return nil
}

// Watch reloads the templates directory whenever a YAML file in it changes.
// It blocks until ctx is done. Without a directory it returns immediately.
func (m *Manager) Watch(ctx context.Context) error {
	if m.dir == "" {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch templates dir: %w", err)
	}
	log.Debug().Str("dir", m.dir).Msg("watching templates directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !isYAML(event.Name) {
				continue
			}
			if err := m.Reload(); err != nil {
				log.Warn().Err(err).Msg("template reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("template watcher error")
		}
	}
}
