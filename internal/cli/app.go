package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/promptsmith/internal/config"
	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/llm"
	"github.com/lazypower/promptsmith/internal/metrics"
	"github.com/lazypower/promptsmith/internal/service"
	"github.com/lazypower/promptsmith/internal/store"
	"github.com/lazypower/promptsmith/internal/template"
)

// app is the wired set of components every command works with.
type app struct {
	cfg       *config.Config
	history   *history.Manager
	templates *template.Manager
	models    *llm.Registry
	metrics   *metrics.Metrics
	service   *service.Service
	closeKV   func() error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	kv, closeKV, err := store.OpenKV(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	h := history.New(kv,
		history.WithMaxRecords(cfg.History.MaxRecords),
		history.WithStorageKey(cfg.History.StorageKey))
	if err := h.Init(ctx); err != nil {
		closeKV()
		return nil, err
	}

	templates := template.NewManager(kv,
		template.WithStorageKey(cfg.Templates.StorageKey),
		template.WithDir(cfg.Templates.Dir))
	if err := templates.Init(ctx); err != nil {
		closeKV()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	m := metrics.New()
	models := llm.NewRegistry(cfg.LLM)
	svc := service.New(h, models, templates,
		service.WithMaxPromptLength(cfg.Service.MaxPromptLength),
		service.WithMetrics(m))

	return &app{
		cfg:       cfg,
		history:   h,
		templates: templates,
		models:    models,
		metrics:   m,
		service:   svc,
		closeKV:   closeKV,
	}, nil
}

func (a *app) Close() error {
	return a.closeKV()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// llmRegistry builds the model registry without opening storage.
func llmRegistry(cfg *config.Config) *llm.Registry {
	return llm.NewRegistry(cfg.LLM)
}

// withApp opens the app around a command body.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfgManager.Get())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
