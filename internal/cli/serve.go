package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/promptsmith/internal/config"
	"github.com/lazypower/promptsmith/internal/logging"
	"github.com/lazypower/promptsmith/internal/proxy"
	"github.com/lazypower/promptsmith/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := serveConfig(cfgManager.Get(), servePort)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Deps{
		History:          a.history,
		Service:          a.service,
		Templates:        a.templates,
		Models:           a.models,
		Metrics:          a.metrics,
		Gate:             proxy.NewPasswordGate(cfg.Auth.Password, cfg.Auth.Secret),
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: cfg.CORS.AllowCredentials,
		ProxyClient:      &http.Client{Timeout: 10 * time.Minute},
	}, VersionString())

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cfgManager.OnChange(func(c *config.Config) {
		a.models.Reload(c.LLM)
		logging.SetLevel(c.Log.Level)
	})
	cfgManager.Watch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", addr).
			Str("storage", cfg.Storage.Driver).
			Int("models", len(a.models.Models())).
			Int("history_capacity", a.history.MaxRecords()).
			Bool("auth", cfg.Auth.Password != "").
			Msg("promptsmith serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.templates.Watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// serveConfig returns a copy of base with flag overrides applied, leaving the
// manager's config untouched.
func serveConfig(base *config.Config, port int) *config.Config {
	c := *base
	if port > 0 {
		c.Server.Port = port
	}
	return &c
}
