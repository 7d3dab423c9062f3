package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/promptsmith/internal/client"
	"github.com/lazypower/promptsmith/internal/config"
	"github.com/lazypower/promptsmith/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	asJSON    bool
	serverURL string

	cfgManager *config.Manager
)

var rootCmd = &cobra.Command{
	Use:   "promptsmith",
	Short: "Optimize prompts with an LLM and keep their version history",
	Long: "promptsmith rewrites prompts through a configurable LLM provider, streams the result, " +
		"and records every optimization and refinement as a versioned chain.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		m, err := config.NewManager(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfgManager = m

		logCfg := m.Get().Log
		if logLevel != "" {
			logCfg.Level = logLevel
		}
		logging.Setup(logCfg)
		return nil
	},
}

// remote returns a client for the configured server, or nil to work locally.
func remote() *client.Client {
	if serverURL != "" {
		return client.New(serverURL, nil)
	}
	return client.FromEnv()
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./promptsmith.yaml or ~/.promptsmith/promptsmith.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "promptsmith server URL for history and flows (default $PROMPTSMITH_URL, local storage when unset)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(iterateCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(modelsCmd)
}
