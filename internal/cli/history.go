package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/promptsmith/internal/client"
	"github.com/lazypower/promptsmith/internal/history"
)

var (
	historyLimit int
	clearYes     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage prompt history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records, newest first",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		records, err := h.Records(cmd.Context())
		if err != nil {
			return err
		}
		if historyLimit > 0 && historyLimit < len(records) {
			records = records[:historyLimit]
		}
		if asJSON {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Println("History is empty.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %s  v%d  %-8s  %s\n", r.ID, formatTime(r.Timestamp), r.Version, r.Type, abbreviate(r.OriginalPrompt, 60))
		}
		return nil
	}),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		rec, err := h.Record(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rec)
		}
		printRecord(*rec)
		return nil
	}),
}

var historyChainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List chains, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		chains, err := h.AllChains(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(chains)
		}
		if len(chains) == 0 {
			fmt.Println("No chains.")
			return nil
		}
		for _, c := range chains {
			fmt.Printf("%s  %s  %d version(s)  %s\n", c.ChainID, formatTime(c.CurrentRecord.Timestamp), len(c.Versions), abbreviate(c.RootRecord.OriginalPrompt, 60))
		}
		return nil
	}),
}

var historyChainCmd = &cobra.Command{
	Use:   "chain <chain-id>",
	Short: "Show every version of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		chain, err := h.Chain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(chain)
		}
		fmt.Printf("## Chain %s\n\n", chain.ChainID)
		for _, v := range chain.Versions {
			printRecord(v)
		}
		return nil
	}),
}

var historyLineageCmd = &cobra.Command{
	Use:   "lineage <record-id>",
	Short: "Show the records leading to a record, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		lineage, err := h.IterationChain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(lineage)
		}
		for _, r := range lineage {
			printRecord(r)
		}
		return nil
	}),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <record-id>",
	Short: "Delete one record",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		if err := h.DeleteRecord(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted record %s\n", args[0])
		return nil
	}),
}

var historyDeleteChainCmd = &cobra.Command{
	Use:   "delete-chain <chain-id>",
	Short: "Delete every record of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		if err := h.DeleteChain(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted chain %s\n", args[0])
		return nil
	}),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all history",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(cmd *cobra.Command, h historyStore, args []string) error {
		if !clearYes {
			return fmt.Errorf("refusing to clear history without --yes")
		}
		if err := h.ClearHistory(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("History cleared.")
		return nil
	}),
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "maximum number of records")
	historyClearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm clearing all history")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyChainsCmd, historyChainCmd,
		historyLineageCmd, historyDeleteCmd, historyDeleteChainCmd, historyClearCmd)
}

// historyStore is the history surface shared by the local manager and the
// remote server client.
type historyStore interface {
	Records(ctx context.Context) ([]history.PromptRecord, error)
	Record(ctx context.Context, id string) (*history.PromptRecord, error)
	IterationChain(ctx context.Context, id string) ([]history.PromptRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) error
	AllChains(ctx context.Context) ([]history.Chain, error)
	Chain(ctx context.Context, chainID string) (*history.Chain, error)
	DeleteChain(ctx context.Context, chainID string) error
}

var (
	_ historyStore = (*history.Manager)(nil)
	_ historyStore = (*client.Client)(nil)
)

// withHistory runs a command body against the server named by --server or
// PROMPTSMITH_URL, or against local storage when neither is set.
func withHistory(fn func(cmd *cobra.Command, h historyStore, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if c := remote(); c != nil {
			return fn(cmd, c, args)
		}
		a, err := openApp(cmd.Context(), cfgManager.Get())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a.history, args)
	}
}

func printRecord(r history.PromptRecord) {
	fmt.Printf("### v%d %s (%s)\n", r.Version, r.Type, r.ID)
	fmt.Printf("  time:     %s\n", formatTime(r.Timestamp))
	fmt.Printf("  model:    %s  template: %s\n", r.ModelKey, r.TemplateID)
	if r.PreviousID != "" {
		fmt.Printf("  previous: %s\n", r.PreviousID)
	}
	if r.IterationNote != "" {
		fmt.Printf("  note:     %s\n", r.IterationNote)
	}
	fmt.Printf("\n%s\n\n", r.OptimizedPrompt)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

// abbreviate shortens s to n runes on a single line.
func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
