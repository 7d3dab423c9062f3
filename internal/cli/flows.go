package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/service"
)

var (
	flowModel    string
	flowTemplate string
	flowNoStream bool
	iterateChain string
	testSystem   string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [prompt]",
	Short: "Optimize a prompt and start a new chain",
	Long:  "Optimize a prompt and start a new chain. With no argument, or \"-\", the prompt is read from stdin.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOptimize,
}

var iterateCmd = &cobra.Command{
	Use:   "iterate <change request>",
	Short: "Refine the current prompt of a chain",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIterate,
}

var testCmd = &cobra.Command{
	Use:   "test [user prompt]",
	Short: "Send a prompt to a model without recording it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTest,
}

func init() {
	for _, c := range []*cobra.Command{optimizeCmd, iterateCmd, testCmd} {
		c.Flags().StringVarP(&flowModel, "model", "m", "", "model key (default llm.default_model)")
		c.Flags().BoolVar(&flowNoStream, "no-stream", false, "wait for the full response instead of streaming tokens")
	}
	optimizeCmd.Flags().StringVarP(&flowTemplate, "template", "t", "", "template id (default "+service.DefaultOptimizeTemplate+")")
	iterateCmd.Flags().StringVarP(&flowTemplate, "template", "t", "", "template id (default "+service.DefaultIterateTemplate+")")
	iterateCmd.Flags().StringVarP(&iterateChain, "chain", "c", "", "chain id to refine (required)")
	iterateCmd.MarkFlagRequired("chain")
	testCmd.Flags().StringVarP(&testSystem, "system", "s", "", "system prompt")
}

// readInput returns the positional argument, or stdin when it is absent or "-".
func readInput(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func modelKey(a *app) string {
	if flowModel != "" {
		return flowModel
	}
	return a.models.DefaultModel()
}

func printToken(tok string) {
	if !asJSON {
		fmt.Print(tok)
	}
}

func printChainResult(chain *history.Chain, streamed bool) error {
	if asJSON {
		return printJSON(chain)
	}
	cur := chain.CurrentRecord
	if streamed {
		fmt.Println()
	} else {
		fmt.Println(cur.OptimizedPrompt)
	}
	fmt.Fprintf(os.Stderr, "\nchain %s  version %d  record %s\n", chain.ChainID, cur.Version, cur.ID)
	return nil
}

func runChainFlow(cmd *cobra.Command, run func(ctx context.Context, a *app, h *service.StreamHandlers) (*history.Chain, error)) error {
	a, err := openApp(cmd.Context(), cfgManager.Get())
	if err != nil {
		return err
	}
	defer a.Close()

	if flowNoStream || asJSON {
		chain, err := run(cmd.Context(), a, nil)
		if err != nil {
			return err
		}
		return printChainResult(chain, false)
	}

	var done *history.Chain
	_, err = run(cmd.Context(), a, &service.StreamHandlers{
		OnToken:    printToken,
		OnComplete: func(c *history.Chain) { done = c },
	})
	if err != nil {
		return err
	}
	return printChainResult(done, true)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	prompt, err := readInput(args)
	if err != nil {
		return err
	}
	if c := remote(); c != nil {
		chain, err := c.Optimize(cmd.Context(), service.OptimizeRequest{Prompt: prompt, ModelKey: flowModel, TemplateID: flowTemplate})
		if err != nil {
			return err
		}
		return printChainResult(chain, false)
	}
	return runChainFlow(cmd, func(ctx context.Context, a *app, h *service.StreamHandlers) (*history.Chain, error) {
		req := service.OptimizeRequest{Prompt: prompt, ModelKey: modelKey(a), TemplateID: flowTemplate}
		if h == nil {
			return a.service.Optimize(ctx, req)
		}
		return nil, a.service.OptimizeStream(ctx, req, *h)
	})
}

func runIterate(cmd *cobra.Command, args []string) error {
	input, err := readInput(args)
	if err != nil {
		return err
	}
	if c := remote(); c != nil {
		chain, err := c.Iterate(cmd.Context(), service.IterateRequest{ChainID: iterateChain, IterateInput: input, ModelKey: flowModel, TemplateID: flowTemplate})
		if err != nil {
			return err
		}
		return printChainResult(chain, false)
	}
	return runChainFlow(cmd, func(ctx context.Context, a *app, h *service.StreamHandlers) (*history.Chain, error) {
		req := service.IterateRequest{ChainID: iterateChain, IterateInput: input, ModelKey: modelKey(a), TemplateID: flowTemplate}
		if h == nil {
			return a.service.Iterate(ctx, req)
		}
		return nil, a.service.IterateStream(ctx, req, *h)
	})
}

func runTest(cmd *cobra.Command, args []string) error {
	prompt, err := readInput(args)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfgManager.Get())
	if err != nil {
		return err
	}
	defer a.Close()

	req := service.TestRequest{SystemPrompt: testSystem, UserPrompt: prompt, ModelKey: modelKey(a)}
	if flowNoStream || asJSON {
		out, err := a.service.Test(cmd.Context(), req)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]string{"content": out})
		}
		fmt.Println(out)
		return nil
	}
	if err := a.service.TestStream(cmd.Context(), req, service.TestHandlers{OnToken: printToken}); err != nil {
		return err
	}
	fmt.Println()
	return nil
}
