package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/promptsmith/internal/template"
)

var templateType string

var templatesCmd = &cobra.Command{
	Use:   "templates [id]",
	Short: "List templates, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 1 {
			t, err := a.templates.Template(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(t)
			}
			fmt.Printf("## %s (%s, %s)\n\n", t.Name, t.ID, t.Metadata.TemplateType)
			if t.Content != "" {
				fmt.Println(t.Content)
			}
			for _, m := range t.Messages {
				fmt.Printf("[%s]\n%s\n\n", m.Role, m.Content)
			}
			return nil
		}

		typ := template.Type(templateType)
		if typ != "" && !typ.Valid() {
			return fmt.Errorf("unknown template type %q", templateType)
		}
		list := a.templates.List(cmd.Context(), typ)
		if asJSON {
			return printJSON(list)
		}
		for _, t := range list {
			fmt.Printf("%-26s %-13s %-8s %s\n", t.ID, t.Metadata.TemplateType, t.Source, t.Name)
		}
		return nil
	}),
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List enabled model keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := cfgManager.Get()
		models := llmRegistry(cfg).Models()
		if asJSON {
			return printJSON(models)
		}
		if len(models) == 0 {
			fmt.Println("No models enabled. Set llm.providers.<key>.enabled in the config.")
			if keys := cfg.ModelKeys(); len(keys) > 0 {
				fmt.Printf("Configured: %s\n", strings.Join(keys, ", "))
			}
			return nil
		}
		for _, m := range models {
			mark := " "
			if m.Default {
				mark = "*"
			}
			fmt.Printf("%s %-12s %-10s %s\n", mark, m.Key, m.Provider, m.Model)
		}
		return nil
	},
}

func init() {
	templatesCmd.Flags().StringVar(&templateType, "type", "", "filter by type (optimize, iterate, userOptimize, test)")
}
