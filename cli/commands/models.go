package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/conduit/core"
)

func newModelsCmd(app *App) *cobra.Command {
	var contains string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available on a backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := app.resolveBackend()
			if err != nil {
				return classifyExit(err)
			}

			var filter *core.ModelFilter
			if contains != "" {
				filter = &core.ModelFilter{Contains: contains}
			}
			list, err := core.CachedModels(cmd.Context(), backend, filter)
			if err != nil {
				return classifyExit(err)
			}

			if app.jsonOut {
				return json.NewEncoder(app.out).Encode(list)
			}

			w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCONTEXT")
			for _, m := range list.Models {
				ctxTokens := ""
				if m.ContextTokens > 0 {
					ctxTokens = fmt.Sprintf("%d", m.ContextTokens)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Provider, ctxTokens)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if app.verbose {
				fmt.Fprintf(app.errOut, "%d models (%s)\n", len(list.Models), list.Source)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contains, "contains", "", "filter model IDs by substring")
	return cmd
}
