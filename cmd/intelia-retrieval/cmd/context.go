package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dominicdesy/intelia-expert-sub006/internal/output"
	"github.com/dominicdesy/intelia-expert-sub006/internal/search"
)

// newContextCmd creates the context command.
func newContextCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Show the extracted context and expansion variants of a query",
		Long: `Extract entity, category, phase, age, urgency, language, metrics and
environmental factors from a query, then print the expansion variants
used for multi-query search. No store is touched.`,
		Example: `  intelia-retrieval context "ross 308 weight at 21 days"
  intelia-retrieval context --json "mortalité élevée chez les pondeuses"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.lexiconSource(cmd.Context())
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")

			qc := search.NewContextExtractor(src).Extract(query)
			expanded := search.NewQueryExpander(src,
				search.WithMaxVariants(a.cfg.Search.MaxVariants)).Expand(query, qc)

			w := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return w.JSON(struct {
					Context  *search.QueryContext  `json:"context"`
					Expanded *search.ExpandedQuery `json:"expanded"`
				}{qc, expanded})
			}
			w.Context(qc, expanded)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
