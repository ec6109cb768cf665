package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
	"github.com/dominicdesy/intelia-expert-sub006/internal/fetcher"
	"github.com/dominicdesy/intelia-expert-sub006/internal/output"
)

// newExternalCmd creates the external command.
func newExternalCmd(a *app) *cobra.Command {
	var (
		sources    []string
		minYear    int
		maxResults int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "external <query>",
		Short: "Search scientific literature providers in parallel",
		Long: `Query the enabled literature providers concurrently, deduplicate the
records by DOI, PMID, PMCID or title and year, score them on relevance,
citations and recency, and print the best five.

A provider that fails is reported and skipped; the command only fails on
invalid configuration.`,
		Example: `  intelia-retrieval external "coccidiosis vaccine broilers"
  intelia-retrieval external --sources pubmed,openalex --min-year 2018 "heat stress layers"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if len(sources) > 0 {
				cfg.External.Sources = sources
			}
			if !cmd.Flags().Changed("min-year") {
				minYear = cfg.External.MinYear
			}
			if !cmd.Flags().Changed("max-results") {
				maxResults = cfg.External.MaxResults
			}

			fetchers, err := fetcher.FromConfig(&cfg)
			if err != nil {
				return err
			}
			mgr := external.NewManager(fetchers,
				external.WithMinComposite(cfg.External.MinComposite),
				external.WithFetchTimeout(cfg.ExternalTimeout()),
				external.WithManagerMetrics(a.metrics),
			)

			res := mgr.Search(cmd.Context(), external.Query{
				Text:       strings.Join(args, " "),
				MaxResults: maxResults,
				MinYear:    minYear,
			})

			w := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return w.JSON(res)
			}
			w.External(res)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&sources, "sources", nil, "Providers to query (default: external.sources from config)")
	cmd.Flags().IntVar(&minYear, "min-year", 0, "Oldest publication year to keep")
	cmd.Flags().IntVar(&maxResults, "max-results", external.DefaultMaxResults, "Records requested per provider")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
