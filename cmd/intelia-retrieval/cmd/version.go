package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/embed"
	"github.com/dominicdesy/intelia-expert-sub006/internal/lexicon"
	"github.com/dominicdesy/intelia-expert-sub006/internal/output"
	"github.com/dominicdesy/intelia-expert-sub006/pkg/version"
)

// versionReport is the build plus what the binary ships with. It never
// reads configuration, so it describes the built-in defaults.
type versionReport struct {
	version.BuildInfo
	UserAgent        string   `json:"user_agent"`
	LexiconVersion   int      `json:"lexicon_version"`
	Providers        []string `json:"providers"`
	StaticDimensions int      `json:"static_dimensions"`
}

func newVersionReport() versionReport {
	return versionReport{
		BuildInfo:        version.GetInfo(),
		UserAgent:        version.UserAgent(),
		LexiconVersion:   lexicon.Default().Version,
		Providers:        config.KnownSources,
		StaticDimensions: embed.StaticDimensions,
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput, shortOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and built-in defaults",
		Long: `Print the build version together with the embedded lexicon pack
version, the external providers this binary can query and the User-Agent
it sends them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if shortOutput {
				_, err := fmt.Fprintln(w, version.Short())
				return err
			}

			r := newVersionReport()
			if jsonOutput {
				return output.New(w).JSON(r)
			}

			_, err := fmt.Fprintf(w, "%s\n  lexicon pack: v%d\n  providers:    %s\n  user agent:   %s\n",
				version.String(), r.LexiconVersion, strings.Join(r.Providers, ", "), r.UserAgent)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&shortOutput, "short", false, "Output only the version number")

	return cmd
}
