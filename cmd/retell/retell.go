// Package retellcmder
package retellcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/inkfold/retell/cmd/retell/config"
	exportcmder "github.com/inkfold/retell/cmd/retell/export"
	ingestcmder "github.com/inkfold/retell/cmd/retell/ingest"
	initcmder "github.com/inkfold/retell/cmd/retell/init"
	processcmder "github.com/inkfold/retell/cmd/retell/process"
	servecmder "github.com/inkfold/retell/cmd/retell/serve"
	statuscmder "github.com/inkfold/retell/cmd/retell/status"
	versioncmder "github.com/inkfold/retell/cmd/version"
)

const retellLongDesc string = `Retell re-narrates serialized novels chapter by chapter while keeping a
persistent record of characters, items, and plot events.

Typical workflow:
  retell init                 Create a local .retell/ directory
  retell ingest novel.txt     Split a novel into chapters and store it
  retell process <book>       Re-narrate chapters and update world state
  retell export <book>        Write the narrated book and world report
  retell serve                Run the read-only reporting API`

const retellShortDesc string = "Retell - chapter-by-chapter novel re-narration"

func NewRetellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retell",
		Short: retellShortDesc,
		Long:  retellLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .retell/ directory location")

	// Add subcommands
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(ingestcmder.NewIngestCmd())
	cmd.AddCommand(processcmder.NewProcessCmd())
	cmd.AddCommand(exportcmder.NewExportCmd())
	cmd.AddCommand(statuscmder.NewStatusCmd())
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
