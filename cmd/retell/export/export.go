// Package exportcmder provides the export command that writes the narrated
// book and its world report as Markdown.
package exportcmder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/cliui"
	"github.com/inkfold/retell/pkg/config"
	"github.com/inkfold/retell/pkg/export"
	"github.com/inkfold/retell/pkg/logger"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

type exportCommander struct {
	outDir string
	upto   uint
	render bool
	debug  bool

	cfg    *config.Config
	logger *zap.Logger
}

const exportLongDesc string = `Export a book's narrated text and world report.

Writes two Markdown files into the output directory: book.md with the latest
narration per chapter, and world.md with the final character, item, timeline,
and fact state. Chapters that have not been processed yet are marked as such.

Examples:
  retell export b1
  retell export b1 --out ./dist
  retell export b1 --upto 120
  retell export b1 --render`

const exportShortDesc string = "Export the narrated book and world report"

func NewExportCmd() *cobra.Command {
	cmder := &exportCommander{}

	cmd := &cobra.Command{
		Use:   "export <book-id>",
		Short: exportShortDesc,
		Long:  exportLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}

			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, config.DefaultFlags,
				[]string{config.FlagSQLite})
			cmder.cfg = config.FromViper(v)

			return cmder.run(args[0])
		},
	}

	var sqlitePath string
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagSQLite, &sqlitePath)
	cmd.Flags().StringVarP(&cmder.outDir, "out", "o", ".", "Output directory for the Markdown files")
	cmd.Flags().UintVar(&cmder.upto, "upto", 0, "Only export chapters up to this index (0 exports all)")
	cmd.Flags().BoolVar(&cmder.render, "render", false, "Also render the world report to the terminal")

	return cmd
}

func (c *exportCommander) run(bookID string) error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	store, err := sqlite.NewSQLiteDriver(c.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening chapter store: %w", err)
	}
	defer store.Close()

	svc := export.NewService(store, c.logger)
	ctx := context.Background()

	bookMD, err := svc.RenderBook(ctx, bookID, int(c.upto))
	if err != nil {
		return err
	}
	worldMD, err := svc.RenderWorldReport(ctx, bookID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	bookPath := filepath.Join(c.outDir, "book.md")
	if err := os.WriteFile(bookPath, []byte(bookMD), 0o644); err != nil {
		return fmt.Errorf("writing narrated book: %w", err)
	}

	worldPath := filepath.Join(c.outDir, "world.md")
	if err := os.WriteFile(worldPath, []byte(worldMD), 0o644); err != nil {
		return fmt.Errorf("writing world report: %w", err)
	}

	fmt.Printf("\n  %s %s\n", cliui.SuccessMark, cliui.ValueStyle.Render(bookPath))
	fmt.Printf("  %s %s\n\n", cliui.SuccessMark, cliui.ValueStyle.Render(worldPath))

	if c.render {
		rendered, err := cliui.RenderMarkdown(worldMD)
		if err != nil {
			c.logger.Warn("terminal rendering failed, printing raw markdown", zap.Error(err))
			rendered = worldMD
		}
		fmt.Println(rendered)
	}

	return nil
}
