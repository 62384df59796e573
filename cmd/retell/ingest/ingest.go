// Package ingestcmder provides the ingest command for loading novels into
// the chapter store.
package ingestcmder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/cliui"
	"github.com/inkfold/retell/pkg/config"
	"github.com/inkfold/retell/pkg/ingest"
	"github.com/inkfold/retell/pkg/logger"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

type ingestCommander struct {
	title   string
	pattern string
	debug   bool

	cfg    *config.Config
	logger *zap.Logger
}

const ingestLongDesc string = `Ingest a novel file into the chapter store.

The file is normalized, split into chapters on heading lines, and persisted
with content hashes. Re-ingesting an unchanged file is a no-op; the stored
book keeps its ID.

Examples:
  retell ingest novel.txt
  retell ingest novel.txt --title "剑行" --sqlite ./retell.db`

const ingestShortDesc string = "Ingest a novel file into the chapter store"

func NewIngestCmd() *cobra.Command {
	cmder := &ingestCommander{}

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: ingestShortDesc,
		Long:  ingestLongDesc,
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
	cmd.Flags().StringVarP(&cmder.title, "title", "t", "", "Book title (default: file name without extension)")
	cmd.Flags().StringVar(&cmder.pattern, "chapter-pattern", "", "Override the chapter-heading regexp")

	return cmd
}

func (c *ingestCommander) run(path string) error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	title := c.title
	if title == "" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	store, err := sqlite.NewSQLiteDriver(c.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening chapter store: %w", err)
	}
	defer store.Close()

	svc, err := ingest.NewService(store, c.pattern, c.logger)
	if err != nil {
		return err
	}

	var stats *ingest.Stats
	err = cliui.Step(os.Stdout, fmt.Sprintf("Ingesting %s", path), func() error {
		stats, err = svc.IngestFile(context.Background(), path, title)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n  %s  %s\n", cliui.KeyStyle.Render("Book"), cliui.ValueStyle.Render(title))
	fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render("ID"), cliui.ValueStyle.Render(stats.BookID))
	fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render("Chapters"), cliui.ValueStyle.Render(fmt.Sprintf("%d", stats.Chapters)))
	if stats.Existed {
		fmt.Printf("  %s\n", cliui.DimStyle.Render("Unchanged since last ingest; nothing written."))
	}
	fmt.Println()

	return nil
}
