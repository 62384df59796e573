// Package statuscmder provides the status command for displaying stored
// books and their processing progress.
package statuscmder

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/cliui"
	"github.com/inkfold/retell/pkg/config"
	"github.com/inkfold/retell/pkg/logger"
	"github.com/inkfold/retell/pkg/storage"
	"github.com/inkfold/retell/pkg/storage/sqlite"
)

type statusCommander struct {
	debug bool

	cfg    *config.Config
	logger *zap.Logger
}

const statusLongDesc string = `Show stored books and their processing progress.

Lists every ingested book with its chapter count, how many chapters have a
narration, and the chapter of the most recent checkpoint.

Examples:
  retell status`

const statusShortDesc string = "Show stored books and progress"

func NewStatusCmd() *cobra.Command {
	cmder := &statusCommander{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: statusShortDesc,
		Long:  statusLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			return cmder.run()
		},
	}

	var sqlitePath string
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagSQLite, &sqlitePath)

	return cmd
}

func (c *statusCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	store, err := sqlite.NewSQLiteDriver(c.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening chapter store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	books, err := store.ListBooks(ctx)
	if err != nil {
		return fmt.Errorf("listing books: %w", err)
	}

	if len(books) == 0 {
		fmt.Printf("  %s No books ingested. Run `retell ingest <file>` first.\n", cliui.DimStyle.Render("●"))
		return nil
	}

	fmt.Println()
	for _, b := range books {
		chapters, err := store.ChapterCount(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("counting chapters: %w", err)
		}

		narrations, err := store.ListLatestNarrations(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("listing narrations: %w", err)
		}

		checkpointAt := 0
		cp, err := store.LatestCheckpointAtOrBefore(ctx, b.ID, chapters)
		if err != nil {
			var notFound storage.ErrNotFound
			if !errors.As(err, &notFound) {
				return fmt.Errorf("looking up checkpoint: %w", err)
			}
		} else {
			checkpointAt = cp.ChapterIdx
		}

		fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render(b.Title), cliui.DimStyle.Render(b.ID))
		fmt.Printf("    %s %s\n", cliui.KeyStyle.Render("chapters:"),
			cliui.ValueStyle.Render(fmt.Sprintf("%d", chapters)))
		fmt.Printf("    %s %s\n", cliui.KeyStyle.Render("narrated:"),
			cliui.ValueStyle.Render(fmt.Sprintf("%d", len(narrations))))
		if checkpointAt > 0 {
			fmt.Printf("    %s %s\n", cliui.KeyStyle.Render("checkpoint:"),
				cliui.ValueStyle.Render(fmt.Sprintf("chapter %d", checkpointAt)))
		} else {
			fmt.Printf("    %s %s\n", cliui.KeyStyle.Render("checkpoint:"),
				cliui.DimStyle.Render("none"))
		}
		fmt.Println()
	}

	return nil
}
