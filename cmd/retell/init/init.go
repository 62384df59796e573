// Package initcmder provides the init command for initializing a local
// .retell directory in the current working directory.
package initcmder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/inkfold/retell/pkg/config"
)

const (
	dirName = ".retell"
)

const initLongDesc string = `Initialize a new .retell/ directory in the current working directory.

Creates a local .retell/ directory that takes precedence over the default
~/.retell/ directory for storage, configuration, and other retell
operations, and writes a config.toml populated with defaults.

This is useful for maintaining separate retell state per novel or project.

Examples:
  retell init`

const initShortDesc string = "Initialize a local .retell/ directory"

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInit()
		},
	}

	return cmd
}

func runInit() error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	info, err := os.Stat(dir)
	if err == nil && info.IsDir() {
		fmt.Printf("Already initialized: %s\n", dir)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .retell directory: %w", err)
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("preparing config: %w", err)
	}

	if err := cfger.SaveConfig(config.NewDefaultConfig()); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}

	fmt.Printf("Initialized .retell directory: %s\n", dir)
	return nil
}
