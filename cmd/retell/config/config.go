// Package configcmder provides the config command for managing persistent
// retell configuration stored in the .retell/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent retell configuration.

Configuration is stored as config.toml in the .retell/ directory and provides
default values for command flags. CLI flags always take precedence over
config file values, and RETELL_* environment variables sit between the two.

Keys use dotted notation matching the TOML section structure:
  storage.sqlite_path,
  llm.provider, llm.target, llm.model, llm.temperature,
  embedding.provider, embedding.target, embedding.model, embedding.dimensions,
  vector_store.provider, vector_store.target,
  retrieval.alpha, retrieval.beta, retrieval.top_k,
  pipeline.batch_size, pipeline.narration_ratio,
  events.provider, events.brokers, events.topic,
  api.listen

Use subcommands to get, set, or list configuration values:
  retell config set <key> <value>    Set a configuration value
  retell config get <key>            Get a configuration value
  retell config list                 List all configuration values

Examples:
  retell config set llm.provider ollama
  retell config set llm.model qwen2.5:14b
  retell config get embedding.model
  retell config list`

const configShortDesc string = "Manage persistent retell configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
