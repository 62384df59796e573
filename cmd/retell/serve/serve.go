// Package servecmder provides the serve command that runs the read-only
// reporting API server.
package servecmder

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkfold/retell/api"
	"github.com/inkfold/retell/pkg/config"
	embeddingutils "github.com/inkfold/retell/pkg/embeddings/utils"
	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/lexical/fts5"
	"github.com/inkfold/retell/pkg/logger"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	vectorutils "github.com/inkfold/retell/pkg/vector/utils"
)

const vectorCollection = "retell_memory"

type serveCommander struct {
	noSearch bool
	reindex  bool
	debug    bool

	cfg    *config.Config
	logger *zap.Logger
}

const serveLongDesc string = `Run the read-only reporting API server.

Serves stored books, narrations, world state, and the timeline over HTTP.
When the embedding and vector store collaborators are reachable, the
/search endpoint answers semantic queries over the memory fragments;
--no-search skips that wiring and serves everything else.

--reindex rebuilds the vector and lexical indexes from the stored memory
fragments before serving, for when the search wiring points at a fresh or
stale index target.

Examples:
  retell serve
  retell serve --listen :9090
  retell serve --reindex
  retell serve --no-search`

const serveShortDesc string = "Run the reporting API server"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
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
			config.BindRegisteredFlags(v, cmd, config.DefaultFlags, []string{
				config.FlagSQLite,
				config.FlagAPIListen,
				config.FlagTopK,
				config.FlagEmbeddingProv,
				config.FlagEmbeddingTgt,
				config.FlagEmbeddingModel,
				config.FlagEmbeddingDims,
				config.FlagVectorStoreProv,
				config.FlagVectorStoreTgt,
			})
			cmder.cfg = config.FromViper(v)

			return cmder.run(cmd)
		},
	}

	var (
		sqlitePath string
		listen     string
		topK       uint
		embProv    string
		embTarget  string
		embModel   string
		embDims    uint
		vecProv    string
		vecTarget  string
	)

	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagSQLite, &sqlitePath)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagAPIListen, &listen)
	config.AddUintFlag(cmd, config.DefaultFlags, config.FlagTopK, &topK)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingProv, &embProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingTgt, &embTarget)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingModel, &embModel)
	config.AddUintFlag(cmd, config.DefaultFlags, config.FlagEmbeddingDims, &embDims)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagVectorStoreProv, &vecProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagVectorStoreTgt, &vecTarget)

	cmd.Flags().BoolVar(&cmder.noSearch, "no-search", false, "Serve without the semantic search endpoint")
	cmd.Flags().BoolVar(&cmder.reindex, "reindex", false, "Rebuild the retrieval indexes from stored fragments before serving")

	return cmd
}

func (c *serveCommander) run(cmd *cobra.Command) error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	store, err := sqlite.NewSQLiteDriver(c.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening chapter store: %w", err)
	}
	defer store.Close()

	var retriever *memory.Retriever
	if !c.noSearch {
		var archive *memory.Archive
		retriever, archive, err = c.newRetriever(cmd, store)
		if err != nil {
			c.logger.Warn("search wiring failed, /search disabled", zap.Error(err))
		} else if c.reindex {
			if err := c.rebuildIndexes(cmd, store, archive); err != nil {
				return err
			}
		}
	}

	server := api.NewServer(api.Config{
		ListenAddr: c.cfg.API.Listen,
		SearchTopK: int(c.cfg.Retrieval.TopK),
	}, store, retriever, c.logger)

	c.logger.Info("starting API server",
		zap.String("listen", c.cfg.API.Listen),
		zap.Bool("search", retriever != nil),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		return server.Shutdown()
	}
}

func (c *serveCommander) newRetriever(cmd *cobra.Command, store *sqlite.SQLiteDriver) (*memory.Retriever, *memory.Archive, error) {
	vec, err := vectorutils.NewVectorDriver(cmd.Context(), &vectorutils.NewVectorDriverOpts{
		ProviderType: c.cfg.VectorStore.Provider,
		Target:       c.vectorTarget(),
		Collection:   vectorCollection,
		Dimensions:   c.cfg.Embedding.Dimensions,
		Logger:       c.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening vector store: %w", err)
	}

	embedder, err := embeddingutils.NewEmbedder(&embeddingutils.NewEmbedderOpts{
		ProviderType: c.cfg.Embedding.Provider,
		TargetURL:    c.cfg.Embedding.Target,
		Model:        c.cfg.Embedding.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedder: %w", err)
	}

	var lex lexical.Driver
	fts, err := fts5.NewFTS5Driver(fts5.Config{DBPath: c.cfg.Storage.SQLitePath}, c.logger)
	if err != nil {
		c.logger.Warn("lexical index unavailable, using vector-only retrieval", zap.Error(err))
	} else {
		lex = fts
	}

	retriever := memory.NewRetriever(store, vec, lex, embedder, memory.RetrieverConfig{
		Alpha: c.cfg.Retrieval.Alpha,
		Beta:  c.cfg.Retrieval.Beta,
		TopK:  int(c.cfg.Retrieval.TopK),
	}, c.logger)

	return retriever, memory.NewArchive(store, vec, lex, embedder, c.logger), nil
}

// vectorTarget maps the sqlite vector provider onto the shared database file
// unless an explicit target is configured.
func (c *serveCommander) vectorTarget() string {
	if c.cfg.VectorStore.Provider == "sqlite" && c.cfg.VectorStore.Target == "" {
		return c.cfg.Storage.SQLitePath
	}
	return c.cfg.VectorStore.Target
}

func (c *serveCommander) rebuildIndexes(cmd *cobra.Command, store *sqlite.SQLiteDriver, archive *memory.Archive) error {
	books, err := store.ListBooks(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing books: %w", err)
	}

	for _, b := range books {
		n, err := archive.RebuildIndexes(cmd.Context(), b.ID)
		if err != nil {
			return fmt.Errorf("rebuilding indexes for %s: %w", b.ID, err)
		}
		c.logger.Info("indexes rebuilt",
			zap.String("book_id", b.ID),
			zap.Int("fragments", n))
	}

	return nil
}
