// Package processcmder provides the process command that runs the chapter
// re-narration pipeline over a stored book.
package processcmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/checkpoint"
	"github.com/inkfold/retell/pkg/cliui"
	"github.com/inkfold/retell/pkg/config"
	embeddingutils "github.com/inkfold/retell/pkg/embeddings/utils"
	"github.com/inkfold/retell/pkg/eventstream"
	kafkastream "github.com/inkfold/retell/pkg/eventstream/kafka"
	"github.com/inkfold/retell/pkg/eventstream/nop"
	"github.com/inkfold/retell/pkg/gencache"
	"github.com/inkfold/retell/pkg/lexical"
	"github.com/inkfold/retell/pkg/lexical/fts5"
	llmutils "github.com/inkfold/retell/pkg/llm/utils"
	"github.com/inkfold/retell/pkg/logger"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/pipeline"
	"github.com/inkfold/retell/pkg/storage/sqlite"
	"github.com/inkfold/retell/pkg/utils"
	vectorutils "github.com/inkfold/retell/pkg/vector/utils"
	"github.com/inkfold/retell/pkg/worldstate"
)

// vectorCollection is the collection fragments live in when the vector
// store is Qdrant. The sqlite-vec provider ignores it.
const vectorCollection = "retell_memory"

type processCommander struct {
	from   uint
	to     uint
	refine bool
	debug  bool

	cfg    *config.Config
	logger *zap.Logger
}

const processLongDesc string = `Run the re-narration pipeline over a book's chapters.

Chapters are processed strictly in order. Each chapter is re-narrated with
the current world state and retrieved memories as context, its claimed world
deltas are verified against evidence and applied, and a checkpoint is cut at
every batch boundary. Interrupting with Ctrl-C stops cleanly at the next
chapter boundary; a later run resumes from the last checkpoint.

Already-generated chapters are served from the generation cache, so
re-running a range is cheap and produces identical output.

Examples:
  retell process b1
  retell process b1 --from 10 --to 50 --batch-size 4
  retell process b1 --model qwen2.5:14b --refine`

const processShortDesc string = "Re-narrate a book's chapters"

func NewProcessCmd() *cobra.Command {
	cmder := &processCommander{}

	cmd := &cobra.Command{
		Use:   "process <book-id>",
		Short: processShortDesc,
		Long:  processLongDesc,
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
			config.BindRegisteredFlags(v, cmd, config.DefaultFlags, []string{
				config.FlagSQLite,
				config.FlagLLMProvider,
				config.FlagLLMTarget,
				config.FlagLLMModel,
				config.FlagEmbeddingProv,
				config.FlagEmbeddingTgt,
				config.FlagEmbeddingModel,
				config.FlagEmbeddingDims,
				config.FlagVectorStoreProv,
				config.FlagVectorStoreTgt,
				config.FlagBatchSize,
				config.FlagTopK,
				config.FlagEventsProvider,
				config.FlagEventsBrokers,
				config.FlagEventsTopic,
			})
			cmder.cfg = config.FromViper(v)

			return cmder.run(args[0])
		},
	}

	var (
		sqlitePath string
		llmProv    string
		llmTarget  string
		model      string
		embProv    string
		embTarget  string
		embModel   string
		embDims    uint
		vecProv    string
		vecTarget  string
		batchSize  uint
		topK       uint
		evProv     string
		evBrokers  string
		evTopic    string
	)

	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagSQLite, &sqlitePath)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagLLMProvider, &llmProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagLLMTarget, &llmTarget)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagLLMModel, &model)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingProv, &embProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingTgt, &embTarget)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEmbeddingModel, &embModel)
	config.AddUintFlag(cmd, config.DefaultFlags, config.FlagEmbeddingDims, &embDims)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagVectorStoreProv, &vecProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagVectorStoreTgt, &vecTarget)
	config.AddUintFlag(cmd, config.DefaultFlags, config.FlagBatchSize, &batchSize)
	config.AddUintFlag(cmd, config.DefaultFlags, config.FlagTopK, &topK)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEventsProvider, &evProv)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEventsBrokers, &evBrokers)
	config.AddStringFlag(cmd, config.DefaultFlags, config.FlagEventsTopic, &evTopic)

	cmd.Flags().UintVar(&cmder.from, "from", 0, "First chapter to process (default: 1; earlier chapters replay from checkpoints and cache)")
	cmd.Flags().UintVar(&cmder.to, "to", 0, "Last chapter to process (default: end of book)")
	cmd.Flags().BoolVar(&cmder.refine, "refine", false, "Run the optional polish pass after each narration")

	return cmd
}

func (c *processCommander) run(bookID string) error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewSQLiteDriver(c.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening chapter store: %w", err)
	}
	defer store.Close()

	vec, err := vectorutils.NewVectorDriver(ctx, &vectorutils.NewVectorDriverOpts{
		ProviderType: c.cfg.VectorStore.Provider,
		Target:       c.vectorTarget(),
		Collection:   vectorCollection,
		Dimensions:   c.cfg.Embedding.Dimensions,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vec.Close()

	var lex lexical.Driver
	fts, err := fts5.NewFTS5Driver(fts5.Config{DBPath: c.cfg.Storage.SQLitePath}, c.logger)
	if err != nil {
		c.logger.Warn("lexical index unavailable, using vector-only retrieval", zap.Error(err))
	} else {
		lex = fts
		defer fts.Close()
	}

	embedder, err := embeddingutils.NewEmbedder(&embeddingutils.NewEmbedderOpts{
		ProviderType: c.cfg.Embedding.Provider,
		TargetURL:    c.cfg.Embedding.Target,
		Model:        c.cfg.Embedding.Model,
	})
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	defer embedder.Close()

	gen, err := llmutils.NewGenerator(&llmutils.NewGeneratorOpts{
		ProviderType: c.cfg.LLM.Provider,
		TargetURL:    c.cfg.LLM.Target,
		APIKey:       os.Getenv("RETELL_LLM_API_KEY"),
		Model:        c.cfg.LLM.Model,
		Timeout:      time.Duration(c.cfg.LLM.TimeoutSeconds) * time.Second,
		MaxRetries:   int(c.cfg.LLM.MaxRetries),
	})
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}
	defer gen.Close()

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	world := worldstate.NewStore(store, c.logger)
	retriever := memory.NewRetriever(store, vec, lex, embedder, memory.RetrieverConfig{
		Alpha:             c.cfg.Retrieval.Alpha,
		Beta:              c.cfg.Retrieval.Beta,
		TopK:              int(c.cfg.Retrieval.TopK),
		SearchConcurrency: int(c.cfg.Pipeline.SearchConcurrency),
	}, c.logger)
	archive := memory.NewArchive(store, vec, lex, embedder, c.logger)
	cache := gencache.NewCache(store, c.logger)
	checkpoints := checkpoint.NewManager(store, world, c.logger)

	orch := pipeline.NewOrchestrator(store, world, retriever, archive, cache, gen,
		checkpoints, publisher, pipeline.Config{
			BatchSize:          int(c.cfg.Pipeline.BatchSize),
			PrefetchWindow:     int(c.cfg.Pipeline.PrefetchWindow),
			NarrationRatio:     c.cfg.Pipeline.NarrationRatio,
			Temperature:        c.cfg.LLM.Temperature,
			RecentEventsWindow: int(c.cfg.Retrieval.RecentEventsWindow),
			RefineEnabled:      c.refine || c.cfg.Pipeline.RefineEnabled,
			SupportThreshold:   c.cfg.Pipeline.EvidenceMinSupport,
			Tiering:            tieringFromConfig(c.cfg.Tiering),
		}, c.logger)

	c.logger.Info("starting pipeline run",
		zap.String("book_id", bookID),
		zap.Uint("from", c.from),
		zap.Uint("to", c.to),
		zap.String("model", c.cfg.LLM.Model),
	)

	started := time.Now()
	sum, err := orch.Run(ctx, bookID, int(c.from), int(c.to))
	if err != nil {
		return err
	}

	c.printSummary(sum, time.Since(started))
	return nil
}

// vectorTarget maps the sqlite vector provider onto the shared database file
// unless an explicit target is configured.
func tieringFromConfig(tc config.TieringConfig) pipeline.Tiering {
	profile := func(p config.TierProfileConfig) pipeline.TierProfile {
		return pipeline.TierProfile{
			NarrationRatio: p.NarrationRatio,
			MemoryTopK:     int(p.MemoryTopK),
			Refine:         p.RefineEnabled,
		}
	}

	return pipeline.Tiering{
		Enabled:      tc.Enabled,
		DefaultTier:  tc.DefaultTier,
		LongEveryN:   int(tc.LongEveryN),
		LongMinChars: int(tc.LongMinChars),
		LongKeywords: tc.LongKeywords,
		Short:        profile(tc.Short),
		Medium:       profile(tc.Medium),
		Long:         profile(tc.Long),
	}
}

func (c *processCommander) vectorTarget() string {
	if c.cfg.VectorStore.Provider == "sqlite" && c.cfg.VectorStore.Target == "" {
		return c.cfg.Storage.SQLitePath
	}
	return c.cfg.VectorStore.Target
}

func (c *processCommander) newPublisher() (eventstream.Publisher, error) {
	switch c.cfg.Events.Provider {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		return kafkastream.NewPublisher(kafkastream.Config{
			Brokers: strings.Split(c.cfg.Events.Brokers, ","),
			Topic:   c.cfg.Events.Topic,
		}, c.logger)
	default:
		return nil, fmt.Errorf("unsupported events provider: %s", c.cfg.Events.Provider)
	}
}

func (c *processCommander) printSummary(sum *pipeline.RunSummary, elapsed time.Duration) {
	fmt.Printf("\n  %s  %s\n", cliui.KeyStyle.Render("Run"), cliui.ValueStyle.Render(sum.RunID))
	fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render("Chapters"),
		cliui.ValueStyle.Render(fmt.Sprintf("%d-%d", sum.StartChapter, sum.EndChapter)))
	fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render("Processed"),
		cliui.ValueStyle.Render(fmt.Sprintf("%d (%d from cache)", sum.Processed, sum.CacheHits)))
	fmt.Printf("  %s  %s\n", cliui.KeyStyle.Render("Elapsed"),
		cliui.ValueStyle.Render(cliui.FormatDuration(elapsed)))

	if sum.Stopped {
		fmt.Printf("  %s\n", cliui.WarnStyle.Render("Interrupted; run again to resume from the last checkpoint."))
	}
	for _, w := range sum.Warnings {
		fmt.Printf("  %s %s\n", cliui.WarnStyle.Render("warning:"), utils.Truncate(w, 120))
	}
	for _, d := range sum.Degradations {
		fmt.Printf("  %s %s\n", cliui.WarnStyle.Render("degraded:"), utils.Truncate(d, 120))
	}
	fmt.Println()
}
