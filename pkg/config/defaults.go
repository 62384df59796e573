package config

const (
	defaultSQLitePath = "retell.db"

	defaultLLMProvider    = "ollama"
	defaultLLMTarget      = "http://localhost:11434"
	defaultLLMModel       = "qwen3"
	defaultLLMTemperature = 0.45
	defaultLLMTimeout     = 120
	defaultLLMRetries     = 2

	defaultVectorProvider = "sqlite"

	defaultEmbeddingProvider   = "ollama"
	defaultEmbeddingTarget     = "http://localhost:11434"
	defaultEmbeddingModel      = "nomic-embed-text"
	defaultEmbeddingDimensions = 768

	defaultRetrievalAlpha  = 0.7
	defaultRetrievalBeta   = 0.1
	defaultRetrievalTopK   = 8
	defaultEventsWindow    = 5
	defaultBatchSize       = 1
	defaultPrefetchWindow  = 2
	defaultSearchConc      = 4
	defaultNarrationRatio  = 0.45
	defaultEvidenceSupport = 0.18

	defaultTier = "medium"

	defaultShortRatio = 0.16
	defaultShortTopK  = 0

	defaultMediumRatio = 0.25
	defaultMediumTopK  = 4

	defaultLongRatio = 0.45
	defaultLongTopK  = 8

	defaultEventsProvider = "nop"
	defaultEventsTopic    = "retell.pipeline"

	defaultAPIListen = ":8091"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			SQLitePath: defaultSQLitePath,
		},
		LLM: LLMConfig{
			Provider:       defaultLLMProvider,
			Target:         defaultLLMTarget,
			Model:          defaultLLMModel,
			Temperature:    defaultLLMTemperature,
			TimeoutSeconds: defaultLLMTimeout,
			MaxRetries:     defaultLLMRetries,
		},
		Embedding: EmbeddingConfig{
			Provider:   defaultEmbeddingProvider,
			Target:     defaultEmbeddingTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		VectorStore: VectorStoreConfig{
			Provider: defaultVectorProvider,
		},
		Retrieval: RetrievalConfig{
			Alpha:              defaultRetrievalAlpha,
			Beta:               defaultRetrievalBeta,
			TopK:               defaultRetrievalTopK,
			RecentEventsWindow: defaultEventsWindow,
		},
		Pipeline: PipelineConfig{
			BatchSize:          defaultBatchSize,
			PrefetchWindow:     defaultPrefetchWindow,
			SearchConcurrency:  defaultSearchConc,
			NarrationRatio:     defaultNarrationRatio,
			EvidenceMinSupport: defaultEvidenceSupport,
			RefineEnabled:      false,
		},
		Tiering: TieringConfig{
			Enabled:     false,
			DefaultTier: defaultTier,
			Short: TierProfileConfig{
				NarrationRatio: defaultShortRatio,
				MemoryTopK:     defaultShortTopK,
				RefineEnabled:  false,
			},
			Medium: TierProfileConfig{
				NarrationRatio: defaultMediumRatio,
				MemoryTopK:     defaultMediumTopK,
				RefineEnabled:  false,
			},
			Long: TierProfileConfig{
				NarrationRatio: defaultLongRatio,
				MemoryTopK:     defaultLongTopK,
				RefineEnabled:  true,
			},
		},
		Events: EventsConfig{
			Provider: defaultEventsProvider,
			Topic:    defaultEventsTopic,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
	}
}
