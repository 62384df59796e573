package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/inkfold/retell/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the RETELL_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (RETELL_LLM_MODEL, RETELL_API_LISTEN, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: RETELL_LLM_MODEL, RETELL_STORAGE_SQLITE_PATH, etc.
	v.SetEnvPrefix("RETELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.target", d.LLM.Target)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSeconds)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)

	// Embedding
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.target", d.Embedding.Target)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// Vector store
	v.SetDefault("vector_store.provider", d.VectorStore.Provider)
	v.SetDefault("vector_store.target", d.VectorStore.Target)

	// Retrieval
	v.SetDefault("retrieval.alpha", d.Retrieval.Alpha)
	v.SetDefault("retrieval.beta", d.Retrieval.Beta)
	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.recent_events_window", d.Retrieval.RecentEventsWindow)

	// Pipeline
	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.prefetch_window", d.Pipeline.PrefetchWindow)
	v.SetDefault("pipeline.search_concurrency", d.Pipeline.SearchConcurrency)
	v.SetDefault("pipeline.narration_ratio", d.Pipeline.NarrationRatio)
	v.SetDefault("pipeline.evidence_min_support", d.Pipeline.EvidenceMinSupport)
	v.SetDefault("pipeline.refine_enabled", d.Pipeline.RefineEnabled)

	// Tiering
	v.SetDefault("tiering.enabled", d.Tiering.Enabled)
	v.SetDefault("tiering.default_tier", d.Tiering.DefaultTier)
	v.SetDefault("tiering.long_every_n", d.Tiering.LongEveryN)
	v.SetDefault("tiering.long_min_chars", d.Tiering.LongMinChars)
	v.SetDefault("tiering.long_keywords", d.Tiering.LongKeywords)
	for tier, p := range map[string]TierProfileConfig{
		"short": d.Tiering.Short, "medium": d.Tiering.Medium, "long": d.Tiering.Long,
	} {
		v.SetDefault("tiering."+tier+".narration_ratio", p.NarrationRatio)
		v.SetDefault("tiering."+tier+".memory_top_k", p.MemoryTopK)
		v.SetDefault("tiering."+tier+".refine_enabled", p.RefineEnabled)
	}

	// Events
	v.SetDefault("events.provider", d.Events.Provider)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topic", d.Events.Topic)

	// API
	v.SetDefault("api.listen", d.API.Listen)
}

// FromViper materializes a Config from a resolved viper instance. Commands
// call this after BindRegisteredFlags so the returned Config reflects the
// full precedence chain.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Version: v.GetInt("version"),
		Storage: StorageConfig{
			SQLitePath: v.GetString("storage.sqlite_path"),
		},
		LLM: LLMConfig{
			Provider:       v.GetString("llm.provider"),
			Target:         v.GetString("llm.target"),
			Model:          v.GetString("llm.model"),
			Temperature:    v.GetFloat64("llm.temperature"),
			TimeoutSeconds: v.GetUint("llm.timeout_seconds"),
			MaxRetries:     v.GetUint("llm.max_retries"),
		},
		Embedding: EmbeddingConfig{
			Provider:   v.GetString("embedding.provider"),
			Target:     v.GetString("embedding.target"),
			Model:      v.GetString("embedding.model"),
			Dimensions: v.GetUint("embedding.dimensions"),
		},
		VectorStore: VectorStoreConfig{
			Provider: v.GetString("vector_store.provider"),
			Target:   v.GetString("vector_store.target"),
		},
		Retrieval: RetrievalConfig{
			Alpha:              v.GetFloat64("retrieval.alpha"),
			Beta:               v.GetFloat64("retrieval.beta"),
			TopK:               v.GetUint("retrieval.top_k"),
			RecentEventsWindow: v.GetUint("retrieval.recent_events_window"),
		},
		Pipeline: PipelineConfig{
			BatchSize:          v.GetUint("pipeline.batch_size"),
			PrefetchWindow:     v.GetUint("pipeline.prefetch_window"),
			SearchConcurrency:  v.GetUint("pipeline.search_concurrency"),
			NarrationRatio:     v.GetFloat64("pipeline.narration_ratio"),
			EvidenceMinSupport: v.GetFloat64("pipeline.evidence_min_support"),
			RefineEnabled:      v.GetBool("pipeline.refine_enabled"),
		},
		Tiering: TieringConfig{
			Enabled:      v.GetBool("tiering.enabled"),
			DefaultTier:  v.GetString("tiering.default_tier"),
			LongEveryN:   v.GetUint("tiering.long_every_n"),
			LongMinChars: v.GetUint("tiering.long_min_chars"),
			LongKeywords: v.GetStringSlice("tiering.long_keywords"),
			Short:        tierProfileFromViper(v, "short"),
			Medium:       tierProfileFromViper(v, "medium"),
			Long:         tierProfileFromViper(v, "long"),
		},
		Events: EventsConfig{
			Provider: v.GetString("events.provider"),
			Brokers:  v.GetString("events.brokers"),
			Topic:    v.GetString("events.topic"),
		},
		API: APIConfig{
			Listen: v.GetString("api.listen"),
		},
	}
}

func tierProfileFromViper(v *viper.Viper, tier string) TierProfileConfig {
	return TierProfileConfig{
		NarrationRatio: v.GetFloat64("tiering." + tier + ".narration_ratio"),
		MemoryTopK:     v.GetUint("tiering." + tier + ".memory_top_k"),
		RefineEnabled:  v.GetBool("tiering." + tier + ".refine_enabled"),
	}
}
