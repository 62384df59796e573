package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent retell configuration stored as config.toml
// in the .retell/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	LLM         LLMConfig         `toml:"llm"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Retrieval   RetrievalConfig   `toml:"retrieval"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Tiering     TieringConfig     `toml:"tiering"`
	Events      EventsConfig      `toml:"events"`
	API         APIConfig         `toml:"api"`
}

// StorageConfig holds the shared SQLite settings. The relational store, the
// lexical index, and the sqlite-vec index all live in the same database file.
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path,omitempty"`
}

// LLMConfig holds generation collaborator settings.
type LLMConfig struct {
	Provider       string  `toml:"provider,omitempty"`
	Target         string  `toml:"target,omitempty"`
	Model          string  `toml:"model,omitempty"`
	Temperature    float64 `toml:"temperature,omitempty"`
	TimeoutSeconds uint    `toml:"timeout_seconds,omitempty"`
	MaxRetries     uint    `toml:"max_retries,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// VectorStoreConfig holds vector store settings.
type VectorStoreConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
}

// RetrievalConfig holds hybrid recall fusion settings.
//
// Alpha weighs vector similarity against lexical match; Beta weighs chapter
// proximity on top of both.
type RetrievalConfig struct {
	Alpha              float64 `toml:"alpha,omitempty"`
	Beta               float64 `toml:"beta,omitempty"`
	TopK               uint    `toml:"top_k,omitempty"`
	RecentEventsWindow uint    `toml:"recent_events_window,omitempty"`
}

// PipelineConfig holds chapter pipeline settings.
type PipelineConfig struct {
	BatchSize          uint    `toml:"batch_size,omitempty"`
	PrefetchWindow     uint    `toml:"prefetch_window,omitempty"`
	SearchConcurrency  uint    `toml:"search_concurrency,omitempty"`
	NarrationRatio     float64 `toml:"narration_ratio,omitempty"`
	EvidenceMinSupport float64 `toml:"evidence_min_support,omitempty"`
	RefineEnabled      bool    `toml:"refine_enabled"`
}

// TieringConfig selects per-chapter generation profiles. Landmark chapters
// are promoted to the long tier by cadence, length, or keyword; everything
// else falls to the default tier. Disabled, every chapter uses the
// run-level pipeline settings.
type TieringConfig struct {
	Enabled      bool              `toml:"enabled"`
	DefaultTier  string            `toml:"default_tier,omitempty"`
	LongEveryN   uint              `toml:"long_every_n"`
	LongMinChars uint              `toml:"long_min_chars"`
	LongKeywords []string          `toml:"long_keywords,omitempty"`
	Short        TierProfileConfig `toml:"short"`
	Medium       TierProfileConfig `toml:"medium"`
	Long         TierProfileConfig `toml:"long"`
}

// TierProfileConfig is one tier's generation overrides.
type TierProfileConfig struct {
	NarrationRatio float64 `toml:"narration_ratio,omitempty"`
	MemoryTopK     uint    `toml:"memory_top_k"`
	RefineEnabled  bool    `toml:"refine_enabled"`
}

// EventsConfig holds the optional run-telemetry event stream settings.
type EventsConfig struct {
	Provider string `toml:"provider,omitempty"`
	Brokers  string `toml:"brokers,omitempty"`
	Topic    string `toml:"topic,omitempty"`
}

// APIConfig holds the read-only reporting server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"llm.provider": {
		get: func(c *Config) string { return c.LLM.Provider },
		set: func(c *Config, v string) error { c.LLM.Provider = v; return nil },
	},
	"llm.target": {
		get: func(c *Config) string { return c.LLM.Target },
		set: func(c *Config, v string) error { c.LLM.Target = v; return nil },
	},
	"llm.model": {
		get: func(c *Config) string { return c.LLM.Model },
		set: func(c *Config, v string) error { c.LLM.Model = v; return nil },
	},
	"llm.temperature": {
		get: func(c *Config) string { return strconv.FormatFloat(c.LLM.Temperature, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for llm.temperature: %w", err)
			}
			c.LLM.Temperature = f
			return nil
		},
	},
	"llm.timeout_seconds": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.LLM.TimeoutSeconds), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for llm.timeout_seconds: %w", err)
			}
			c.LLM.TimeoutSeconds = uint(n)
			return nil
		},
	},
	"llm.max_retries": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.LLM.MaxRetries), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for llm.max_retries: %w", err)
			}
			c.LLM.MaxRetries = uint(n)
			return nil
		},
	},
	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": {
		get: func(c *Config) string {
			if c.Embedding.Dimensions == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Embedding.Dimensions), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for embedding.dimensions: %w", err)
			}
			c.Embedding.Dimensions = uint(n)
			return nil
		},
	},
	"vector_store.provider": {
		get: func(c *Config) string { return c.VectorStore.Provider },
		set: func(c *Config, v string) error { c.VectorStore.Provider = v; return nil },
	},
	"vector_store.target": {
		get: func(c *Config) string { return c.VectorStore.Target },
		set: func(c *Config, v string) error { c.VectorStore.Target = v; return nil },
	},
	"retrieval.alpha": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Retrieval.Alpha, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for retrieval.alpha: %w", err)
			}
			c.Retrieval.Alpha = f
			return nil
		},
	},
	"retrieval.beta": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Retrieval.Beta, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for retrieval.beta: %w", err)
			}
			c.Retrieval.Beta = f
			return nil
		},
	},
	"retrieval.top_k": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Retrieval.TopK), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for retrieval.top_k: %w", err)
			}
			c.Retrieval.TopK = uint(n)
			return nil
		},
	},
	"retrieval.recent_events_window": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Retrieval.RecentEventsWindow), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for retrieval.recent_events_window: %w", err)
			}
			c.Retrieval.RecentEventsWindow = uint(n)
			return nil
		},
	},
	"pipeline.batch_size": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Pipeline.BatchSize), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.batch_size: %w", err)
			}
			c.Pipeline.BatchSize = uint(n)
			return nil
		},
	},
	"pipeline.prefetch_window": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Pipeline.PrefetchWindow), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.prefetch_window: %w", err)
			}
			c.Pipeline.PrefetchWindow = uint(n)
			return nil
		},
	},
	"pipeline.search_concurrency": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Pipeline.SearchConcurrency), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.search_concurrency: %w", err)
			}
			c.Pipeline.SearchConcurrency = uint(n)
			return nil
		},
	},
	"pipeline.narration_ratio": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Pipeline.NarrationRatio, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.narration_ratio: %w", err)
			}
			c.Pipeline.NarrationRatio = f
			return nil
		},
	},
	"pipeline.evidence_min_support": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Pipeline.EvidenceMinSupport, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.evidence_min_support: %w", err)
			}
			c.Pipeline.EvidenceMinSupport = f
			return nil
		},
	},
	"pipeline.refine_enabled": {
		get: func(c *Config) string { return strconv.FormatBool(c.Pipeline.RefineEnabled) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.refine_enabled: %w", err)
			}
			c.Pipeline.RefineEnabled = b
			return nil
		},
	},
	"tiering.enabled": {
		get: func(c *Config) string { return strconv.FormatBool(c.Tiering.Enabled) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for tiering.enabled: %w", err)
			}
			c.Tiering.Enabled = b
			return nil
		},
	},
	"tiering.default_tier": {
		get: func(c *Config) string { return c.Tiering.DefaultTier },
		set: func(c *Config, v string) error {
			switch v {
			case "short", "medium", "long":
				c.Tiering.DefaultTier = v
				return nil
			}
			return fmt.Errorf("invalid value for tiering.default_tier: want short, medium, or long")
		},
	},
	"tiering.long_every_n": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Tiering.LongEveryN), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for tiering.long_every_n: %w", err)
			}
			c.Tiering.LongEveryN = uint(n)
			return nil
		},
	},
	"tiering.long_min_chars": {
		get: func(c *Config) string { return strconv.FormatUint(uint64(c.Tiering.LongMinChars), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for tiering.long_min_chars: %w", err)
			}
			c.Tiering.LongMinChars = uint(n)
			return nil
		},
	},
	"tiering.long_keywords": {
		get: func(c *Config) string { return strings.Join(c.Tiering.LongKeywords, ",") },
		set: func(c *Config, v string) error {
			var keywords []string
			for _, kw := range strings.Split(v, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					keywords = append(keywords, kw)
				}
			}
			c.Tiering.LongKeywords = keywords
			return nil
		},
	},
	"events.provider": {
		get: func(c *Config) string { return c.Events.Provider },
		set: func(c *Config, v string) error { c.Events.Provider = v; return nil },
	},
	"events.brokers": {
		get: func(c *Config) string { return c.Events.Brokers },
		set: func(c *Config, v string) error { c.Events.Brokers = v; return nil },
	},
	"events.topic": {
		get: func(c *Config) string { return c.Events.Topic },
		set: func(c *Config, v string) error { c.Events.Topic = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
}

// Per-tier profile keys share one shape, so they are registered in a loop
// instead of spelled out per tier.
func init() {
	for tier, sel := range map[string]func(*Config) *TierProfileConfig{
		"short":  func(c *Config) *TierProfileConfig { return &c.Tiering.Short },
		"medium": func(c *Config) *TierProfileConfig { return &c.Tiering.Medium },
		"long":   func(c *Config) *TierProfileConfig { return &c.Tiering.Long },
	} {
		ratioKey := "tiering." + tier + ".narration_ratio"
		configKeys[ratioKey] = configKeyInfo{
			get: func(c *Config) string { return strconv.FormatFloat(sel(c).NarrationRatio, 'f', -1, 64) },
			set: func(c *Config, v string) error {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("invalid value for %s: %w", ratioKey, err)
				}
				sel(c).NarrationRatio = f
				return nil
			},
		}

		topKKey := "tiering." + tier + ".memory_top_k"
		configKeys[topKKey] = configKeyInfo{
			get: func(c *Config) string { return strconv.FormatUint(uint64(sel(c).MemoryTopK), 10) },
			set: func(c *Config, v string) error {
				n, err := strconv.ParseUint(v, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid value for %s: %w", topKKey, err)
				}
				sel(c).MemoryTopK = uint(n)
				return nil
			},
		}

		refineKey := "tiering." + tier + ".refine_enabled"
		configKeys[refineKey] = configKeyInfo{
			get: func(c *Config) string { return strconv.FormatBool(sel(c).RefineEnabled) },
			set: func(c *Config, v string) error {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("invalid value for %s: %w", refineKey, err)
				}
				sel(c).RefineEnabled = b
				return nil
			},
		}
	}
}
