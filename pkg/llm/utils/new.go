// Package llmutils is the llm utility package
package llmutils

import (
	"fmt"
	"time"

	"github.com/inkfold/retell/pkg/llm"
	"github.com/inkfold/retell/pkg/llm/provider/ollama"
	"github.com/inkfold/retell/pkg/llm/provider/openai"
)

type NewGeneratorOpts struct {
	ProviderType string
	TargetURL    string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
}

func NewGenerator(o *NewGeneratorOpts) (llm.Generator, error) {
	switch o.ProviderType {
	case "ollama":
		return ollama.NewGenerator(ollama.GeneratorConfig{
			BaseURL:    o.TargetURL,
			Model:      o.Model,
			Timeout:    o.Timeout,
			MaxRetries: o.MaxRetries,
		})
	case "openai":
		return openai.NewGenerator(openai.GeneratorConfig{
			BaseURL:    o.TargetURL,
			APIKey:     o.APIKey,
			Model:      o.Model,
			Timeout:    o.Timeout,
			MaxRetries: o.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", o.ProviderType)
	}
}
