package prompts

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/docqa/internal/domain"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Config locates an optional prompt override file.
type Config struct {
	File string `env:"PROMPTS_FILE"`
}

// Default returns the embedded prompt set.
func Default() (*domain.Prompts, error) {
	var prompts domain.Prompts
	if err := yaml.Unmarshal(defaultPrompts, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	return &prompts, nil
}

// Load returns the embedded prompt set overlaid with the keys present in
// cfg.File. An empty path returns the defaults.
func Load(cfg *Config) (*domain.Prompts, error) {
	prompts, err := Default()
	if err != nil {
		return nil, err
	}

	if cfg == nil || cfg.File == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	return Parse(data, prompts)
}

// Parse overlays the YAML document data on base. Keys missing from data
// keep their value from base.
func Parse(data []byte, base *domain.Prompts) (*domain.Prompts, error) {
	merged := *base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	return &merged, nil
}
