package corpus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/refusal-audit/pipeline/internal/storage/models"
)

// File is the on-disk shape of a base-prompt corpus.
type File struct {
	Prompts []models.BasePrompt `yaml:"prompts"`
}

// Load reads and validates a base-prompt corpus from a YAML file.
func Load(path string) ([]models.BasePrompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file: %w", err)
	}

	return Parse(data)
}

// Parse validates raw corpus YAML. Every prompt needs an id, text and a
// safety domain tag; ids must be unique.
func Parse(data []byte) ([]models.BasePrompt, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse corpus file: %w", err)
	}

	if len(f.Prompts) == 0 {
		return nil, fmt.Errorf("corpus has no prompts")
	}

	seen := make(map[string]bool, len(f.Prompts))
	for i, p := range f.Prompts {
		if p.ID == "" {
			return nil, fmt.Errorf("corpus prompt %d has empty id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate corpus prompt id %q", p.ID)
		}
		seen[p.ID] = true

		if p.Text == "" {
			return nil, fmt.Errorf("corpus prompt %q has empty text", p.ID)
		}
		if p.Domain == "" {
			return nil, fmt.Errorf("corpus prompt %q has no domain tag", p.ID)
		}
	}

	return f.Prompts, nil
}
