package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Run:        RunConfig{Backend: "sdwebui", MaxAttempts: 3},
		Classifier: ClassifierConfig{SimilarityThreshold: 0.92},
		Scorer:     ScorerConfig{Votes: 1},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend", func(c *Config) { c.Run.Backend = "" }},
		{"zero attempts", func(c *Config) { c.Run.MaxAttempts = 0 }},
		{"threshold too low", func(c *Config) { c.Classifier.SimilarityThreshold = 0 }},
		{"threshold too high", func(c *Config) { c.Classifier.SimilarityThreshold = 1.5 }},
		{"zero votes", func(c *Config) { c.Scorer.Votes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
