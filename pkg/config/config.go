package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Run        RunConfig
	Catalog    CatalogConfig
	Corpus     CorpusConfig
	Synth      SynthConfig
	Classifier ClassifierConfig
	Scorer     ScorerConfig
	Aggregate  AggregateConfig
	Backends   BackendsConfig
	Oracle     OracleConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Server     ServerConfig
	Logging    LoggingConfig
}

type RunConfig struct {
	Dir            string
	ID             string
	Backend        string
	SampleSize     int
	Seed           int64
	MaxAttempts    int
	TimeoutSec     int
	Workers        int
	ResumeFrom     int
	Intersectional bool
	Axes           []string
	SourceImageDir string
}

type CatalogConfig struct {
	Path string
}

type CorpusConfig struct {
	Path string
}

type SynthConfig struct {
	BoundaryRewrite  bool
	OracleTimeoutSec int
}

type ClassifierConfig struct {
	SimilarityThreshold float64
	BlankCaption        string
}

type ScorerConfig struct {
	Votes      int
	TimeoutSec int
}

type AggregateConfig struct {
	IncludeEmpty bool
}

type BackendsConfig struct {
	OpenAI  OpenAIBackendConfig
	SDWebUI SDWebUIBackendConfig
}

type OpenAIBackendConfig struct {
	APIKey     string
	ImageModel string
	ImageSize  string
	RPS        float64
	Burst      int
	Workers    int
}

type SDWebUIBackendConfig struct {
	BaseURL           string
	Steps             int
	CFGScale          float64
	Sampler           string
	DenoisingStrength float64
	Width             int
	Height            int
	TimeoutSec        int
}

type OracleConfig struct {
	APIKey         string
	Model          string
	VisionModel    string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/refusal-audit")

	viper.SetEnvPrefix("REFUSAL_AUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Run.Backend == "" {
		return fmt.Errorf("run.backend is required")
	}
	if c.Run.MaxAttempts < 1 {
		return fmt.Errorf("run.maxAttempts must be at least 1")
	}
	if c.Classifier.SimilarityThreshold <= 0 || c.Classifier.SimilarityThreshold > 1 {
		return fmt.Errorf("classifier.similarityThreshold must be in (0, 1]")
	}
	if c.Scorer.Votes < 1 {
		return fmt.Errorf("scorer.votes must be at least 1")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("run.dir", "./runs")
	viper.SetDefault("run.backend", "sdwebui")
	viper.SetDefault("run.sampleSize", 0)
	viper.SetDefault("run.seed", 42)
	viper.SetDefault("run.maxAttempts", 3)
	viper.SetDefault("run.timeoutSec", 120)
	viper.SetDefault("run.workers", 4)
	viper.SetDefault("run.resumeFrom", -1)
	viper.SetDefault("run.intersectional", false)

	viper.SetDefault("catalog.path", "")
	viper.SetDefault("corpus.path", "./corpus.yaml")

	viper.SetDefault("synth.boundaryRewrite", false)
	viper.SetDefault("synth.oracleTimeoutSec", 20)

	viper.SetDefault("classifier.similarityThreshold", 0.92)
	viper.SetDefault("classifier.blankCaption", "a blank placeholder image with no subject")

	viper.SetDefault("scorer.votes", 1)
	viper.SetDefault("scorer.timeoutSec", 30)

	viper.SetDefault("aggregate.includeEmpty", false)

	viper.SetDefault("backends.openai.imageModel", "dall-e-3")
	viper.SetDefault("backends.openai.imageSize", "1024x1024")
	viper.SetDefault("backends.openai.rps", 0.5)
	viper.SetDefault("backends.openai.burst", 1)
	viper.SetDefault("backends.openai.workers", 4)

	viper.SetDefault("backends.sdwebui.baseUrl", "http://localhost:7860")
	viper.SetDefault("backends.sdwebui.steps", 30)
	viper.SetDefault("backends.sdwebui.cfgScale", 7.0)
	viper.SetDefault("backends.sdwebui.sampler", "DPM++ 2M Karras")
	viper.SetDefault("backends.sdwebui.denoisingStrength", 0.55)
	viper.SetDefault("backends.sdwebui.width", 768)
	viper.SetDefault("backends.sdwebui.height", 768)
	viper.SetDefault("backends.sdwebui.timeoutSec", 300)

	viper.SetDefault("oracle.model", "gpt-4o-mini")
	viper.SetDefault("oracle.visionModel", "gpt-4o")
	viper.SetDefault("oracle.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("oracle.temperature", 0.2)
	viper.SetDefault("oracle.maxTokens", 512)
	viper.SetDefault("oracle.timeoutSec", 30)

	viper.SetDefault("sqlite.path", "./data/audit.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("server.enabled", false)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
