package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	LLM struct {
		BaseURL     string   `yaml:"base_url"`
		ChatModel   string   `yaml:"chat_model"`
		EmbedModel  string   `yaml:"embed_model"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature float64  `yaml:"temperature"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Database struct {
		URL       string `yaml:"url"`
		TableName string `yaml:"table_name"`
		VectorDim int    `yaml:"vector_dim"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"database"`

	Chunker struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"chunker"`

	Ingest struct {
		MaxAttempts  int      `yaml:"max_attempts"`
		RetryBackoff Duration `yaml:"retry_backoff"`
		RateLimit    float64  `yaml:"rate_limit"` // embedding calls per second
	} `yaml:"ingest"`

	Retrieval struct {
		MaxResults int `yaml:"max_results"`
		ResultCap  int `yaml:"result_cap"`
	} `yaml:"retrieval"`

	Chat struct {
		ContextBudget int `yaml:"context_budget"` // characters of retrieved context per prompt
		HistoryWindow int `yaml:"history_window"` // prior messages included in the prompt
	} `yaml:"chat"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docuchat/config.yaml"),
			"/etc/docuchat/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.ChatModel == "" {
		config.LLM.ChatModel = "mistral"
	}
	if config.LLM.EmbedModel == "" {
		config.LLM.EmbedModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = Duration(30 * time.Second)
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "chunk_vectors"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 1000
	}
	if config.Chunker.ChunkOverlap == 0 {
		config.Chunker.ChunkOverlap = 200
	}

	if config.Ingest.MaxAttempts == 0 {
		config.Ingest.MaxAttempts = 3
	}
	if config.Ingest.RetryBackoff == 0 {
		config.Ingest.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if config.Ingest.RateLimit == 0 {
		config.Ingest.RateLimit = 10.0
	}

	if config.Retrieval.MaxResults == 0 {
		config.Retrieval.MaxResults = 5
	}
	if config.Retrieval.ResultCap == 0 {
		config.Retrieval.ResultCap = 50
	}

	if config.Chat.ContextBudget == 0 {
		config.Chat.ContextBudget = 6000
	}
	if config.Chat.HistoryWindow == 0 {
		config.Chat.HistoryWindow = 10
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}
