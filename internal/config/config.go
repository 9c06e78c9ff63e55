package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Archive   ArchiveConfig
	Inference InferenceConfig
	Storage   StorageConfig
	Loop      LoopConfig
	Jobs      JobsConfig
	OCR       OCRConfig
	Templates TemplatesConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type ArchiveConfig struct {
	BaseURL string
	Token   string
}

type InferenceConfig struct {
	BaseURL     string
	FastModel   string
	DeepModel   string
	EmbedModel  string
	VisionModel string
}

type StorageConfig struct {
	DataDir string
}

type LoopConfig struct {
	MaxRetries int
}

type JobsConfig struct {
	// RateLimit caps job throughput in work units per second.
	RateLimit int
}

type OCRConfig struct {
	MaxPages int
}

type TemplatesConfig struct {
	// Dir overrides the embedded prompt templates when set.
	Dir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Archive: ArchiveConfig{
			BaseURL: "http://localhost:8000",
		},
		Inference: InferenceConfig{
			BaseURL:     "http://localhost:11434",
			FastModel:   "phi3.5",
			DeepModel:   "mistral-nemo",
			EmbedModel:  "nomic-embed-text",
			VisionModel: "minicpm-v",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Loop: LoopConfig{
			MaxRetries: 3,
		},
		Jobs: JobsConfig{
			RateLimit: 30,
		},
		OCR: OCRConfig{
			MaxPages: 25,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/docsmith/config.json, then applies DOCSMITH_* environment
// overrides. Secrets (archive token, API token) are env-only and never
// written to the file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Archive.Token == "" {
		return Config{}, fmt.Errorf("missing required config: archive API token. " +
			"Set it via environment variable DOCSMITH_ARCHIVE_TOKEN")
	}

	return cfg, nil
}
