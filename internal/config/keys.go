package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCSMITH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DOCSMITH_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCSMITH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "archive.base_url", typ: kString, env: "DOCSMITH_ARCHIVE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Archive.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.BaseURL },
	},
	{
		key: "archive.token", typ: kString, env: "DOCSMITH_ARCHIVE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Archive.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Token },
	},
	{
		key: "inference.base_url", typ: kString, env: "DOCSMITH_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.fast_model", typ: kString, env: "DOCSMITH_INFERENCE_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.FastModel },
	},
	{
		key: "inference.deep_model", typ: kString, env: "DOCSMITH_INFERENCE_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.DeepModel },
	},
	{
		key: "inference.embed_model", typ: kString, env: "DOCSMITH_INFERENCE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.EmbedModel },
	},
	{
		key: "inference.vision_model", typ: kString, env: "DOCSMITH_INFERENCE_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.VisionModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCSMITH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "loop.max_retries", typ: kInt, env: "DOCSMITH_LOOP_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Loop.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Loop.MaxRetries },
	},
	{
		key: "jobs.rate_limit", typ: kInt, env: "DOCSMITH_JOBS_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RateLimit },
	},
	{
		key: "ocr.max_pages", typ: kInt, env: "DOCSMITH_OCR_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.OCR.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.OCR.MaxPages },
	},
	{
		key: "templates.dir", typ: kString, env: "DOCSMITH_TEMPLATES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Templates.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Templates.Dir },
	},
	{
		key: "log.level", typ: kString, env: "DOCSMITH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
