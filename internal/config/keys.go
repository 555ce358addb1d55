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
	kBool
	kFloat
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
		key: "server.port", typ: kInt, env: "VAULTCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "VAULTCHAT_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "ollama.base_url", typ: kString, env: "VAULTCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "VAULTCHAT_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "VAULTCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VAULTCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "generation.base_url", typ: kString, env: "VAULTCHAT_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.model", typ: kString, env: "VAULTCHAT_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.api_key", typ: kString, env: "VAULTCHAT_GENERATION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "session.base_url", typ: kString, env: "VAULTCHAT_SESSION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Session.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.BaseURL },
	},
	{
		key: "session.wallet_address", typ: kString, env: "VAULTCHAT_SESSION_WALLET_ADDRESS",
		apply:   func(cfg *Config, v any) { cfg.Session.WalletAddress = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.WalletAddress },
	},
	{
		key: "chat.history_window", typ: kInt, env: "VAULTCHAT_CHAT_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryWindow },
	},
	{
		key: "chat.persona_enabled", typ: kBool, env: "VAULTCHAT_CHAT_PERSONA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Chat.PersonaEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Chat.PersonaEnabled },
	},
	{
		key: "chat.generation_timeout", typ: kString, env: "VAULTCHAT_CHAT_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.GenerationTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.GenerationTimeout },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "VAULTCHAT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "VAULTCHAT_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "vault.authorizations_per_minute", typ: kInt, env: "VAULTCHAT_VAULT_AUTHORIZATIONS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Vault.AuthorizationsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Vault.AuthorizationsPerMinute },
	},
	{
		key: "rewards.inference_amount", typ: kInt, env: "VAULTCHAT_REWARDS_INFERENCE_AMOUNT",
		apply:   func(cfg *Config, v any) { cfg.Rewards.InferenceAmount = v.(int) },
		extract: func(cfg Config) any { return cfg.Rewards.InferenceAmount },
	},
	{
		key: "rewards.first_chat_amount", typ: kInt, env: "VAULTCHAT_REWARDS_FIRST_CHAT_AMOUNT",
		apply:   func(cfg *Config, v any) { cfg.Rewards.FirstChatAmount = v.(int) },
		extract: func(cfg Config) any { return cfg.Rewards.FirstChatAmount },
	},
	{
		key: "log.level", typ: kString, env: "VAULTCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// readBackend fetches one key from b as the Go type its keySpec declares.
func readBackend(b ConfigBackend, s keySpec) (any, bool, error) {
	switch s.typ {
	case kInt:
		return wrap(b.GetInt(s.key))
	case kBool:
		return wrap(b.GetBool(s.key))
	case kFloat:
		return wrap(b.GetFloat(s.key))
	default:
		return wrap(b.GetString(s.key))
	}
}

func wrap[T any](v T, ok bool, err error) (any, bool, error) {
	return v, ok, err
}

func applyBackend(cfg *Config, b ConfigBackend) {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := readBackend(b, s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config key %s: %v. Using default value.\n", s.key, err)
			continue
		}
		if ok {
			s.apply(cfg, v)
		}
	}
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
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
