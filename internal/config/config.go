package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Session    SessionConfig
	Chat       ChatConfig
	Retrieval  RetrievalConfig
	Vault      VaultConfig
	Rewards    RewardsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

// GenerationConfig points at the OpenAI-compatible completion backend.
type GenerationConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type SessionConfig struct {
	BaseURL       string
	WalletAddress string
}

type ChatConfig struct {
	HistoryWindow     int
	PersonaEnabled    bool
	GenerationTimeout string
}

// Timeout parses GenerationTimeout, falling back to 60s on bad input.
func (c ChatConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.GenerationTimeout)
	if err != nil || d <= 0 {
		slog.Warn("invalid generation timeout, using default 60s", "value", c.GenerationTimeout, "error", err)
		return 60 * time.Second
	}
	return d
}

type RetrievalConfig struct {
	TopK      int
	Threshold float64
}

type VaultConfig struct {
	AuthorizationsPerMinute int
}

type RewardsConfig struct {
	InferenceAmount int
	FirstChatAmount int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "anthropic/claude-sonnet-4",
		},
		Session: SessionConfig{
			BaseURL: "http://127.0.0.1:8787",
		},
		Chat: ChatConfig{
			HistoryWindow:     12,
			PersonaEnabled:    true,
			GenerationTimeout: "60s",
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			Threshold: 0.5,
		},
		Vault: VaultConfig{
			AuthorizationsPerMinute: 6,
		},
		Rewards: RewardsConfig{
			InferenceAmount: 10,
			FirstChatAmount: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.vaultchat.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/vaultchat/config.json
// and secrets come from environment variables or the secrets file under
// $XDG_DATA_HOME/vaultchat.
//
// Environment variables (VAULTCHAT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts secret storage for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const keychainService = "vaultchat"

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	applyBackend(&cfg, b)

	applyEnvOverrides(&cfg)

	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get(keychainService, "generation_api_key"); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}

	if cfg.Generation.APIKey == "" {
		msg := "missing required config: generation API key. " +
			"Set it via environment variable VAULTCHAT_GENERATION_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
