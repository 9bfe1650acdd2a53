// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/keyrelay/internal/domain/model"
)

// Storage backends selectable with KEYRELAY_STORE.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// secretKeyLen is the decoded length of KEYRELAY_SECRET_KEY (AES-256).
const secretKeyLen = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level
	SecretKey  []byte

	Store         string
	DBPath        string
	StateFile     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	UpstreamURL     string
	ValidateTimeout time.Duration
	ValidateRPS     float64
	ValidateBurst   int
	KeyPattern      *regexp.Regexp

	OpenRouterModels       []string
	OpenRouterDefaultModel string
	OllamaURL              string
	OllamaModels           []string
	OllamaDefaultModel     string
	OllamaStartCmd         []string
	PhindURL               string
	PhindOpenCmd           []string
	ProbeTimeout           time.Duration

	ProvisionCmd     []string
	ProvisionTimeout time.Duration
	ClientConfigPath string

	CheckInterval time.Duration
	MaxErrorCount int
	AutoRotate    bool

	DaemonPollWait    time.Duration
	DaemonIdleWait    time.Duration
	DaemonStopTimeout time.Duration
	DaemonAutostart   bool
}

// PhindRecoverCmd returns the command that opens the Phind URL when its
// readiness check fails, or nil when no opener is configured.
func (c *Config) PhindRecoverCmd() []string {
	if len(c.PhindOpenCmd) == 0 {
		return nil
	}
	return append(slices.Clone(c.PhindOpenCmd), c.PhindURL)
}

// Settings returns the initial rotation settings used when none are stored.
func (c *Config) Settings() model.Settings {
	return model.Settings{
		AutoRotate:    c.AutoRotate,
		CheckInterval: c.CheckInterval,
		MaxErrorCount: c.MaxErrorCount,
	}
}

// ProviderProfiles returns the provider catalog in fallback order.
func (c *Config) ProviderProfiles() []model.ProviderProfile {
	return []model.ProviderProfile{
		{
			Name:         model.ProviderOpenRouter,
			DisplayName:  "OpenRouter",
			BaseURL:      c.UpstreamURL,
			Models:       c.OpenRouterModels,
			DefaultModel: c.OpenRouterDefaultModel,
		},
		{
			Name:         model.ProviderOllama,
			DisplayName:  "Ollama",
			BaseURL:      c.OllamaURL,
			Models:       c.OllamaModels,
			DefaultModel: c.OllamaDefaultModel,
		},
		{
			Name:        model.ProviderPhind,
			DisplayName: "Phind",
			BaseURL:     c.PhindURL,
		},
	}
}

var (
	defaultOpenRouterModels = []string{
		"openai/gpt-3.5-turbo",
		"openai/gpt-4",
		"anthropic/claude-3-opus",
		"anthropic/claude-3-sonnet",
		"anthropic/claude-3-haiku",
		"meta-llama/llama-3-70b-instruct",
		"meta-llama/llama-3-8b-instruct",
	}
	defaultOllamaModels = []string{"llama3", "mistral", "codellama", "phi"}
)

// Load reads configuration from environment variables and returns a validated Config.
// KEYRELAY_SECRET_KEY (64 hex characters) is required; every other variable
// has a default.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		ListenAddr: l.str("KEYRELAY_LISTEN_ADDR", "127.0.0.1:8080"),
		LogLevel:   l.level("KEYRELAY_LOG_LEVEL", slog.LevelInfo),
		SecretKey:  l.secretKey("KEYRELAY_SECRET_KEY"),

		Store:         strings.ToLower(l.str("KEYRELAY_STORE", StoreSQLite)),
		DBPath:        l.str("KEYRELAY_DB_PATH", "keyrelay.db"),
		StateFile:     l.str("KEYRELAY_STATE_FILE", "keyrelay.json"),
		RedisAddr:     l.str("KEYRELAY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: l.str("KEYRELAY_REDIS_PASSWORD", ""),
		RedisDB:       l.integer("KEYRELAY_REDIS_DB", 0, 0),
		RedisPrefix:   l.str("KEYRELAY_REDIS_PREFIX", "keyrelay"),

		UpstreamURL:     l.str("KEYRELAY_UPSTREAM_URL", "https://openrouter.ai/api/v1"),
		ValidateTimeout: l.duration("KEYRELAY_VALIDATE_TIMEOUT", 10*time.Second),
		ValidateRPS:     l.float("KEYRELAY_VALIDATE_RPS", 2),
		ValidateBurst:   l.integer("KEYRELAY_VALIDATE_BURST", 4, 1),
		KeyPattern:      l.pattern("KEYRELAY_KEY_PATTERN", `^sk-or-[A-Za-z0-9-]{30,}$`),

		OpenRouterModels:       l.list("KEYRELAY_OPENROUTER_MODELS", defaultOpenRouterModels),
		OpenRouterDefaultModel: l.str("KEYRELAY_OPENROUTER_DEFAULT_MODEL", "openai/gpt-3.5-turbo"),
		OllamaURL:              l.str("KEYRELAY_OLLAMA_URL", "http://localhost:11434"),
		OllamaModels:           l.list("KEYRELAY_OLLAMA_MODELS", defaultOllamaModels),
		OllamaDefaultModel:     l.str("KEYRELAY_OLLAMA_DEFAULT_MODEL", "llama3"),
		OllamaStartCmd:         l.args("KEYRELAY_OLLAMA_START_CMD", []string{"ollama", "serve"}),
		PhindURL:               l.str("KEYRELAY_PHIND_URL", "https://www.phind.com/"),
		PhindOpenCmd:           l.args("KEYRELAY_PHIND_OPEN_CMD", nil),
		ProbeTimeout:           l.duration("KEYRELAY_PROBE_TIMEOUT", 2*time.Second),

		ProvisionCmd:     l.args("KEYRELAY_PROVISION_CMD", nil),
		ProvisionTimeout: l.duration("KEYRELAY_PROVISION_TIMEOUT", 5*time.Minute),
		ClientConfigPath: l.str("KEYRELAY_CLIENT_CONFIG_PATH", ""),

		CheckInterval: l.duration("KEYRELAY_CHECK_INTERVAL", 5*time.Minute),
		MaxErrorCount: l.integer("KEYRELAY_MAX_ERROR_COUNT", 3, 1),
		AutoRotate:    l.boolean("KEYRELAY_AUTO_ROTATE", true),

		DaemonPollWait:    l.duration("KEYRELAY_DAEMON_POLL_WAIT", 10*time.Second),
		DaemonIdleWait:    l.duration("KEYRELAY_DAEMON_IDLE_WAIT", 60*time.Second),
		DaemonStopTimeout: l.duration("KEYRELAY_DAEMON_STOP_TIMEOUT", 5*time.Second),
		DaemonAutostart:   l.boolean("KEYRELAY_DAEMON_AUTOSTART", true),
	}

	if l.err != nil {
		return nil, l.err
	}

	switch cfg.Store {
	case StoreSQLite, StoreFile, StoreRedis:
	default:
		return nil, fmt.Errorf("KEYRELAY_STORE has invalid value %q: want sqlite, file or redis", cfg.Store)
	}
	if cfg.CheckInterval < time.Second {
		return nil, fmt.Errorf("KEYRELAY_CHECK_INTERVAL must be at least 1s, got %s", cfg.CheckInterval)
	}

	return cfg, nil
}

// loader reads variables and keeps the first error so Load can report it
// after building the whole struct.
type loader struct {
	err error
}

func (l *loader) fail(format string, args ...any) {
	if l.err == nil {
		l.err = fmt.Errorf(format, args...)
	}
}

func (l *loader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		l.fail("%s has invalid duration %q: %w", key, v, err)
		return def
	}
	if parsed <= 0 {
		l.fail("%s must be positive, got %q", key, v)
		return def
	}
	return parsed
}

func (l *loader) integer(key string, def, minimum int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		l.fail("%s has invalid integer %q: %w", key, v, err)
		return def
	}
	if parsed < minimum {
		l.fail("%s must be at least %d, got %d", key, minimum, parsed)
		return def
	}
	return parsed
}

func (l *loader) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail("%s has invalid number %q: %w", key, v, err)
		return def
	}
	return parsed
}

func (l *loader) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		l.fail("%s has invalid boolean %q: %w", key, v, err)
		return def
	}
	return parsed
}

func (l *loader) level(key string, def slog.Level) slog.Level {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		l.fail("%s has invalid level %q: %w", key, v, err)
		return def
	}
	return lvl
}

func (l *loader) pattern(key, def string) *regexp.Regexp {
	v := l.str(key, def)
	re, err := regexp.Compile(v)
	if err != nil {
		l.fail("%s has invalid pattern %q: %w", key, v, err)
		return regexp.MustCompile(def)
	}
	return re
}

// list splits a comma-separated value, dropping empty entries.
func (l *loader) list(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// args splits a command line on whitespace. An empty value disables the command.
func (l *loader) args(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (l *loader) secretKey(key string) []byte {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		l.fail("%s is required (generate one with: openssl rand -hex 32)", key)
		return nil
	}
	decoded, err := hex.DecodeString(v)
	if err != nil || len(decoded) != secretKeyLen {
		l.fail("%s must be %d hex characters", key, secretKeyLen*2)
		return nil
	}
	return decoded
}
