package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"

	ProviderOpenAI     = "openai"
	ProviderCustomHTTP = "custom_http"
)

var (
	ErrMissingBotToken     = errors.New("bot token is required (DISCORD_BOT_TOKEN or TELEGRAM_BOT_TOKEN)")
	ErrUnsupportedPlatform = errors.New("PLATFORM must be 'discord' or 'telegram'")
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrMissingMasterKey    = errors.New("at least one master key is required")
	ErrInvalidChunkLimit   = errors.New("MESSAGE_MAX_LENGTH must be between 100 and 4000")
)

type Config struct {
	Platform string

	Discord  DiscordConfig
	Telegram TelegramConfig
	HTTP     HTTPConfig
	Redis    RedisConfig
	DB       DBConfig
	Model    ModelConfig
	History  HistoryConfig
	Geo      GeoConfig
	Usage    UsageConfig
	Worker   WorkerConfig
	Crypto   CryptoConfig
	Log      LogConfig

	MessageMaxLength int
}

type DiscordConfig struct {
	Token       string
	GuildID     string
	SyncOnStart bool
}

type TelegramConfig struct {
	Token          string
	DevPolling     bool
	WebhookURL     string
	WebhookPath    string
	WebhookSecret  string
	TurnLogSize    int64
	TurnLogTTL     time.Duration
	AllowedUserID  int64
	AdminCacheTTL  time.Duration
	WizardTTL      time.Duration
	WebhookTimeout time.Duration
	ForumTopics    bool
}

type HTTPConfig struct {
	ListenAddr    string
	HealthPath    string
	MetricsPath   string
	ClientTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	UsageStream string
	UsageGroup  string
	StreamBlock time.Duration
	DedupeTTL   time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type ModelConfig struct {
	ProviderKind   string
	BaseURL        string
	BodyTemplate   string
	DefaultModel   string
	StreamModels   []string
	CheapModel     string
	MaxTokens      int
	MaxAttempts    int
	RetryDelay     time.Duration
	TitleMaxLength int
}

type HistoryConfig struct {
	MaxTokensToSummarize int
	MaxSummaryLength     int
	FetchLimit           int
}

type GeoConfig struct {
	APIKey   string
	CacheTTL time.Duration
}

type UsageConfig struct {
	RequestsPerHour   int64
	MonthlyTokenLimit int64
	RolloverSchedule  string
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// Load reads the process environment. A .env file in the working directory is
// applied first; variables that are already set win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Platform: strings.ToLower(mustEnv("PLATFORM", PlatformDiscord)),
		Discord: DiscordConfig{
			Token:       mustEnv("DISCORD_BOT_TOKEN", ""),
			GuildID:     mustEnv("DISCORD_GUILD_ID", ""),
			SyncOnStart: mustBool("DISCORD_SYNC_COMMANDS", true),
		},
		Telegram: TelegramConfig{
			Token:          mustEnv("TELEGRAM_BOT_TOKEN", ""),
			DevPolling:     mustBool("TELEGRAM_POLLING", true),
			WebhookURL:     mustEnv("TELEGRAM_WEBHOOK_URL", ""),
			WebhookPath:    strings.Trim(mustEnv("TELEGRAM_WEBHOOK_PATH", "telegram"), "/"),
			WebhookSecret:  mustEnv("TELEGRAM_WEBHOOK_SECRET", ""),
			TurnLogSize:    int64(mustInt("TELEGRAM_TURN_LOG_SIZE", 50)),
			TurnLogTTL:     mustDuration("TELEGRAM_TURN_LOG_TTL", 72*time.Hour),
			AllowedUserID:  mustInt64("TELEGRAM_ALLOWED_USER_ID", 0),
			AdminCacheTTL:  mustDuration("TELEGRAM_ADMIN_CACHE_TTL", 10*time.Minute),
			WizardTTL:      mustDuration("TELEGRAM_WIZARD_TTL", 20*time.Minute),
			WebhookTimeout: mustDuration("TELEGRAM_WEBHOOK_TIMEOUT", 8*time.Second),
			ForumTopics:    mustBool("TELEGRAM_FORUM_TOPICS", true),
		},
		HTTP: HTTPConfig{
			ListenAddr:    mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:    mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:   mustEnv("METRICS_PATH", "/metrics"),
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			UsageStream: mustEnv("USAGE_STREAM", "kittybot:usage"),
			UsageGroup:  mustEnv("USAGE_GROUP", "kittybot-usage"),
			StreamBlock: mustDuration("USAGE_STREAM_BLOCK", 5*time.Second),
			DedupeTTL:   mustDuration("MESSAGE_DEDUPE_TTL", 6*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "kittybot.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Model: ModelConfig{
			ProviderKind:   strings.ToLower(mustEnv("MODEL_PROVIDER", ProviderOpenAI)),
			BaseURL:        mustEnv("MODEL_BASE_URL", ""),
			BodyTemplate:   mustEnv("MODEL_BODY_TEMPLATE", ""),
			DefaultModel:   mustEnv("MODEL_DEFAULT", "gpt-4"),
			StreamModels:   mustList("MODEL_STREAM_MODELS", []string{"gpt-4"}),
			CheapModel:     mustEnv("MODEL_CHEAP", "gpt-3.5-turbo"),
			MaxTokens:      mustInt("MODEL_MAX_TOKENS", 3000),
			MaxAttempts:    mustInt("MODEL_MAX_ATTEMPTS", 5),
			RetryDelay:     mustDuration("MODEL_RETRY_DELAY", 5*time.Second),
			TitleMaxLength: mustInt("THREAD_TITLE_MAX_LENGTH", 100),
		},
		History: HistoryConfig{
			MaxTokensToSummarize: mustInt("HISTORY_MAX_TOKENS_TO_SUMMARIZE", 2000),
			MaxSummaryLength:     mustInt("HISTORY_MAX_SUMMARY_LENGTH", 500),
			FetchLimit:           mustInt("HISTORY_FETCH_LIMIT", 15),
		},
		Geo: GeoConfig{
			APIKey:   mustEnv("GEO_GOOGLE_API_KEY", ""),
			CacheTTL: mustDuration("GEO_CACHE_TTL", 30*24*time.Hour),
		},
		Usage: UsageConfig{
			RequestsPerHour:   int64(mustInt("RATE_LIMIT_PER_HOUR", 0)),
			MonthlyTokenLimit: mustInt64("USAGE_MONTHLY_TOKEN_LIMIT", 0),
			RolloverSchedule:  mustEnv("USAGE_ROLLOVER_SCHEDULE", "0 0 1 * *"),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("USAGE_WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("USAGE_WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("USAGE_WORKER_MAX_RETRIES", 3),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
		MessageMaxLength: mustInt("MESSAGE_MAX_LENGTH", 0),
	}

	switch cfg.Platform {
	case PlatformDiscord:
		if cfg.Discord.Token == "" {
			return nil, ErrMissingBotToken
		}
		if cfg.MessageMaxLength == 0 {
			// Discord allows 2000; leave headroom for fence re-opening.
			cfg.MessageMaxLength = 1700
		}
	case PlatformTelegram:
		if cfg.Telegram.Token == "" {
			return nil, ErrMissingBotToken
		}
		if cfg.MessageMaxLength == 0 {
			cfg.MessageMaxLength = 3800
		}
	default:
		return nil, ErrUnsupportedPlatform
	}
	if cfg.MessageMaxLength < 100 || cfg.MessageMaxLength > 4000 {
		return nil, ErrInvalidChunkLimit
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Model.ProviderKind != ProviderOpenAI && cfg.Model.ProviderKind != ProviderCustomHTTP {
		return nil, fmt.Errorf("unsupported MODEL_PROVIDER %q", cfg.Model.ProviderKind)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// LoadStorageOnly loads the subset needed by maintenance commands that never
// talk to a chat platform.
func LoadStorageOnly() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "kittybot.db"),
			AutoMigrate: true,
		},
		Log: LogConfig{Level: strings.ToLower(mustEnv("LOG_LEVEL", "info"))},
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc
	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several master keys are configured")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func mustList(key string, def []string) []string {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	out := make([]string, 0)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
