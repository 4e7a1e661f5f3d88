package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Environment   string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	Storage       string `mapstructure:"STORAGE"`
	DBDSN         string `mapstructure:"DB_DSN"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	AssignmentTTL   time.Duration `mapstructure:"ASSIGNMENT_TTL"`
	CancelCutoff    time.Duration `mapstructure:"CANCEL_CUTOFF"`
	NoShowGrace     time.Duration `mapstructure:"NO_SHOW_GRACE"`
	AllowLateCancel bool          `mapstructure:"ALLOW_LATE_CANCEL"`

	ShareTokenTTL          time.Duration `mapstructure:"SHARE_TOKEN_TTL"`
	ShareTokenPepper       string        `mapstructure:"SHARE_TOKEN_PEPPER"`
	TokenRotateAccessCount int64         `mapstructure:"TOKEN_ROTATE_ACCESS_COUNT"`
	TokenRotateAge         time.Duration `mapstructure:"TOKEN_ROTATE_AGE"`

	RedisAddr          string `mapstructure:"REDIS_ADDR"`
	RedisPassword      string `mapstructure:"REDIS_PASSWORD"`
	RedisDB            int    `mapstructure:"REDIS_DB"`
	RedisEventsChannel string `mapstructure:"REDIS_EVENTS_CHANNEL"`

	TelegramToken        string `mapstructure:"TELEGRAM_TOKEN"`
	TelegramNotifyChatID int64  `mapstructure:"TELEGRAM_NOTIFY_CHAT_ID"`
}

func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файла нет)
	if err := godotenv.Load(".env"); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	} else {
		log.Println("✅ Loaded configuration from .env file")
	}

	return FromEnv(os.Getenv)
}

// FromEnv собирает конфиг из getenv; отдельно от Load ради тестов
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Environment:   p.str("ENV", "development"),
		LogLevel:      getenv("LOG_LEVEL"),
		Storage:       p.str("STORAGE", StoragePostgres),
		DBDSN:         getenv("DB_DSN"),
		MigrationsDir: getenv("MIGRATIONS_DIR"),

		SweepInterval:   p.duration("SWEEP_INTERVAL", time.Hour),
		AssignmentTTL:   p.duration("ASSIGNMENT_TTL", 48*time.Hour),
		CancelCutoff:    p.duration("CANCEL_CUTOFF", 24*time.Hour),
		NoShowGrace:     p.duration("NO_SHOW_GRACE", 2*time.Hour),
		AllowLateCancel: p.boolean("ALLOW_LATE_CANCEL", true),

		ShareTokenTTL:          p.duration("SHARE_TOKEN_TTL", 365*24*time.Hour),
		ShareTokenPepper:       getenv("SHARE_TOKEN_PEPPER"),
		TokenRotateAccessCount: int64(p.integer("TOKEN_ROTATE_ACCESS_COUNT", 500)),
		TokenRotateAge:         p.duration("TOKEN_ROTATE_AGE", 180*24*time.Hour),

		RedisAddr:          getenv("REDIS_ADDR"),
		RedisPassword:      getenv("REDIS_PASSWORD"),
		RedisDB:            p.integer("REDIS_DB", 0),
		RedisEventsChannel: p.str("REDIS_EVENTS_CHANNEL", "booking:events"),

		TelegramToken:        getenv("TELEGRAM_TOKEN"),
		TelegramNotifyChatID: int64(p.integer("TELEGRAM_NOTIFY_CHAT_ID", 0)),
	}

	if p.err != nil {
		return nil, p.err
	}

	// Проверяем обязательные поля
	switch cfg.Storage {
	case StoragePostgres:
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required but not set")
		}
	case StorageMemory:
	default:
		return nil, fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, cfg.Storage)
	}

	if cfg.Environment == "production" && cfg.ShareTokenPepper == "" {
		return nil, fmt.Errorf("SHARE_TOKEN_PEPPER is required in production")
	}
	if cfg.TelegramToken != "" && cfg.TelegramNotifyChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_NOTIFY_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}
	if cfg.SweepInterval <= 0 || cfg.AssignmentTTL <= 0 || cfg.ShareTokenTTL <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL, ASSIGNMENT_TTL and SHARE_TOKEN_TTL must be positive")
	}

	return cfg, nil
}

// parser запоминает первую ошибку разбора
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
	return b
}

func (c *Config) GetDBDSN() string {
	return c.DBDSN
}
