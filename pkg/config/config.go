package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	Tokens   TokenConfig
	CORS     CORSConfig
	Log      LogConfig
	Audit    AuditConfig
	Sessions SessionConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TokenConfig governs access/refresh token issuance.
type TokenConfig struct {
	Secret          string
	Issuer          string
	Audience        []string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig tunes the asynchronous audit-log writer.
type AuditConfig struct {
	Enabled           bool
	WorkerConcurrency int
	WorkerRetries     int
}

// SessionConfig tunes session lifecycle behaviour.
type SessionConfig struct {
	// RotationGrace bounds how long a just-rotated refresh token stays valid.
	RotationGrace time.Duration
	// RotationAttempts caps compare-and-swap retries on concurrent rotation.
	RotationAttempts int
	// AccountCacheTTL bounds the redis cache of session account info.
	AccountCacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Tokens = TokenConfig{
		Secret:          v.GetString("TOKEN_SECRET"),
		Issuer:          v.GetString("TOKEN_ISSUER"),
		Audience:        splitAndTrim(v.GetString("TOKEN_AUDIENCE")),
		AccessLifetime:  parseDuration(v.GetString("ACCESS_TOKEN_LIFETIME"), 120*time.Minute),
		RefreshLifetime: parseDuration(v.GetString("REFRESH_TOKEN_LIFETIME"), 90*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Enabled:           v.GetBool("ENABLE_AUDIT"),
		WorkerConcurrency: v.GetInt("AUDIT_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("AUDIT_WORKER_RETRIES"),
	}

	cfg.Sessions = SessionConfig{
		RotationGrace:    parseDuration(v.GetString("ROTATION_GRACE"), 2*time.Hour),
		RotationAttempts: v.GetInt("ROTATION_ATTEMPTS"),
		AccountCacheTTL:  parseDuration(v.GetString("ACCOUNT_CACHE_TTL"), 5*time.Minute),
	}
	if cfg.Sessions.RotationAttempts <= 0 {
		cfg.Sessions.RotationAttempts = 3
	}

	if cfg.Tokens.Secret == "" {
		return nil, errors.New("TOKEN_SECRET must be configured")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "session_api")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("TOKEN_ISSUER", "session-api")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_AUDIT", true)
	v.SetDefault("AUDIT_WORKER_CONCURRENCY", 2)
	v.SetDefault("AUDIT_WORKER_RETRIES", 3)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
