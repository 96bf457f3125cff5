package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               int
	NatsURL            string
	NatsToken          string
	DatabaseURL        string
	LogLevel           string
	BatchSize          int
	RetryBackoff       time.Duration
	MaxAttachmentBytes int64
	StateFile          string
	Timezone           string
	Workers            int
	BackupPassword     string
	SlackBotToken      string
	SlackChannel       string
	CORSOrigins        []string
}

// Load reads the environment. A .env file in the working directory is applied
// first when present; variables already set take precedence over it.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:               envInt("ARCHIVIST_PORT", 8760),
		NatsURL:            envStr("NATS_URL", ""),
		NatsToken:          envStr("NATS_TOKEN", ""),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		LogLevel:           envStr("LOG_LEVEL", "info"),
		BatchSize:          envInt("ARCHIVIST_BATCH_SIZE", 500),
		RetryBackoff:       envDuration("ARCHIVIST_RETRY_BACKOFF", 500*time.Millisecond),
		MaxAttachmentBytes: envInt64("ARCHIVIST_MAX_ATTACHMENT_BYTES", 100<<20),
		StateFile:          envStr("ARCHIVIST_STATE_FILE", "~/.archivist/import-state.json"),
		Timezone:           envStr("ARCHIVIST_TIMEZONE", "Local"),
		Workers:            envInt("ARCHIVIST_WORKERS", 4),
		BackupPassword:     envStr("BACKUP_PASSWORD", ""),
		SlackBotToken:      envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:       envStr("SLACK_CHANNEL", ""),
		CORSOrigins:        envList("ARCHIVIST_CORS_ORIGINS"),
	}
}

// Location resolves Timezone, falling back to the local zone.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated value, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
