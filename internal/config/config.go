package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string

	BlobBackend string
	BlobDir     string
	GCSBucket   string
	OutputDir   string

	SuggestMinScore float64

	Extractor       string
	GCPProject      string
	VertexRegion    string
	VertexModel     string
	PromptVersion   string
	AIRateLimitRPS  int
	AITimeoutSec    int
	MaxPages        int
	UploadParallel  int
	StepMaxAttempts int
	StepBackoffBase time.Duration

	RedisAddr     string
	RedisPassword string
	RunLockTTL    time.Duration

	HTTPAddr    string
	InboxPrefix string

	CatalogAPIBaseURL   string
	CatalogAPIToken     string
	CatalogRateLimitRPS int
	CatalogTimeoutMs    int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailListenerProvider     string
	MailListenerLabel        string
	MailListenerIntervalSec  int
	MailListenerFetchMax     int
	MailListenerProcessBatch int
	MailListenerAutoExport   bool
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:      getEnv("DB_PATH", filepath.Join(cwd, "data", "app.db")),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		BlobBackend: strings.ToLower(getEnv("BLOB_BACKEND", "local")),
		BlobDir:     getEnv("BLOB_DIR", filepath.Join(cwd, "data", "blobs")),
		GCSBucket:   getEnv("GCS_BUCKET", ""),
		OutputDir:   getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		SuggestMinScore: getEnvFloat("SUGGEST_MIN_SCORE", 0.35),

		Extractor:       strings.ToLower(getEnv("EXTRACTOR", "vertex")),
		GCPProject:      getEnv("GCP_PROJECT", ""),
		VertexRegion:    getEnv("VERTEX_REGION", "us-central1"),
		VertexModel:     getEnv("VERTEX_MODEL", "gemini-1.5-pro"),
		PromptVersion:   getEnv("PROMPT_VERSION", "invoice-v1"),
		AIRateLimitRPS:  getEnvInt("AI_RATE_LIMIT_RPS", 2),
		AITimeoutSec:    getEnvInt("AI_TIMEOUT_SEC", 120),
		MaxPages:        getEnvInt("MAX_PAGES", 50),
		UploadParallel:  getEnvInt("SPLIT_UPLOAD_CONCURRENCY", 8),
		StepMaxAttempts: getEnvInt("STEP_MAX_ATTEMPTS", 3),
		StepBackoffBase: getEnvDuration("STEP_BACKOFF_BASE_MS", time.Millisecond, 2000),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RunLockTTL:    getEnvDuration("RUN_LOCK_TTL_SEC", time.Second, 900),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		InboxPrefix: getEnv("INBOX_PREFIX", "inbox/"),

		CatalogAPIBaseURL:   getEnv("CATALOG_API_BASE_URL", ""),
		CatalogAPIToken:     getEnv("CATALOG_API_TOKEN", ""),
		CatalogRateLimitRPS: getEnvInt("CATALOG_RATE_LIMIT_RPS", 5),
		CatalogTimeoutMs:    getEnvInt("CATALOG_TIMEOUT_MS", 30000),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		MailListenerProvider:     getEnv("MAIL_LISTENER_PROVIDER", "gmail"),
		MailListenerLabel:        getEnv("MAIL_LISTENER_LABEL", "INBOX"),
		MailListenerIntervalSec:  getEnvInt("MAIL_LISTENER_INTERVAL_SEC", 60),
		MailListenerFetchMax:     getEnvInt("MAIL_LISTENER_FETCH_MAX", 20),
		MailListenerProcessBatch: getEnvInt("MAIL_LISTENER_PROCESS_BATCH", 10),
		MailListenerAutoExport:   getEnvBool("MAIL_LISTENER_AUTO_EXPORT", true),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// ModelID is recorded on every parse run.
func (c Config) ModelID() string {
	if c.Extractor == "text" {
		return "text-heuristic"
	}
	return c.VertexModel
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, unit time.Duration, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * unit
}
