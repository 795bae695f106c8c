package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// BedrockConfig selects the inference endpoint and the default sampling.
// Credentials are optional; when empty the default AWS chain is used.
type BedrockConfig struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ModelID         string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
}

// AttachmentConfig bounds what may be sent as a document.
type AttachmentConfig struct {
	MaxBytes     int64
	StrictPDF    bool
	FetchTimeout time.Duration
}

// WorkflowConfig controls caller-side behaviour of the document workflows.
type WorkflowConfig struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	StrictRecords bool
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Addr string
}

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig
	Axiom      AxiomConfig
	Bedrock    BedrockConfig
	Attachment AttachmentConfig
	Workflow   WorkflowConfig
	Metrics    MetricsConfig
}

// DefaultModelID is used when BEDROCK_MODEL_ID is not set.
const DefaultModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// DefaultMaxAttachmentBytes is the Converse per-document limit (4.5 MB).
const DefaultMaxAttachmentBytes = 4_718_592

// Load reads an optional .env file and then the environment.
// Variables already present in the environment win over the file.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docinfer",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Bedrock = BedrockConfig{
		Region:          getEnv("AWS_REGION", getEnv("AWS_DEFAULT_REGION", "us-east-1")),
		Profile:         getEnv("AWS_PROFILE", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		SessionToken:    getEnv("AWS_SESSION_TOKEN", ""),
		ModelID:         getEnv("BEDROCK_MODEL_ID", DefaultModelID),
		MaxTokens:       parseInt(getEnv("BEDROCK_MAX_TOKENS", "4096"), 4096),
		Temperature:     parseFloat(getEnv("BEDROCK_TEMPERATURE", "0"), 0),
		Timeout:         parseDuration(getEnv("BEDROCK_TIMEOUT", "120s"), 120*time.Second),
	}
	if cfg.Bedrock.MaxTokens <= 0 {
		cfg.Bedrock.MaxTokens = 4096
	}

	cfg.Attachment = AttachmentConfig{
		MaxBytes:     int64(parseInt(getEnv("ATTACHMENT_MAX_BYTES", ""), DefaultMaxAttachmentBytes)),
		StrictPDF:    parseBool(getEnv("ATTACHMENT_STRICT_PDF", "false")),
		FetchTimeout: parseDuration(getEnv("HTTP_FETCH_TIMEOUT", "30s"), 30*time.Second),
	}

	cfg.Workflow = WorkflowConfig{
		MaxAttempts:   parseInt(getEnv("WORKFLOW_MAX_ATTEMPTS", "1"), 1),
		RetryDelay:    parseDuration(getEnv("WORKFLOW_RETRY_DELAY", "2s"), 2*time.Second),
		StrictRecords: parseBool(getEnv("WORKFLOW_STRICT_RECORDS", "false")),
	}
	if cfg.Workflow.MaxAttempts < 1 {
		cfg.Workflow.MaxAttempts = 1
	}

	cfg.Metrics = MetricsConfig{
		Addr: getEnv("METRICS_ADDR", ""),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
