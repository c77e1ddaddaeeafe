package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr        string `envconfig:"ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"model-gateway"`

	DatabaseURL  string `envconfig:"DATABASE_URL"`
	RedisURL     string `envconfig:"REDIS_URL"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	AWSRegion    string `envconfig:"AWS_REGION"`

	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com/v1"`
	OllamaBaseURL    string `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	BedrockEnabled   bool   `envconfig:"BEDROCK_ENABLED" default:"false"`
	DefaultProvider  string `envconfig:"DEFAULT_PROVIDER" default:"ollama"`
	// ProviderSecretName names a Secrets Manager JSON secret with provider
	// API keys; keys set in the environment take precedence.
	ProviderSecretName string `envconfig:"PROVIDER_SECRET_NAME"`

	StreamIdleTimeout time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"60s"`
	// RateLimitRPM caps chat requests per app scope per minute; 0 disables.
	RateLimitRPM int `envconfig:"RATE_LIMIT_RPM" default:"0"`

	// Either SigningSecret (HKDF master) or SigningSecretName (Secrets
	// Manager JSON map of scope to key) must be set.
	SigningSecret       string        `envconfig:"SIGNING_SECRET"`
	SigningSecretName   string        `envconfig:"SIGNING_SECRET_NAME"`
	SignatureWindow     time.Duration `envconfig:"SIGNATURE_WINDOW" default:"30s"`
	RemoteServiceSecret string        `envconfig:"REMOTE_SERVICE_SECRET"`

	// ForwardTargets maps a service name to its base URL: "billing:http://billing:8080,search:http://search".
	ForwardTargets Targets `envconfig:"FORWARD_TARGETS"`

	DefaultAppScope     string        `envconfig:"DEFAULT_APP_SCOPE" default:"default"`
	MeteringQueueURL    string        `envconfig:"METERING_QUEUE_URL"`
	NotifyTopicARN      string        `envconfig:"NOTIFY_TOPIC_ARN"`
	AggregationSchedule string        `envconfig:"AGGREGATION_SCHEDULE" default:"5 * * * *"`
	ArchivalSchedule    string        `envconfig:"ARCHIVAL_SCHEDULE" default:"30 3 * * *"`
	ArchiveAfter        time.Duration `envconfig:"ARCHIVE_AFTER" default:"2160h"`
	ArchiveBatchSize    int           `envconfig:"ARCHIVE_BATCH_SIZE" default:"1000"`
	ColdStorePath       string        `envconfig:"COLD_STORE_PATH" default:"./data/cold.db"`
	BackfillSlice       time.Duration `envconfig:"BACKFILL_SLICE" default:"24h"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	DrainTimeout    time.Duration `envconfig:"DRAIN_TIMEOUT" default:"15s"`
}

// Targets decodes "name:url,name:url". Only the first colon separates the
// name, so URLs keep their scheme and port.
type Targets map[string]string

func (t *Targets) Decode(value string) error {
	m := make(Targets)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("invalid target %q: want name:url", pair)
		}
		m[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	*t = m
	return nil
}

const maxSignatureWindow = 5 * time.Minute

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SigningSecret == "" && c.SigningSecretName == "" {
		return fmt.Errorf("config: one of SIGNING_SECRET or SIGNING_SECRET_NAME is required")
	}
	if c.SigningSecretName != "" && c.AWSRegion == "" {
		return fmt.Errorf("config: SIGNING_SECRET_NAME requires AWS_REGION")
	}
	if c.ProviderSecretName != "" && c.AWSRegion == "" {
		return fmt.Errorf("config: PROVIDER_SECRET_NAME requires AWS_REGION")
	}
	if c.SignatureWindow <= 0 || c.SignatureWindow > maxSignatureWindow {
		return fmt.Errorf("config: SIGNATURE_WINDOW must be in (0, %s], got %s", maxSignatureWindow, c.SignatureWindow)
	}
	if c.DefaultAppScope == "" {
		return fmt.Errorf("config: DEFAULT_APP_SCOPE must not be empty")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must not be negative")
	}
	if c.ArchiveBatchSize <= 0 {
		return fmt.Errorf("config: ARCHIVE_BATCH_SIZE must be positive")
	}
	if c.BackfillSlice < time.Hour {
		return fmt.Errorf("config: BACKFILL_SLICE must be at least 1h")
	}
	if c.ArchiveAfter < 24*time.Hour {
		return fmt.Errorf("config: ARCHIVE_AFTER must be at least 24h")
	}
	for name, url := range c.ForwardTargets {
		if name == "" || url == "" {
			return fmt.Errorf("config: FORWARD_TARGETS entry %q:%q is incomplete", name, url)
		}
	}
	return nil
}
