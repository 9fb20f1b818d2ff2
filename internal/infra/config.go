package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store, broker and auth backends selectable at startup.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	BrokerRedis  = "redis"
	BrokerSQS    = "sqs"
	BrokerMemory = "memory"

	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"
)

const defaultAllowedOrigins = "http://localhost:3000,http://localhost:3001"

// RateLimits holds per-endpoint request budgets within Window.
type RateLimits struct {
	Solve  int
	Job    int
	Parse  int
	Jobs   int
	Window time.Duration
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	ServiceName string

	StoreDriver string
	DatabaseURL string
	DBMaxConns  int
	SQLitePath  string
	RedisURL    string

	DispatchBroker string
	DispatchQueue  string
	SQSQueueURL    string
	AWSRegion      string
	EmbeddedWorker bool

	AuthMode     string
	JWTSecret    string
	AuthIssuer   string
	AuthAudience string

	ParserProvider string
	ParserAPIKey   string
	ParserModel    string
	ParserBaseURL  string

	RenderCommand string
	RenderArgs    []string
	RenderDir     string
	RenderRetries int
	StoragePath   string
	PublicBaseURL string

	WorkerConcurrency int
	TaskSoftLimit     time.Duration
	TaskHardLimit     time.Duration
	TaskMaxDeliveries int
	TaskResultTTL     time.Duration
	StuckJobCeiling   time.Duration

	RateLimits RateLimits

	StripeWebhookSecret string
	PricingFile         string

	AlertEnabled    bool
	AlertWebhookURL string
	AlertDiscordURL string
	AlertSlackURL   string
	AlertCooldown   time.Duration

	GeoIPDBPath    string
	AllowedOrigins []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "orbital-solver"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		SQLitePath:  getEnv("SQLITE_PATH", "./orbital.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		DispatchBroker: strings.ToLower(getEnv("DISPATCH_BROKER", BrokerRedis)),
		DispatchQueue:  getEnv("DISPATCH_QUEUE", "video_render"),
		SQSQueueURL:    os.Getenv("SQS_QUEUE_URL"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		EmbeddedWorker: getEnvBool("EMBEDDED_WORKER", false),

		AuthMode:     strings.ToLower(getEnv("AUTH_MODE", AuthHS256)),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		AuthIssuer:   os.Getenv("AUTH_ISSUER"),
		AuthAudience: getEnv("AUTH_AUDIENCE", "authenticated"),

		ParserProvider: strings.ToLower(getEnv("PARSER_PROVIDER", "deepseek")),
		ParserAPIKey:   os.Getenv("PARSER_API_KEY"),
		ParserModel:    os.Getenv("PARSER_MODEL"),
		ParserBaseURL:  os.Getenv("PARSER_BASE_URL"),

		RenderCommand: getEnv("RENDER_COMMAND", "python3"),
		RenderArgs:    splitList(getEnv("RENDER_ARGS", "pipeline.py")),
		RenderDir:     os.Getenv("RENDER_DIR"),
		RenderRetries: getEnvInt("RENDER_RETRIES", 2),
		StoragePath:   getEnv("STORAGE_PATH", "./storage"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		TaskSoftLimit:     getEnvDuration("TASK_SOFT_LIMIT_SECONDS", 540*time.Second),
		TaskHardLimit:     getEnvDuration("TASK_HARD_LIMIT_SECONDS", 600*time.Second),
		TaskMaxDeliveries: getEnvInt("TASK_MAX_DELIVERIES", 3),
		TaskResultTTL:     getEnvDuration("TASK_RESULT_TTL_SECONDS", 24*time.Hour),
		StuckJobCeiling:   getEnvDuration("STUCK_JOB_CEILING_SECONDS", 15*time.Minute),

		RateLimits: RateLimits{
			Solve:  getEnvInt("RATE_LIMIT_SOLVE", 5),
			Job:    getEnvInt("RATE_LIMIT_JOB", 60),
			Parse:  getEnvInt("RATE_LIMIT_PARSE", 20),
			Jobs:   getEnvInt("RATE_LIMIT_JOBS", 30),
			Window: getEnvDuration("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		},

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PricingFile:         os.Getenv("PRICING_FILE"),

		AlertEnabled:    getEnvBool("ALERT_ENABLED", true),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		AlertDiscordURL: os.Getenv("ALERT_DISCORD_URL"),
		AlertSlackURL:   os.Getenv("ALERT_SLACK_URL"),
		AlertCooldown:   getEnvDuration("ALERT_COOLDOWN_SECONDS", time.Minute),

		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),
		AllowedOrigins: splitList(strings.ReplaceAll(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigins), ",", " ")),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.DispatchBroker {
	case BrokerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case BrokerSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unsupported DISPATCH_BROKER %q", c.DispatchBroker)
	}

	switch c.AuthMode {
	case AuthHS256:
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
	case AuthJWKS:
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.TaskSoftLimit >= c.TaskHardLimit {
		return fmt.Errorf("TASK_SOFT_LIMIT_SECONDS must be below TASK_HARD_LIMIT_SECONDS")
	}
	if c.StuckJobCeiling <= c.TaskHardLimit {
		return fmt.Errorf("STUCK_JOB_CEILING_SECONDS must exceed TASK_HARD_LIMIT_SECONDS")
	}
	return nil
}

// IsDevelopment reports whether verbose local defaults apply.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Fields(raw) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
