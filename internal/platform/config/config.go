package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"domainwatch/internal/domain"
)

// AppName and AppVersion identify the service on outbound requests.
const (
	AppName    = "domainwatch"
	AppVersion = "0.1.0"
)

// Rates holds per-service-class probe budgets, expressed per minute.
type Rates struct {
	DNS      float64
	HTTP     float64
	RDAP     float64
	WHOIS    float64
	ListAPI  float64
	Callback float64
}

// Config captures everything the monitor reads from the environment.
type Config struct {
	// Operational HTTP surface.
	OpsAddr  string
	LogLevel string

	// Callback API.
	CallbackURL          string
	AvailableCallbackURL string
	AuthToken            string
	APITimeout           time.Duration
	APIMaxRetries        int
	APIRetryBackoff      time.Duration

	// Domain list API.
	DomainAPIURL    string
	RefreshInterval time.Duration

	// Check cadence.
	TLow       time.Duration
	THigh      time.Duration
	TConfirmed time.Duration
	TCap       time.Duration

	// Worker pool and per-check deadline.
	Workers      int
	CheckTimeout time.Duration

	// Rate budgets.
	Rates Rates

	// Persistence.
	StateDir     string
	SaveInterval time.Duration

	// Horizontal scaling.
	InstanceID         string
	RedisURL           string
	DistributedLocking bool

	// Shutdown.
	ShutdownGrace time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
// Missing required variables are a fatal configuration error.
func FromEnv() (Config, error) {
	cfg := Config{
		OpsAddr:  envString("OPS_ADDR", ":8000"),
		LogLevel: envString("LOG_LEVEL", "INFO"),

		CallbackURL:          os.Getenv("API_CALLBACK_URL"),
		AvailableCallbackURL: os.Getenv("API_AVAILABLE_CALLBACK_URL"),
		AuthToken:            os.Getenv("API_AUTH_TOKEN"),
		APITimeout:           envSeconds("API_TIMEOUT", 30*time.Second),
		APIMaxRetries:        envInt("API_MAX_RETRIES", 5),
		APIRetryBackoff:      envSeconds("API_RETRY_BACKOFF", time.Second),

		DomainAPIURL:    os.Getenv("DOMAIN_API_URL"),
		RefreshInterval: envSeconds("DOMAIN_API_REFRESH_INTERVAL", 300*time.Second),

		TLow:       envSeconds("T_LOW", 3600*time.Second),
		THigh:      envSeconds("T_HIGH", 300*time.Second),
		TConfirmed: envSeconds("T_CONFIRMED", 6*3600*time.Second),
		TCap:       envSeconds("T_CAP", 24*3600*time.Second),

		Workers:      envInt("WORKERS", 8),
		CheckTimeout: envSeconds("CHECK_TIMEOUT", 60*time.Second),

		Rates: Rates{
			DNS:      envFloat("RATE_DNS", 100),
			HTTP:     envFloat("RATE_HTTP", 60),
			RDAP:     envFloat("RATE_RDAP", 20),
			WHOIS:    envFloat("RATE_WHOIS", 10),
			ListAPI:  envFloat("RATE_LIST_API", 12),
			Callback: envFloat("RATE_CALLBACK", 120),
		},

		StateDir:     envString("STATE_DIR", "/app/state"),
		SaveInterval: envSeconds("STATE_SAVE_INTERVAL", 300*time.Second),

		InstanceID:         envString("INSTANCE_ID", "default"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DistributedLocking: os.Getenv("ENABLE_DISTRIBUTED_LOCKING") == "true",

		ShutdownGrace: envSeconds("SHUTDOWN_GRACE", 30*time.Second),
	}

	if cfg.DomainAPIURL == "" {
		return Config{}, domain.NewError(domain.KindFatal, "config", fmt.Errorf("DOMAIN_API_URL is required"))
	}
	if cfg.CallbackURL == "" {
		return Config{}, domain.NewError(domain.KindFatal, "config", fmt.Errorf("API_CALLBACK_URL is required"))
	}
	if cfg.AvailableCallbackURL == "" {
		cfg.AvailableCallbackURL = cfg.CallbackURL
	}
	if cfg.THigh >= cfg.TLow {
		return Config{}, domain.NewError(domain.KindFatal, "config", fmt.Errorf("T_HIGH (%s) must be shorter than T_LOW (%s)", cfg.THigh, cfg.TLow))
	}
	if cfg.Workers < 1 {
		return Config{}, domain.NewError(domain.KindFatal, "config", fmt.Errorf("WORKERS must be at least 1"))
	}
	if cfg.DistributedLocking && cfg.RedisURL == "" {
		return Config{}, domain.NewError(domain.KindFatal, "config", fmt.Errorf("ENABLE_DISTRIBUTED_LOCKING requires REDIS_URL"))
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envSeconds reads an integer number of seconds, matching how the deployment
// environment has always expressed intervals.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
