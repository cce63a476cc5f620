package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	commoncfg "orthanc-orchestrator/common/config"
	"orthanc-orchestrator/internal/models"

	"github.com/joho/godotenv"
)

// Config orthanc-orchestrator configuration
type Config struct {
	HTTP struct {
		Addr string
	}

	Orthanc struct {
		URL          string
		Username     string
		Password     string
		Timeout      time.Duration
		ProxyEnabled bool // fall unmatched HTTP requests through to Orthanc
	}

	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig

	MQTT struct {
		Enabled bool
		commoncfg.MQTTConfig
		TopicPrefix  string
		ChangesTopic string // empty disables the MQTT change bridge
	}

	// change feed
	Events struct {
		Stream          string
		ConsumerGroup   string
		ConsumerName    string
		BatchSize       int
		DispatchTimeout time.Duration
		IdempotencyTTL  time.Duration
		OutcomeStream   string // empty disables outcome publishing to Redis
	}

	// ingest filter
	Filter struct {
		AllowedModalities []string
		AllowedAETs       []string
		MaxInstances      int64 // 0 disables the instance quota
		MaxDiskMB         int64 // 0 disables the disk quota
		FailMode          string
		Timeout           time.Duration
		QuotaResync       time.Duration // 0 seeds the instance quota only at start
	}

	Routing struct {
		Targets        []models.RouteTarget
		Rules          []models.RouteRule
		MaxAttempts    int
		BackoffInitial time.Duration
		BackoffMax     time.Duration
	}

	Worklist struct {
		Source   string // "postgres" or "memory"
		File     string // JSON seed for the memory source
		CacheTTL time.Duration
		Workers  int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads an optional .env file (ENV_FILE, default ".env") and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Orthanc.URL = getEnv("ORTHANC_URL", "http://localhost:8042")
	cfg.Orthanc.Username = getEnv("ORTHANC_USERNAME", "")
	cfg.Orthanc.Password = getEnv("ORTHANC_PASSWORD", "")
	cfg.Orthanc.Timeout = time.Duration(parseInt(getEnv("ORTHANC_TIMEOUT_SECONDS", "15"), 15)) * time.Second
	cfg.Orthanc.ProxyEnabled = getEnv("ORTHANC_PROXY_ENABLED", "false") == "true"

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "orthanc"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "orthanc-orchestrator"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "orthanc/orchestrator")
	cfg.MQTT.ChangesTopic = getEnv("MQTT_CHANGES_TOPIC", "")

	cfg.Events.Stream = getEnv("EVENT_STREAM", "orthanc:changes")
	cfg.Events.ConsumerGroup = getEnv("EVENT_CONSUMER_GROUP", "orchestrator-group")
	cfg.Events.ConsumerName = getEnv("EVENT_CONSUMER_NAME", "orchestrator-1")
	cfg.Events.BatchSize = parseInt(getEnv("EVENT_BATCH_SIZE", "10"), 10)
	cfg.Events.DispatchTimeout = time.Duration(parseInt(getEnv("DISPATCH_TIMEOUT_MS", "5000"), 5000)) * time.Millisecond
	cfg.Events.IdempotencyTTL = time.Duration(parseInt(getEnv("IDEMPOTENCY_TTL_HOURS", "72"), 72)) * time.Hour
	cfg.Events.OutcomeStream = getEnv("EVENT_OUTCOME_STREAM", "orthanc:outcomes")

	cfg.Filter.AllowedModalities = splitList(getEnv("FILTER_ALLOWED_MODALITIES", ""))
	cfg.Filter.AllowedAETs = splitList(getEnv("FILTER_ALLOWED_AETS", ""))
	cfg.Filter.MaxInstances = int64(parseInt(getEnv("FILTER_MAX_INSTANCES", "0"), 0))
	cfg.Filter.MaxDiskMB = int64(parseInt(getEnv("FILTER_MAX_DISK_MB", "0"), 0))
	cfg.Filter.FailMode = getEnv("FILTER_FAIL_MODE", "closed")
	cfg.Filter.Timeout = time.Duration(parseInt(getEnv("FILTER_TIMEOUT_MS", "2000"), 2000)) * time.Millisecond
	cfg.Filter.QuotaResync = time.Duration(parseInt(getEnv("FILTER_QUOTA_RESYNC_SECONDS", "300"), 300)) * time.Second

	targets, err := ParseRouteTargets(getEnv("ROUTE_TARGETS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Routing.Targets = targets
	rules, err := ParseRouteRules(getEnv("ROUTE_RULES", ""))
	if err != nil {
		return nil, err
	}
	cfg.Routing.Rules = rules
	cfg.Routing.MaxAttempts = parseInt(getEnv("ROUTE_MAX_ATTEMPTS", "5"), 5)
	cfg.Routing.BackoffInitial = time.Duration(parseInt(getEnv("ROUTE_BACKOFF_INITIAL_MS", "1000"), 1000)) * time.Millisecond
	cfg.Routing.BackoffMax = time.Duration(parseInt(getEnv("ROUTE_BACKOFF_MAX_MS", "30000"), 30000)) * time.Millisecond

	cfg.Worklist.Source = getEnv("WORKLIST_SOURCE", "postgres")
	cfg.Worklist.File = getEnv("WORKLIST_FILE", "")
	cfg.Worklist.CacheTTL = time.Duration(parseInt(getEnv("WORKLIST_CACHE_TTL_SECONDS", "30"), 30)) * time.Second
	cfg.Worklist.Workers = parseInt(getEnv("WORKLIST_WORKERS", "4"), 4)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Filter.FailMode {
	case "open", "closed":
	default:
		return fmt.Errorf("FILTER_FAIL_MODE must be open or closed, got %q", c.Filter.FailMode)
	}
	switch c.Worklist.Source {
	case "postgres", "memory":
	default:
		return fmt.Errorf("WORKLIST_SOURCE must be postgres or memory, got %q", c.Worklist.Source)
	}
	if c.Worklist.Source == "postgres" && !c.DBEnabled {
		return fmt.Errorf("WORKLIST_SOURCE=postgres requires DB_ENABLED=true")
	}
	if c.Worklist.Workers <= 0 {
		return fmt.Errorf("WORKLIST_WORKERS must be positive")
	}
	if c.Routing.MaxAttempts <= 0 {
		return fmt.Errorf("ROUTE_MAX_ATTEMPTS must be positive")
	}
	if c.Routing.BackoffInitial > c.Routing.BackoffMax {
		return fmt.Errorf("ROUTE_BACKOFF_INITIAL_MS exceeds ROUTE_BACKOFF_MAX_MS")
	}

	known := make(map[string]bool, len(c.Routing.Targets))
	for _, t := range c.Routing.Targets {
		known[t.Name] = true
	}
	for _, r := range c.Routing.Rules {
		if !known[r.Target] {
			return fmt.Errorf("route rule %s:%s references unknown target %q", r.Field, r.Pattern, r.Target)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
