package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dispatch_dashboard/internal/logging"
)

// Config holds all settings for the dashboard service.
type Config struct {
	HTTPPort string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	DynamoEndpoint     string
	CallsTable         string

	Poll PollConfig

	ActiveLimit     int
	HistoryPageSize int

	SimulationURL        string
	SimulationTable      string
	SimulationTimeoutSec int

	MapboxToken   string
	GoogleMapsKey string

	FallbackDataPath string
	DBPath           string
	RedisAddr        string
	NATSURL          string
	Timezone         string

	LogLevel  string
	LogFormat string

	WorkerCount  int
	JobQueueSize int
}

// PollConfig holds per-view refresh intervals.
type PollConfig struct {
	ActiveSec     int
	HistorySec    int
	LiveSec       int
	LiveScanLimit int
}

type fileConfig struct {
	HTTPPort         string         `json:"http_port" yaml:"http_port"`
	AWSRegion        string         `json:"aws_region" yaml:"aws_region"`
	DynamoEndpoint   string         `json:"dynamodb_endpoint" yaml:"dynamodb_endpoint"`
	CallsTable       string         `json:"calls_table" yaml:"calls_table"`
	SimulationURL    string         `json:"simulation_url" yaml:"simulation_url"`
	SimulationTable  string         `json:"simulation_table" yaml:"simulation_table"`
	FallbackDataPath string         `json:"fallback_data_path" yaml:"fallback_data_path"`
	DBPath           string         `json:"db_path" yaml:"db_path"`
	RedisAddr        string         `json:"redis_addr" yaml:"redis_addr"`
	NATSURL          string         `json:"nats_url" yaml:"nats_url"`
	Timezone         string         `json:"timezone" yaml:"timezone"`
	Poll             pollFileConfig `json:"poll" yaml:"poll"`
}

type pollFileConfig struct {
	ActiveSec     *int `json:"active_sec" yaml:"active_sec"`
	HistorySec    *int `json:"history_sec" yaml:"history_sec"`
	LiveSec       *int `json:"live_sec" yaml:"live_sec"`
	LiveScanLimit *int `json:"live_scan_limit" yaml:"live_scan_limit"`
}

const (
	defaultPort            = ":8080"
	defaultRegion          = "us-east-1"
	defaultCallsTable      = "elevenlabs-call-data"
	defaultDBPath          = "runtime/dashboard.db"
	defaultActiveLimit     = 5
	defaultHistoryPageSize = 10
	defaultSimTimeoutSec   = 120
	defaultWorkerCount     = 2
	defaultQueueSize       = 16
	maxQueueSize           = 256
)

func defaultPollConfig() PollConfig {
	return PollConfig{
		ActiveSec:     10,
		HistorySec:    30,
		LiveSec:       2,
		LiveScanLimit: 20,
	}
}

// Load reads configuration from an optional .env file, an optional YAML/JSON file and the
// environment, then validates the result. Invalid configuration is returned as an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, err := loadFileConfig(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config load failed (%s): %w", configPath, err)
	}

	cfg := Config{
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSSessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		MapboxToken:        os.Getenv("MAPBOX_TOKEN"),
		GoogleMapsKey:      os.Getenv("GOOGLE_MAPS_KEY"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", logging.FormatJSON),
		ActiveLimit:        defaultActiveLimit,
		HistoryPageSize:    defaultHistoryPageSize,
		WorkerCount:        defaultWorkerCount,
		JobQueueSize:       defaultQueueSize,
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.AWSRegion = firstNonEmpty(os.Getenv("AWS_REGION"), fileCfg.AWSRegion, defaultRegion)
	cfg.DynamoEndpoint = firstNonEmpty(os.Getenv("DYNAMODB_ENDPOINT"), fileCfg.DynamoEndpoint)
	cfg.CallsTable = firstNonEmpty(os.Getenv("CALLS_TABLE"), fileCfg.CallsTable, defaultCallsTable)
	cfg.SimulationURL = strings.TrimSpace(firstNonEmpty(os.Getenv("SIMULATION_URL"), fileCfg.SimulationURL))
	cfg.SimulationTable = firstNonEmpty(os.Getenv("SIMULATION_TABLE"), fileCfg.SimulationTable)
	cfg.FallbackDataPath = firstNonEmpty(os.Getenv("FALLBACK_DATA_PATH"), fileCfg.FallbackDataPath)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBPath)
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fileCfg.RedisAddr)
	cfg.NATSURL = firstNonEmpty(os.Getenv("NATS_URL"), fileCfg.NATSURL)
	cfg.Timezone = firstNonEmpty(os.Getenv("TIMEZONE"), fileCfg.Timezone, "UTC")

	cfg.Poll = applyPollOverrides(defaultPollConfig(), fileCfg.Poll)
	for _, o := range []struct {
		key string
		dst *int
	}{
		{"ACTIVE_POLL_SEC", &cfg.Poll.ActiveSec},
		{"HISTORY_POLL_SEC", &cfg.Poll.HistorySec},
		{"LIVE_POLL_SEC", &cfg.Poll.LiveSec},
		{"LIVE_SCAN_LIMIT", &cfg.Poll.LiveScanLimit},
		{"ACTIVE_LIMIT", &cfg.ActiveLimit},
		{"HISTORY_PAGE_SIZE", &cfg.HistoryPageSize},
		{"WORKER_COUNT", &cfg.WorkerCount},
		{"JOB_QUEUE_SIZE", &cfg.JobQueueSize},
	} {
		v, ok, err := parseIntEnv(o.key)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", o.key, err)
		}
		if ok {
			*o.dst = v
		}
	}
	cfg.SimulationTimeoutSec = defaultSimTimeoutSec
	if v, ok, err := parseIntEnv("SIMULATION_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid SIMULATION_TIMEOUT_SEC: %w", err)
	} else if ok {
		cfg.SimulationTimeoutSec = v
	}
	if cfg.JobQueueSize > maxQueueSize {
		cfg.JobQueueSize = maxQueueSize
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Location resolves the configured time zone used for calendar-date filtering.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ActiveInterval and friends convert poll seconds to durations.
func (c Config) ActiveInterval() time.Duration {
	return time.Duration(c.Poll.ActiveSec) * time.Second
}

func (c Config) HistoryInterval() time.Duration {
	return time.Duration(c.Poll.HistorySec) * time.Second
}

func (c Config) LiveInterval() time.Duration {
	return time.Duration(c.Poll.LiveSec) * time.Second
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.CallsTable) == "" {
		return errors.New("CALLS_TABLE is required")
	}
	if strings.TrimSpace(cfg.AWSRegion) == "" {
		return errors.New("AWS_REGION is required")
	}
	if (cfg.AWSAccessKeyID == "") != (cfg.AWSSecretAccessKey == "") {
		return errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	if cfg.AWSSessionToken != "" && cfg.AWSAccessKeyID == "" {
		return errors.New("AWS_SESSION_TOKEN requires static AWS credentials")
	}
	if cfg.Poll.ActiveSec <= 0 || cfg.Poll.HistorySec <= 0 || cfg.Poll.LiveSec <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if cfg.Poll.LiveScanLimit <= 0 {
		return errors.New("LIVE_SCAN_LIMIT must be positive")
	}
	if cfg.ActiveLimit <= 0 {
		return errors.New("ACTIVE_LIMIT must be positive")
	}
	if cfg.HistoryPageSize <= 0 {
		return errors.New("HISTORY_PAGE_SIZE must be positive")
	}
	if cfg.SimulationTimeoutSec <= 0 {
		return errors.New("SIMULATION_TIMEOUT_SEC must be positive")
	}
	if cfg.WorkerCount <= 0 {
		return errors.New("WORKER_COUNT must be positive")
	}
	if cfg.JobQueueSize < cfg.WorkerCount {
		return fmt.Errorf("JOB_QUEUE_SIZE must be >= WORKER_COUNT (%d < %d)", cfg.JobQueueSize, cfg.WorkerCount)
	}
	if cfg.SimulationURL != "" {
		u, err := url.Parse(cfg.SimulationURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("SIMULATION_URL is not an absolute URL: %q", cfg.SimulationURL)
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		return fmt.Errorf("LOG_FORMAT: %w", err)
	}
	return nil
}

func applyPollOverrides(base PollConfig, override pollFileConfig) PollConfig {
	if override.ActiveSec != nil {
		base.ActiveSec = *override.ActiveSec
	}
	if override.HistorySec != nil {
		base.HistorySec = *override.HistorySec
	}
	if override.LiveSec != nil {
		base.LiveSec = *override.LiveSec
	}
	if override.LiveScanLimit != nil {
		base.LiveScanLimit = *override.LiveScanLimit
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
