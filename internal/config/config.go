// Package config loads BigBrotr's YAML configuration, following the
// embedded-example / Load-with-defaults-and-validation shape of
// sandwichfarm-nophr's internal/config package, reworked around
// BigBrotr's own section tree (Database, Relays, Sync, Monitor,
// Finder, Scheduler, Logging, Health) instead of nophr's gopher/gemini
// presentation config.
package config

import (
	"embed"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is BigBrotr's complete runtime configuration.
type Config struct {
	Database     Database     `yaml:"database"`
	Relays       Relays       `yaml:"relays"`
	Sync         Sync         `yaml:"sync"`
	PrioritySync PrioritySync `yaml:"priority_sync"`
	Monitor      Monitor      `yaml:"monitor"`
	Finder    Finder    `yaml:"finder"`
	Scheduler Scheduler `yaml:"scheduler"`
	Logging   Logging   `yaml:"logging"`
	Health    Health    `yaml:"health"`
}

// Database configures the Postgres connection pool. Password is never
// read from YAML; it comes only from BIGBROTR_DB_PASSWORD per spec §6.
type Database struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Name            string `yaml:"name"`
	User            string `yaml:"user"`
	Password        string `yaml:"-"`
	SSLMode         string `yaml:"ssl_mode"`
	MinConns        int    `yaml:"min_conns"`
	MaxConns        int    `yaml:"max_conns"`
	PageSize        int    `yaml:"page_size"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_minutes"`
}

// DSN builds a lib/pq connection string from the configured fields.
func (d Database) DSN() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s", d.Host, d.Port, d.Name, d.User)
	if d.Password != "" {
		fmt.Fprintf(&b, " password=%s", d.Password)
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	fmt.Fprintf(&b, " sslmode=%s", sslMode)
	return b.String()
}

// Relays configures seed relays and Tor access.
type Relays struct {
	Seeds         []string `yaml:"seeds"`
	Socks5Addr    string   `yaml:"socks5_addr"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// Sync configures the exhaustive time-window sync service.
type Sync struct {
	BatchMin            int `yaml:"batch_min"`
	BatchMax            int `yaml:"batch_max"`
	DeadlineSeconds      int `yaml:"deadline_seconds"`
	LoopIntervalSeconds  int `yaml:"loop_interval_seconds"`
	PaginationLoopGuard  int `yaml:"pagination_loop_guard"`
	EventsPerSecondPerRelay int `yaml:"events_per_second_per_relay"`
}

// PrioritySync configures the tighter-looped priority subset of Sync.
type PrioritySync struct {
	Relays              []string `yaml:"relays"`
	LoopIntervalSeconds int      `yaml:"loop_interval_seconds"`
}

// Monitor configures the NIP-11/NIP-66 probing service.
type Monitor struct {
	FreshnessSeconds    int `yaml:"freshness_seconds"`
	LoopIntervalSeconds int `yaml:"loop_interval_seconds"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// Finder configures relay discovery.
type Finder struct {
	DirectoryAPIs       []string `yaml:"directory_apis"`
	LoopIntervalSeconds int      `yaml:"loop_interval_seconds"`
	BlockedHosts        []string `yaml:"blocked_hosts"`
}

// Scheduler configures process/worker fan-out shared by every service.
type Scheduler struct {
	Workers          int `yaml:"workers"`
	ConcurrencyPerWorker int `yaml:"concurrency_per_worker"`
	MaxEmptyPolls    int `yaml:"max_empty_polls"`
	GraceSeconds     int `yaml:"grace_seconds"`
}

// Logging mirrors the teacher's Logging section verbatim in shape.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Health configures the liveness/readiness HTTP endpoints.
type Health struct {
	Enabled     bool   `yaml:"enabled"`
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	BearerToken string `yaml:"-"`
}

// Load reads path, applies defaults for anything left unset, layers in
// environment-variable secrets, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides reads secrets out of the environment. Per spec §6,
// credentials never live in the YAML file itself.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BIGBROTR_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("BIGBROTR_HEALTH_BEARER_TOKEN"); v != "" {
		cfg.Health.BearerToken = v
	}
	if v := os.Getenv("BIGBROTR_RELAYS_SOCKS5_ADDR"); v != "" {
		cfg.Relays.Socks5Addr = v
	}
}

// applyDefaults fills in any field left at its zero value.
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = d.Database.MinConns
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = d.Database.MaxConns
	}
	if cfg.Database.PageSize == 0 {
		cfg.Database.PageSize = d.Database.PageSize
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = d.Database.SSLMode
	}
	if cfg.Sync.BatchMin == 0 {
		cfg.Sync.BatchMin = d.Sync.BatchMin
	}
	if cfg.Sync.BatchMax == 0 {
		cfg.Sync.BatchMax = d.Sync.BatchMax
	}
	if cfg.Sync.DeadlineSeconds == 0 {
		cfg.Sync.DeadlineSeconds = d.Sync.DeadlineSeconds
	}
	if cfg.Sync.LoopIntervalSeconds == 0 {
		cfg.Sync.LoopIntervalSeconds = d.Sync.LoopIntervalSeconds
	}
	if cfg.Sync.PaginationLoopGuard == 0 {
		cfg.Sync.PaginationLoopGuard = d.Sync.PaginationLoopGuard
	}
	if cfg.Sync.EventsPerSecondPerRelay == 0 {
		cfg.Sync.EventsPerSecondPerRelay = d.Sync.EventsPerSecondPerRelay
	}
	if cfg.Monitor.FreshnessSeconds == 0 {
		cfg.Monitor.FreshnessSeconds = d.Monitor.FreshnessSeconds
	}
	if cfg.Monitor.LoopIntervalSeconds == 0 {
		cfg.Monitor.LoopIntervalSeconds = d.Monitor.LoopIntervalSeconds
	}
	if cfg.Monitor.ProbeTimeoutSeconds == 0 {
		cfg.Monitor.ProbeTimeoutSeconds = d.Monitor.ProbeTimeoutSeconds
	}
	if cfg.Finder.LoopIntervalSeconds == 0 {
		cfg.Finder.LoopIntervalSeconds = d.Finder.LoopIntervalSeconds
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = d.Scheduler.Workers
	}
	if cfg.Scheduler.ConcurrencyPerWorker == 0 {
		cfg.Scheduler.ConcurrencyPerWorker = d.Scheduler.ConcurrencyPerWorker
	}
	if cfg.Scheduler.MaxEmptyPolls == 0 {
		cfg.Scheduler.MaxEmptyPolls = d.Scheduler.MaxEmptyPolls
	}
	if cfg.Scheduler.GraceSeconds == 0 {
		cfg.Scheduler.GraceSeconds = d.Scheduler.GraceSeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Health.Bind == "" {
		cfg.Health.Bind = d.Health.Bind
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = d.Health.Port
	}
	if cfg.Relays.ConnectTimeoutSeconds == 0 {
		cfg.Relays.ConnectTimeoutSeconds = d.Relays.ConnectTimeoutSeconds
	}
}

// Default returns BigBrotr's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Database: Database{
			Host:     "localhost",
			Port:     5432,
			Name:     "bigbrotr",
			User:     "bigbrotr",
			SSLMode:  "disable",
			MinConns: 2,
			MaxConns: 5,
			PageSize: 1000,
		},
		Relays: Relays{
			ConnectTimeoutSeconds: 20,
		},
		Sync: Sync{
			BatchMin:            10,
			BatchMax:            500,
			DeadlineSeconds:     240,
			LoopIntervalSeconds: 900,
			PaginationLoopGuard: 200,
			EventsPerSecondPerRelay: 1000,
		},
		Monitor: Monitor{
			FreshnessSeconds:    24 * 3600,
			LoopIntervalSeconds: 1800,
			ProbeTimeoutSeconds: 20,
		},
		Finder: Finder{
			LoopIntervalSeconds: 3600,
		},
		Scheduler: Scheduler{
			Workers:              4,
			ConcurrencyPerWorker: 10,
			MaxEmptyPolls:        5,
			GraceSeconds:         30,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Health: Health{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
	}
}

// Validate checks invariants that applyDefaults cannot safely guess at.
func Validate(cfg *Config) error {
	if cfg.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if cfg.Database.MinConns > cfg.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed database.max_conns (%d)", cfg.Database.MinConns, cfg.Database.MaxConns)
	}
	if cfg.Sync.BatchMin <= 0 || cfg.Sync.BatchMax < cfg.Sync.BatchMin {
		return fmt.Errorf("sync.batch_max must be >= sync.batch_min, both > 0")
	}
	level := strings.ToLower(cfg.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", cfg.Logging.Level)
	}
	if cfg.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if cfg.Scheduler.ConcurrencyPerWorker <= 0 {
		return fmt.Errorf("scheduler.concurrency_per_worker must be > 0")
	}
	if cfg.Health.Enabled && cfg.Health.BearerToken == "" && cfg.Health.Bind != "localhost" {
		if ip := net.ParseIP(cfg.Health.Bind); ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("health.bind %q is not loopback: BIGBROTR_HEALTH_BEARER_TOKEN is required", cfg.Health.Bind)
		}
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration, used by
// the CLI's init subcommand.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}
