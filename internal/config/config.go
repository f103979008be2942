package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"sandbox-governor/internal/hostmon"
	"sandbox-governor/internal/policy"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/storage"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "configs/governor.yaml"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Policy     PolicyConfig     `yaml:"policy"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Terminator TerminatorConfig `yaml:"terminator"`
	Database   DatabaseConfig   `yaml:"database"`
	Retention  RetentionConfig  `yaml:"retention"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type EngineConfig struct {
	DockerHost     string            `yaml:"docker_host"` // empty uses DOCKER_HOST or the default socket
	Images         map[string]string `yaml:"images"`      // language -> image override
	BuildContext   string            `yaml:"build_context"`
	Dockerfile     string            `yaml:"dockerfile"`
	MaxConcurrent  int               `yaml:"max_concurrent"`
	DefaultTimeout time.Duration     `yaml:"default_timeout"`
	StopGrace      time.Duration     `yaml:"stop_grace"`
	ReapInterval   time.Duration     `yaml:"reap_interval"`
	OrphanMaxAge   time.Duration     `yaml:"orphan_max_age"`
}

// PolicyConfig is the YAML form of policy.SecurityPolicy. MaxMemory takes
// the same strings containers do ("512m", "1g", "268435456").
type PolicyConfig struct {
	MaxMemory             string        `yaml:"max_memory"`
	MaxCPUQuota           int64         `yaml:"max_cpu_quota"`
	MaxCPUPeriod          int64         `yaml:"max_cpu_period"`
	MaxTimeout            time.Duration `yaml:"max_timeout"`
	MaxProcesses          int64         `yaml:"max_processes"`
	RequireReadOnlyRootFS bool          `yaml:"require_read_only_rootfs"`
	AllowedTmpfsPaths     []string      `yaml:"allowed_tmpfs_paths"`
	AllowNetwork          bool          `yaml:"allow_network"`
	RequireSecurityLabels bool          `yaml:"require_security_labels"`
	SecurityLabel         string        `yaml:"security_label"`
	RiskBlockSeverity     string        `yaml:"risk_block_severity"` // low, medium, high or critical
}

type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ProcRoot         string        `yaml:"proc_root"`
	Interval         time.Duration `yaml:"interval"`
	CPUPercent       float64       `yaml:"cpu_percent"`
	MemoryPercent    float64       `yaml:"memory_percent"`
	ExecutionTime    time.Duration `yaml:"execution_time"`
	FileDescriptors  int           `yaml:"file_descriptors"`
	ChildProcesses   int           `yaml:"child_processes"`
	CriticalCPU      float64       `yaml:"critical_cpu_percent"`
	CriticalMemory   float64       `yaml:"critical_memory_percent"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HistorySize      int           `yaml:"history_size"`
	ProtectedNames   []string      `yaml:"protected_names"`
	SelfPatterns     []string      `yaml:"self_patterns"`
	WatchPatterns    []string      `yaml:"watch_patterns"`
	EscalateCritical int           `yaml:"escalate_critical"`
	EscalateFailures int           `yaml:"escalate_failures"`
}

type TerminatorConfig struct {
	AutoTerminate bool          `yaml:"auto_terminate"`
	GracefulWait  time.Duration `yaml:"graceful_wait"`
	TimeoutWait   time.Duration `yaml:"timeout_wait"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	DSN         string `yaml:"dsn"`    // file path for sqlite
	AuditBuffer int    `yaml:"audit_buffer"`
}

type RetentionConfig struct {
	Monitoring    time.Duration `yaml:"monitoring"`
	Alerts        time.Duration `yaml:"alerts"`
	Terminations  time.Duration `yaml:"terminations"`
	Audit         time.Duration `yaml:"audit"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader          string   `yaml:"api_key_header"`
	AllowedKeys           []string `yaml:"allowed_keys"`
	AllowUnauthenticated  bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS          float64  `yaml:"rate_limit_rps"`
	RateLimitBurst        int      `yaml:"rate_limit_burst"`
	WhitelistedOperations []string `yaml:"whitelisted_operations"` // empty allows every operation
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or the default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to the defaults
// otherwise. A file that exists but does not parse is an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		log.Info().Str("path", path).Msg("no config file found, using defaults")
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	pol := policy.DefaultPolicy()
	mon := hostmon.DefaultConfig()
	ret := storage.DefaultRetention()

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Engine: EngineConfig{
			Dockerfile:     "Dockerfile",
			MaxConcurrent:  32,
			DefaultTimeout: 10 * time.Second,
			StopGrace:      2 * time.Second,
			ReapInterval:   5 * time.Minute,
			OrphanMaxAge:   time.Hour,
		},
		Policy: PolicyConfig{
			MaxMemory:             "512m",
			MaxCPUQuota:           pol.MaxCPUQuota,
			MaxCPUPeriod:          pol.MaxCPUPeriod,
			MaxTimeout:            pol.MaxTimeout,
			MaxProcesses:          pol.MaxProcesses,
			RequireReadOnlyRootFS: pol.RequireReadOnlyRootFS,
			AllowedTmpfsPaths:     pol.AllowedTmpfsPaths,
			AllowNetwork:          pol.AllowNetwork,
			RequireSecurityLabels: pol.RequireSecurityLabels,
			SecurityLabel:         pol.SecurityLabel,
			RiskBlockSeverity:     "critical",
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			ProcRoot:         "/proc",
			Interval:         mon.Interval,
			CPUPercent:       mon.Thresholds.CPUPercent,
			MemoryPercent:    mon.Thresholds.MemoryPercent,
			ExecutionTime:    mon.Thresholds.ExecutionTime,
			FileDescriptors:  mon.Thresholds.FileDescriptors,
			ChildProcesses:   mon.Thresholds.ChildProcesses,
			CriticalCPU:      mon.CriticalCPUPercent,
			CriticalMemory:   mon.CriticalMemoryPercent,
			Cooldown:         mon.Cooldown,
			HistorySize:      mon.HistorySize,
			ProtectedNames:   mon.ProtectedNames,
			SelfPatterns:     mon.SelfPatterns,
			WatchPatterns:    mon.WatchPatterns,
			EscalateCritical: mon.EscalateCritical,
			EscalateFailures: mon.EscalateFailures,
		},
		Terminator: TerminatorConfig{
			AutoTerminate: true,
			GracefulWait:  30 * time.Second,
			TimeoutWait:   10 * time.Second,
			PollInterval:  250 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "data/governor.db",
			AuditBuffer: 10000,
		},
		Retention: RetentionConfig{
			Monitoring:    ret.Monitoring,
			Alerts:        ret.Alerts,
			Terminations:  ret.Terminations,
			Audit:         ret.Audit,
			PruneInterval: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1")
	}
	if _, err := policy.ParseMemory(c.Policy.MaxMemory); err != nil {
		return fmt.Errorf("policy.max_memory: %w", err)
	}
	if c.Engine.ReapInterval <= 0 {
		return fmt.Errorf("engine.reap_interval must be positive, got %s", c.Engine.ReapInterval)
	}
	if c.Policy.MaxTimeout > 0 && c.Engine.DefaultTimeout > c.Policy.MaxTimeout {
		return fmt.Errorf("engine.default_timeout (%s) must be <= policy.max_timeout (%s)",
			c.Engine.DefaultTimeout, c.Policy.MaxTimeout)
	}
	if c.Policy.MaxCPUQuota < 0 || c.Policy.MaxCPUPeriod < 0 {
		return fmt.Errorf("policy cpu quota and period must not be negative")
	}
	for _, p := range c.Policy.AllowedTmpfsPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("policy.allowed_tmpfs_paths: %q must be an absolute path", p)
		}
	}
	if c.Policy.RequireSecurityLabels && c.Policy.SecurityLabel == "" {
		return fmt.Errorf("policy.security_label is required when labels are enforced")
	}
	if c.Monitor.Enabled && c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be >= 1s, got %s", c.Monitor.Interval)
	}
	for name, v := range map[string]float64{
		"monitor.cpu_percent":             c.Monitor.CPUPercent,
		"monitor.memory_percent":          c.Monitor.MemoryPercent,
		"monitor.critical_cpu_percent":    c.Monitor.CriticalCPU,
		"monitor.critical_memory_percent": c.Monitor.CriticalMemory,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be 0-100, got %v", name, v)
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if !c.Security.AllowUnauthenticated && len(c.Security.AllowedKeys) == 0 {
		log.Warn().Msg("security.allowed_keys is empty and allow_unauthenticated is false, every API request will be rejected")
	}
	if strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SecurityPolicy converts the policy section. Validate has already checked
// the memory string, so an error here means the config was not validated.
func (c *Config) SecurityPolicy() (policy.SecurityPolicy, error) {
	mem, err := policy.ParseMemory(c.Policy.MaxMemory)
	if err != nil {
		return policy.SecurityPolicy{}, fmt.Errorf("policy.max_memory: %w", err)
	}
	return policy.SecurityPolicy{
		MaxMemoryBytes:        mem,
		MaxCPUQuota:           c.Policy.MaxCPUQuota,
		MaxCPUPeriod:          c.Policy.MaxCPUPeriod,
		MaxTimeout:            c.Policy.MaxTimeout,
		MaxProcesses:          c.Policy.MaxProcesses,
		RequireReadOnlyRootFS: c.Policy.RequireReadOnlyRootFS,
		AllowedTmpfsPaths:     c.Policy.AllowedTmpfsPaths,
		AllowNetwork:          c.Policy.AllowNetwork,
		RequireSecurityLabels: c.Policy.RequireSecurityLabels,
		SecurityLabel:         c.Policy.SecurityLabel,
	}, nil
}

func (c *Config) SandboxConfig(p policy.SecurityPolicy) sandbox.Config {
	return sandbox.Config{
		Policy:         p,
		BuildContext:   c.Engine.BuildContext,
		Dockerfile:     c.Engine.Dockerfile,
		MaxConcurrent:  c.Engine.MaxConcurrent,
		DefaultTimeout: c.Engine.DefaultTimeout,
		StopGrace:      c.Engine.StopGrace,
	}
}

func (c *Config) MonitorConfig() hostmon.Config {
	m := c.Monitor
	return hostmon.Config{
		Interval: m.Interval,
		Thresholds: hostmon.Thresholds{
			CPUPercent:      m.CPUPercent,
			MemoryPercent:   m.MemoryPercent,
			ExecutionTime:   m.ExecutionTime,
			FileDescriptors: m.FileDescriptors,
			ChildProcesses:  m.ChildProcesses,
		},
		CriticalCPUPercent:    m.CriticalCPU,
		CriticalMemoryPercent: m.CriticalMemory,
		Cooldown:              m.Cooldown,
		HistorySize:           m.HistorySize,
		ProtectedNames:        m.ProtectedNames,
		SelfPatterns:          m.SelfPatterns,
		WatchPatterns:         m.WatchPatterns,
		AutoTerminate:         c.Terminator.AutoTerminate,
		EscalateCritical:      m.EscalateCritical,
		EscalateFailures:      m.EscalateFailures,
	}
}

func (c *Config) TerminatorConfig() hostmon.TerminatorConfig {
	return hostmon.TerminatorConfig{
		GracefulWait: c.Terminator.GracefulWait,
		TimeoutWait:  c.Terminator.TimeoutWait,
		PollInterval: c.Terminator.PollInterval,
	}
}

func (c *Config) StorageRetention() storage.Retention {
	return storage.Retention{
		Monitoring:   c.Retention.Monitoring,
		Alerts:       c.Retention.Alerts,
		Terminations: c.Retention.Terminations,
		Audit:        c.Retention.Audit,
	}
}
