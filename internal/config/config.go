package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Values come from defaults, then
// the YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	HTTP            HTTPConfig      `yaml:"http"`
	DatabaseURL     string          `yaml:"database_url"`
	Auth            AuthConfig      `yaml:"auth"`
	AuditLogFile    string          `yaml:"audit_log_file"`
	Backup          BackupConfig    `yaml:"backup"`
	Runtime         RuntimeConfig   `yaml:"runtime"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	MatrixURL       string          `yaml:"matrix_homeserver_url"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	MetricsEnabled  bool            `yaml:"metrics_enabled"`
	FrontendDistDir string          `yaml:"frontend_dist_dir"`
	LogLevel        string          `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are honoured. Empty means the peer address is used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type AuthConfig struct {
	Secret              string        `yaml:"secret"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	UserStateFile       string        `yaml:"user_state_file"`
	RegistrationEnabled bool          `yaml:"registration_enabled"`
	BootstrapUsername   string        `yaml:"bootstrap_username"`
	BootstrapPassword   string        `yaml:"bootstrap_password"`
}

type BackupConfig struct {
	Root          string        `yaml:"root"`
	BackupScript  string        `yaml:"backup_script"`
	RestoreScript string        `yaml:"restore_script"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RuntimeConfig struct {
	Binary        string        `yaml:"binary"`
	ComposeFile   string        `yaml:"compose_file"`
	ProjectDir    string        `yaml:"project_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	UpdateTimeout time.Duration `yaml:"update_timeout"`
}

type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

const minSecretLen = 16

func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL:          24 * time.Hour,
			UserStateFile:       "./data/users.json",
			RegistrationEnabled: true,
		},
		AuditLogFile: "./data/audit.log",
		Backup: BackupConfig{
			Root:          "/backup",
			BackupScript:  "/scripts/backup.sh",
			RestoreScript: "/scripts/restore.sh",
			Timeout:       time.Hour,
		},
		Runtime: RuntimeConfig{
			Binary:        "docker",
			ComposeFile:   "docker-compose.yml",
			ProjectDir:    ".",
			Timeout:       60 * time.Second,
			UpdateTimeout: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			BackupInterval: 6 * time.Hour,
			HealthInterval: 5 * time.Minute,
		},
		MatrixURL: "http://dendrite:8008",
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   15 * time.Minute,
		},
		MetricsEnabled:  true,
		FrontendDistDir: "./public",
		LogLevel:        "info",
	}
}

func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ReadTimeout = getEnvSeconds("HTTP_READ_TIMEOUT_SEC", cfg.HTTP.ReadTimeout)
	cfg.HTTP.WriteTimeout = getEnvSeconds("HTTP_WRITE_TIMEOUT_SEC", cfg.HTTP.WriteTimeout)
	cfg.HTTP.ShutdownTimeout = getEnvSeconds("HTTP_SHUTDOWN_TIMEOUT_SEC", cfg.HTTP.ShutdownTimeout)
	cfg.HTTP.TrustedProxies = getEnvList("HTTP_TRUSTED_PROXIES", cfg.HTTP.TrustedProxies)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.Auth.Secret = getEnv("JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.SessionTTL = getEnvSeconds("AUTH_SESSION_TTL_SEC", cfg.Auth.SessionTTL)
	cfg.Auth.UserStateFile = getEnv("AUTH_USER_STATE_FILE", cfg.Auth.UserStateFile)
	cfg.Auth.RegistrationEnabled = getEnvBool("AUTH_REGISTRATION_ENABLED", cfg.Auth.RegistrationEnabled)
	cfg.Auth.BootstrapUsername = getEnv("AUTH_BOOTSTRAP_USERNAME", cfg.Auth.BootstrapUsername)
	cfg.Auth.BootstrapPassword = getEnv("AUTH_BOOTSTRAP_PASSWORD", cfg.Auth.BootstrapPassword)

	cfg.AuditLogFile = getEnv("AUDIT_LOG_FILE", cfg.AuditLogFile)

	cfg.Backup.Root = getEnv("BACKUP_ROOT", cfg.Backup.Root)
	cfg.Backup.BackupScript = getEnv("BACKUP_SCRIPT", cfg.Backup.BackupScript)
	cfg.Backup.RestoreScript = getEnv("RESTORE_SCRIPT", cfg.Backup.RestoreScript)
	cfg.Backup.Timeout = getEnvSeconds("BACKUP_TIMEOUT_SEC", cfg.Backup.Timeout)

	cfg.Runtime.Binary = getEnv("RUNTIME_BINARY", cfg.Runtime.Binary)
	cfg.Runtime.ComposeFile = getEnv("COMPOSE_FILE", cfg.Runtime.ComposeFile)
	cfg.Runtime.ProjectDir = getEnv("COMPOSE_PROJECT_DIR", cfg.Runtime.ProjectDir)
	cfg.Runtime.Timeout = getEnvSeconds("RUNTIME_TIMEOUT_SEC", cfg.Runtime.Timeout)
	cfg.Runtime.UpdateTimeout = getEnvSeconds("UPDATE_TIMEOUT_SEC", cfg.Runtime.UpdateTimeout)

	cfg.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.BackupInterval = getEnvDuration("SCHEDULER_BACKUP_INTERVAL", cfg.Scheduler.BackupInterval)
	cfg.Scheduler.HealthInterval = getEnvDuration("SCHEDULER_HEALTH_INTERVAL", cfg.Scheduler.HealthInterval)

	cfg.MatrixURL = getEnv("MATRIX_HOMESERVER_URL", cfg.MatrixURL)
	cfg.RateLimit.Requests = getEnvInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.Requests)
	cfg.RateLimit.Window = getEnvSeconds("RATE_LIMIT_WINDOW_SEC", cfg.RateLimit.Window)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.FrontendDistDir = getEnv("FRONTEND_DIST_DIR", cfg.FrontendDistDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		return fmt.Errorf("HTTP timeouts must be >= 0")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP_SHUTDOWN_TIMEOUT_SEC must be > 0")
	}
	if _, err := c.HTTP.TrustedProxyPrefixes(); err != nil {
		return fmt.Errorf("HTTP_TRUSTED_PROXIES: %w", err)
	}
	if len(c.Auth.Secret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("AUTH_SESSION_TTL_SEC must be > 0")
	}
	if c.DatabaseURL == "" && c.Auth.UserStateFile == "" {
		return fmt.Errorf("AUTH_USER_STATE_FILE must not be empty")
	}
	if (c.Auth.BootstrapUsername == "") != (c.Auth.BootstrapPassword == "") {
		return fmt.Errorf("AUTH_BOOTSTRAP_USERNAME and AUTH_BOOTSTRAP_PASSWORD must be set together")
	}
	if c.DatabaseURL == "" && c.AuditLogFile == "" {
		return fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}
	if c.Backup.Root == "" {
		return fmt.Errorf("BACKUP_ROOT must not be empty")
	}
	if c.Backup.BackupScript == "" || c.Backup.RestoreScript == "" {
		return fmt.Errorf("BACKUP_SCRIPT and RESTORE_SCRIPT must not be empty")
	}
	if c.Backup.Timeout <= 0 {
		return fmt.Errorf("BACKUP_TIMEOUT_SEC must be > 0")
	}
	if c.Runtime.Binary == "" {
		return fmt.Errorf("RUNTIME_BINARY must not be empty")
	}
	if c.Runtime.Timeout <= 0 || c.Runtime.UpdateTimeout <= 0 {
		return fmt.Errorf("RUNTIME_TIMEOUT_SEC and UPDATE_TIMEOUT_SEC must be > 0")
	}
	if c.Scheduler.Enabled && (c.Scheduler.BackupInterval <= 0 || c.Scheduler.HealthInterval <= 0) {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if c.RateLimit.Requests < 0 || (c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be >= 0 and RATE_LIMIT_WINDOW_SEC > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvList splits a comma-separated value.
func getEnvList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
