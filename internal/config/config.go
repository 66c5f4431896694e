package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServiceName is the fixed name of the managed container. Exactly one
// instance exists per host.
const ServiceName = "meilisearch"

const (
	envMasterKey       = "MEILI_MASTER_KEY"
	envHTTPAddr        = "MEILI_HTTP_ADDR"
	envDataPath        = "MEILI_DATA_PATH"
	envBackupPath      = "MEILI_BACKUP_PATH"
	envLogPath         = "MEILI_LOG_PATH"
	envConfigPath      = "MEILI_CONFIG_PATH"
	envBlockDevice     = "MEILI_EBS_DEVICE"
	envImage           = "MEILI_IMAGE"
	envProbeTimeout    = "MEILI_PROBE_TIMEOUT"
	envGracePeriod     = "MEILI_GRACE_PERIOD"
	envBackupRetention = "MEILI_BACKUP_RETENTION"
	envBackupKeep      = "MEILI_BACKUP_KEEP"
	envHealthInterval  = "MEILI_HEALTH_INTERVAL"
	envBackupInterval  = "MEILI_BACKUP_INTERVAL"
	envSlackWebhookURL = "MEILI_SLACK_WEBHOOK_URL"
	envWebhookURL      = "MEILI_WEBHOOK_URL"
	envMetricsPort     = "MEILI_METRICS_PORT"
)

const (
	defaultHTTPAddr        = "127.0.0.1:7700"
	defaultDataPath        = "/var/lib/meilisearch/data"
	defaultBackupPath      = "/var/lib/meilisearch/backups"
	defaultLogPath         = "/var/log/meilisearch"
	defaultConfigPath      = "/etc/meilisearch"
	defaultBlockDevice     = "/dev/sdh"
	defaultImage           = "getmeili/meilisearch:latest"
	defaultProbeTimeout    = 5 * time.Second
	defaultGracePeriod     = 10 * time.Second
	defaultBackupRetention = 7 * 24 * time.Hour
	defaultBackupKeep      = 3
	defaultHealthInterval  = 15 * time.Minute
	defaultBackupInterval  = 24 * time.Hour
)

// Config describes runtime configuration loaded from the environment.
// Loading never touches the filesystem beyond an optional .env read and
// never generates values; the same environment always yields the same
// Config.
type Config struct {
	MasterKey       string
	HTTPAddr        string
	DataPath        string
	BackupPath      string
	LogPath         string
	ConfigPath      string
	BlockDevice     string
	Image           string
	ProbeTimeout    time.Duration
	GracePeriod     time.Duration
	BackupRetention time.Duration
	BackupKeep      int
	HealthInterval  time.Duration
	BackupInterval  time.Duration
	SlackWebhookURL string
	WebhookURL      string
	MetricsPort     int
}

// Load reads configuration from environment variables and a local .env file
// if present. Existing environment variables take precedence over values in
// .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:        defaultHTTPAddr,
		DataPath:        defaultDataPath,
		BackupPath:      defaultBackupPath,
		LogPath:         defaultLogPath,
		ConfigPath:      defaultConfigPath,
		BlockDevice:     defaultBlockDevice,
		Image:           defaultImage,
		ProbeTimeout:    defaultProbeTimeout,
		GracePeriod:     defaultGracePeriod,
		BackupRetention: defaultBackupRetention,
		BackupKeep:      defaultBackupKeep,
		HealthInterval:  defaultHealthInterval,
		BackupInterval:  defaultBackupInterval,
	}

	if value, ok := lookupTrimmed(envMasterKey); ok {
		cfg.MasterKey = value
	}

	if value, ok := lookupTrimmed(envHTTPAddr); ok {
		cfg.HTTPAddr = value
	}

	for _, path := range []struct {
		name   string
		target *string
	}{
		{envDataPath, &cfg.DataPath},
		{envBackupPath, &cfg.BackupPath},
		{envLogPath, &cfg.LogPath},
		{envConfigPath, &cfg.ConfigPath},
		{envBlockDevice, &cfg.BlockDevice},
	} {
		if value, ok := lookupTrimmed(path.name); ok {
			*path.target = value
		}
	}

	if value, ok := lookupTrimmed(envImage); ok {
		cfg.Image = value
	}

	for _, d := range []struct {
		name   string
		target *time.Duration
	}{
		{envProbeTimeout, &cfg.ProbeTimeout},
		{envGracePeriod, &cfg.GracePeriod},
		{envBackupRetention, &cfg.BackupRetention},
		{envHealthInterval, &cfg.HealthInterval},
		{envBackupInterval, &cfg.BackupInterval},
	} {
		if value, ok := lookupTrimmed(d.name); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
			}
			if parsed <= 0 {
				return Config{}, fmt.Errorf("%s must be greater than zero", d.name)
			}
			*d.target = parsed
		}
	}

	if value, ok := lookupTrimmed(envBackupKeep); ok {
		keep, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envBackupKeep, err)
		}
		if keep < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", envBackupKeep)
		}
		cfg.BackupKeep = keep
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}

	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}

	if value, ok := lookupTrimmed(envMetricsPort); ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envMetricsPort, err)
		}
		if port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be a port between 0 and 65535", envMetricsPort)
		}
		cfg.MetricsPort = port
	}

	if err := validateHostPort(cfg.HTTPAddr, envHTTPAddr); err != nil {
		return Config{}, err
	}

	for _, path := range []struct {
		name  string
		value string
	}{
		{envDataPath, cfg.DataPath},
		{envBackupPath, cfg.BackupPath},
		{envLogPath, cfg.LogPath},
		{envConfigPath, cfg.ConfigPath},
		{envBlockDevice, cfg.BlockDevice},
	} {
		if !filepath.IsAbs(path.value) {
			return Config{}, fmt.Errorf("invalid %s: %q is not an absolute path", path.name, path.value)
		}
	}

	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}

	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// MountRoot is where a dedicated block device is mounted: the parent of
// the data path, so data and backups both move to the device when one is
// attached.
func (c Config) MountRoot() string {
	return filepath.Dir(c.DataPath)
}

// MasterKeyFile is the path of the persisted master-key file.
func (c Config) MasterKeyFile() string {
	return filepath.Join(c.ConfigPath, "master_key.txt")
}

// EnvFile is the path of the container environment file.
func (c Config) EnvFile() string {
	return filepath.Join(c.ConfigPath, "config.env")
}

// LockFile is the path of the lock shared by health and backup ticks.
func (c Config) LockFile() string {
	return filepath.Join(c.ConfigPath, "tick.lock")
}

// ProbeURL is the health endpoint of the managed service as seen from the
// host.
func (c Config) ProbeURL() string {
	return "http://" + c.HTTPAddr + "/health"
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateHostPort(value, name string) error {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if host == "" {
		return fmt.Errorf("invalid %s: host must not be empty", name)
	}
	number, err := strconv.Atoi(port)
	if err != nil || number < 1 || number > 65535 {
		return fmt.Errorf("invalid %s: %q is not a valid port", name, port)
	}
	return nil
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
