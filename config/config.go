package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/clients/sshclient"
	"github.com/nomis52/dbflow/jobrun"
	"github.com/nomis52/dbflow/logarchive"
	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/storage/sqlstore"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 30 * time.Second

	defaultJobBackend = "http"
	defaultJobTimeout = 30 * time.Second
	defaultSSHPort    = 22
	defaultSSHDial    = 10 * time.Second

	defaultCacheTTL = 10 * time.Minute

	defaultRecordsBackend = "memory"
	defaultRecordsDir     = "/var/lib/dbflow/runs"
	defaultRecordsMax     = 500
	defaultTicketsBackend = "memory"
	defaultSQLitePath     = "/var/lib/dbflow/dbflow.db"
	defaultRedisNamespace = "dbflow"

	defaultPostgresPing     = 2 * time.Second
	defaultPostgresMaxOpen  = 10
	defaultPostgresMaxIdle  = 5
	defaultPostgresLifetime = 30 * time.Minute

	defaultSchedule = "timers:* * * * *;stats:*/5 * * * *"

	defaultMetricsMode   = "scrape"
	defaultMetricsPrefix = "dbflow"
	defaultJobName       = "dbflow"

	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"
)

// Config is the dbflow server configuration.
type Config struct {
	Listener   ListenerConfig          `yaml:"listener"`
	JobService JobServiceConfig        `yaml:"job_service"`
	SSH        SSHConfig               `yaml:"ssh"`
	Polling    PollingConfig           `yaml:"polling"`
	Records    RecordsConfig           `yaml:"records"`
	Tickets    TicketsConfig           `yaml:"tickets"`
	Redis      record.RedisConfig      `yaml:"redis"`
	Postgres   sqlstore.PostgresConfig `yaml:"postgres"`
	SQLite     SQLiteConfig            `yaml:"sqlite"`
	Resources  ResourcesConfig         `yaml:"resources"`
	Scheduler  SchedulerConfig         `yaml:"scheduler"`
	Archive    ArchiveConfig           `yaml:"archive"`
	Monitoring MonitoringConfig        `yaml:"monitoring"`
	Logging    logging.Config          `yaml:"logging"`
}

// ListenerConfig holds HTTP listener settings.
type ListenerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobServiceConfig selects how jobs are executed: through the remote job
// service ("http") or directly over SSH ("ssh").
type JobServiceConfig struct {
	Backend          string `yaml:"backend"`
	jobclient.Config `yaml:",inline"`
}

// SSHConfig configures the direct SSH backend.
type SSHConfig struct {
	sshclient.Config `yaml:",inline"`
	Port             int `yaml:"port"`
}

// PollingConfig tunes job polling.
type PollingConfig struct {
	FastInterval time.Duration `yaml:"fast_interval"`
	SlowInterval time.Duration `yaml:"slow_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	// CacheTTL is how long terminal job results are kept.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RecordsConfig selects the execution record store: memory, disk or redis.
type RecordsConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	MaxCount int    `yaml:"max_count"`
}

// TicketsConfig selects the ticket store: memory, sqlite or postgres.
type TicketsConfig struct {
	Backend string `yaml:"backend"`
}

// SQLiteConfig locates the SQLite database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ResourcesConfig lists the hosts of each allocation pool.
type ResourcesConfig struct {
	Pools map[string][]string `yaml:"pools"`
}

// SchedulerConfig holds the periodic task schedule, in tasks:cron;tasks:cron form.
type SchedulerConfig struct {
	Spec string `yaml:"spec"`
}

// ArchiveConfig enables archiving failed host logs to object storage.
type ArchiveConfig struct {
	Enabled           bool `yaml:"enabled"`
	logarchive.Config `yaml:",inline"`
}

// MonitoringConfig selects scrape (/metrics) or push (remote write) metrics.
type MonitoringConfig struct {
	Mode          string `yaml:"mode"`
	PushURL       string `yaml:"push_url"`
	MetricsPrefix string `yaml:"metrics_prefix"`
	JobName       string `yaml:"jobname"`
	Instance      string `yaml:"instance"`
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultListenAddr
	}
	if c.Listener.ShutdownTimeout == 0 {
		c.Listener.ShutdownTimeout = defaultShutdownTimeout
	}

	if c.JobService.Backend == "" {
		c.JobService.Backend = defaultJobBackend
	}
	if c.JobService.Timeout == 0 {
		c.JobService.Timeout = defaultJobTimeout
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = defaultSSHPort
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = defaultSSHDial
	}

	if c.Polling.FastInterval == 0 {
		c.Polling.FastInterval = jobrun.FastPollInterval
	}
	if c.Polling.SlowInterval == 0 {
		c.Polling.SlowInterval = jobrun.SlowPollInterval
	}
	if c.Polling.JobTimeout == 0 {
		c.Polling.JobTimeout = jobrun.DefaultJobTimeout
	}
	if c.Polling.CacheTTL == 0 {
		c.Polling.CacheTTL = defaultCacheTTL
	}

	if c.Records.Backend == "" {
		c.Records.Backend = defaultRecordsBackend
	}
	if c.Records.Dir == "" {
		c.Records.Dir = defaultRecordsDir
	}
	if c.Records.MaxCount == 0 {
		c.Records.MaxCount = defaultRecordsMax
	}
	if c.Tickets.Backend == "" {
		c.Tickets.Backend = defaultTicketsBackend
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = defaultSQLitePath
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = defaultRedisNamespace
	}
	if c.Postgres.PingTimeout == 0 {
		c.Postgres.PingTimeout = defaultPostgresPing
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = defaultPostgresMaxOpen
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = defaultPostgresMaxIdle
	}
	if c.Postgres.ConnMaxLifetime == 0 {
		c.Postgres.ConnMaxLifetime = defaultPostgresLifetime
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = defaultSchedule
	}

	if c.Monitoring.Mode == "" {
		c.Monitoring.Mode = defaultMetricsMode
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	switch c.JobService.Backend {
	case "http":
		if c.JobService.BaseURL == "" {
			errs = append(errs, errors.New("job_service base_url is required for the http backend"))
		}
	case "ssh":
		if c.SSH.User == "" {
			errs = append(errs, errors.New("ssh user is required for the ssh backend"))
		}
		if c.SSH.PrivateKeyPEM == "" && c.SSH.PrivateKeyFile == "" {
			errs = append(errs, errors.New("ssh private_key_file or private_key_pem is required for the ssh backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("job_service backend must be http or ssh, got %q", c.JobService.Backend))
	}

	if c.Polling.FastInterval <= 0 || c.Polling.SlowInterval < c.Polling.FastInterval {
		errs = append(errs, errors.New("polling intervals must be positive and slow_interval >= fast_interval"))
	}
	if c.Polling.JobTimeout <= 0 {
		errs = append(errs, errors.New("polling job_timeout must be positive"))
	}

	if !slices.Contains([]string{"memory", "disk", "redis"}, c.Records.Backend) {
		errs = append(errs, fmt.Errorf("records backend must be memory, disk or redis, got %q", c.Records.Backend))
	}
	if c.Records.Backend == "redis" && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis addrs are required for the redis records backend"))
	}

	switch c.Tickets.Backend {
	case "memory", "sqlite":
	case "postgres":
		if err := c.Postgres.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("tickets backend must be memory, sqlite or postgres, got %q", c.Tickets.Backend))
	}

	for pool, hosts := range c.Resources.Pools {
		if len(hosts) == 0 {
			errs = append(errs, fmt.Errorf("resource pool %q has no hosts", pool))
		}
	}

	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Monitoring.Mode {
	case "scrape":
	case "push":
		if c.Monitoring.PushURL == "" {
			errs = append(errs, errors.New("monitoring push_url is required in push mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("monitoring mode must be scrape or push, got %q", c.Monitoring.Mode))
	}

	return errors.Join(errs...)
}

// LoadConfig reads the YAML file at path, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
