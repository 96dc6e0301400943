package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/rbdbackup/internal/archive"
	"github.com/BadgerOps/rbdbackup/internal/retention"
)

var validate = validator.New()

// Config is the top-level configuration
type Config struct {
	Backup    BackupConfig    `yaml:"backup"`
	Semaphore SemaphoreConfig `yaml:"semaphore"`
	Toolbox   ToolboxConfig   `yaml:"toolbox"`
	Store     StoreConfig     `yaml:"store"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Volumes   []VolumeConfig  `yaml:"volumes" validate:"dive"`
}

// BackupConfig holds archive location, naming and retention settings
type BackupConfig struct {
	Path        string        `yaml:"path" validate:"required"`
	NameFormat  string        `yaml:"name_format"`
	Timezone    string        `yaml:"timezone"`
	Compression string        `yaml:"compression" validate:"omitempty,oneof=gzip zstd xz"`
	Monthly     MonthlyConfig `yaml:"monthly"`
	Weekly      WeeklyConfig  `yaml:"weekly"`
	Daily       TierConfig    `yaml:"daily"`
}

// TierConfig bounds the archives kept for a tier
type TierConfig struct {
	Max int `yaml:"max" validate:"gte=1"`
}

// MonthlyConfig anchors monthly snapshots on a day of month or on the first
// occurrence of a weekday. Day 1 applies when neither is set.
type MonthlyConfig struct {
	Max        int    `yaml:"max" validate:"gte=1"`
	DayOfMonth int    `yaml:"day_of_month,omitempty" validate:"gte=0,lte=28"`
	DayOfWeek  string `yaml:"day_of_week,omitempty"`
}

// WeeklyConfig anchors weekly snapshots on a weekday
type WeeklyConfig struct {
	Max       int    `yaml:"max" validate:"gte=1"`
	DayOfWeek string `yaml:"day_of_week"`
}

// SemaphoreConfig sizes the process-wide permit pools
type SemaphoreConfig struct {
	Exec     int64 `yaml:"exec" validate:"gte=1"`
	Operator int64 `yaml:"operator" validate:"gte=1"`
	Backup   int64 `yaml:"backup" validate:"gte=1"`
}

// ToolboxConfig describes where rbd commands run
type ToolboxConfig struct {
	Command   []string `yaml:"command"`
	Shell     string   `yaml:"shell"`
	RBDBinary string   `yaml:"rbd_binary"`
}

// StoreConfig holds run ledger settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// ScheduleConfig holds scheduler settings
type ScheduleConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BackupCron      string `yaml:"backup_cron"`
	ConsolidateCron string `yaml:"consolidate_cron"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`
	Job            string `yaml:"job"`
	Listen         string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// VolumeConfig declares one backed-up volume
type VolumeConfig struct {
	Namespace string `yaml:"namespace" validate:"required"`
	Workload  string `yaml:"workload" validate:"required"`
	Name      string `yaml:"name" validate:"required"`
	Pool      string `yaml:"pool" validate:"required"`
	Image     string `yaml:"image" validate:"required"`
	Directory string `yaml:"directory,omitempty"`
}

// ID returns namespace/workload/name
func (v VolumeConfig) ID() string {
	return v.Namespace + "/" + v.Workload + "/" + v.Name
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backup: BackupConfig{
			Path:        "/var/lib/rbdbackup",
			NameFormat:  retention.DefaultLayout,
			Compression: "gzip",
			Monthly:     MonthlyConfig{Max: 3},
			Weekly:      WeeklyConfig{Max: 4, DayOfWeek: "sunday"},
			Daily:       TierConfig{Max: 8},
		},
		Semaphore: SemaphoreConfig{
			Exec:     8,
			Operator: 4,
			Backup:   2,
		},
		Toolbox: ToolboxConfig{
			Command:   []string{"kubectl", "exec", "-i", "-n", "rook-ceph", "deploy/rook-ceph-tools", "--"},
			Shell:     "bash",
			RBDBinary: "rbd",
		},
		Schedule: ScheduleConfig{
			Enabled:         true,
			BackupCron:      "0 1 * * *",
			ConsolidateCron: "0 3 * * *",
		},
		Metrics: MetricsConfig{
			Job: "rbdbackup",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"rbdbackup.yaml",
		"/etc/rbdbackup/rbdbackup.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "rbdbackup", "rbdbackup.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks field constraints and everything derived from them
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Naming(); err != nil {
		errs = append(errs, err)
	}
	if c.Schedule.Enabled {
		for key, expr := range map[string]string{
			"schedule.backup_cron":      c.Schedule.BackupCron,
			"schedule.consolidate_cron": c.Schedule.ConsolidateCron,
		} {
			if expr == "" {
				continue
			}
			if _, err := cron.ParseStandard(expr); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	seen := map[string]bool{}
	for _, v := range c.Volumes {
		if seen[v.ID()] {
			errs = append(errs, fmt.Errorf("volume %s declared twice", v.ID()))
		}
		seen[v.ID()] = true
		if _, err := c.VolumeDir(v); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policy converts the backup section into a retention policy
func (c *Config) Policy() (retention.Policy, error) {
	b := c.Backup
	p := retention.Policy{
		Monthly: retention.MonthlyPolicy{
			TierPolicy: retention.TierPolicy{Max: b.Monthly.Max},
			DayOfMonth: b.Monthly.DayOfMonth,
		},
		Weekly: retention.WeeklyPolicy{TierPolicy: retention.TierPolicy{Max: b.Weekly.Max}},
		Daily:  retention.TierPolicy{Max: b.Daily.Max},
	}
	if b.Monthly.DayOfWeek != "" {
		wd, err := retention.ParseWeekday(b.Monthly.DayOfWeek)
		if err != nil {
			return p, fmt.Errorf("backup.monthly.day_of_week: %w", err)
		}
		p.Monthly.DayOfWeek = &wd
	}
	if b.Weekly.DayOfWeek != "" {
		wd, err := retention.ParseWeekday(b.Weekly.DayOfWeek)
		if err != nil {
			return p, fmt.Errorf("backup.weekly.day_of_week: %w", err)
		}
		p.Weekly.DayOfWeek = wd
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Location returns the time zone snapshot names are formatted in
func (c *Config) Location() (*time.Location, error) {
	if c.Backup.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Backup.Timezone)
	if err != nil {
		return nil, fmt.Errorf("backup.timezone: %w", err)
	}
	return loc, nil
}

// Codec returns the archive codec selected by backup.compression
func (c *Config) Codec() (archive.Codec, error) {
	return archive.CodecByName(c.Backup.Compression)
}

// Naming builds the snapshot and archive naming from the backup section
func (c *Config) Naming() (*retention.Naming, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	n, err := retention.NewNaming(c.Backup.NameFormat, loc)
	if err != nil {
		return nil, fmt.Errorf("backup.name_format: %w", err)
	}
	codec, err := c.Codec()
	if err != nil {
		return nil, fmt.Errorf("backup.compression: %w", err)
	}
	if err := n.SetExt(codec.Ext()); err != nil {
		return nil, err
	}
	return n, nil
}

// VolumeDir returns the archive directory of a volume. Relative directories
// are resolved under backup.path; the default is
// <path>/<namespace>/<workload>/<name>-<image>.
func (c *Config) VolumeDir(v VolumeConfig) (string, error) {
	if v.Directory != "" && filepath.IsAbs(v.Directory) {
		return filepath.Clean(v.Directory), nil
	}
	if v.Directory != "" {
		return archive.JoinUnder(c.Backup.Path, v.Directory)
	}
	return archive.JoinUnder(c.Backup.Path, v.Namespace, v.Workload, v.Name+"-"+v.Image)
}

// DBPath returns the run ledger path, defaulting to rbdbackup.db under the
// backup path
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Backup.Path, "rbdbackup.db")
}

// Marshal renders the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Save writes the config to path, creating parent directories
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
