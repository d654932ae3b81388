// Package config holds the drivebackup configuration model and the store
// that publishes it to the running engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DisabledDelay is the delay value that turns scheduled backups off.
const DisabledDelay = -1

const (
	defaultDelayMinutes  = 60
	defaultUploadTimeout = 10 * time.Minute
)

// DestinationKind identifies a destination type. The string value is the
// identity; it is stable across reloads and is used as the YAML key.
type DestinationKind string

const (
	KindObjectStorage DestinationKind = "s3"
	KindGoogleDrive   DestinationKind = "googledrive"
	KindFileSync      DestinationKind = "onedrive"
	KindFileTransfer  DestinationKind = "ftp"
	KindLocal         DestinationKind = "local"
)

// Kinds lists every destination kind known to this build, in display order.
var Kinds = []DestinationKind{KindObjectStorage, KindGoogleDrive, KindFileSync, KindFileTransfer, KindLocal}

// Config is the top-level configuration. A *Config published through a Store
// must not be modified afterwards.
type Config struct {
	// Delay between backup cycles in minutes. DisabledDelay turns scheduling off.
	Delay int `yaml:"delay"`
	// UploadTimeoutSeconds bounds each destination upload. Defaults to 10 minutes.
	UploadTimeoutSeconds int `yaml:"uploadTimeout,omitempty"`
	// MaxParallelUploads caps the per-cycle fan-out. 0 means one per destination.
	MaxParallelUploads int `yaml:"maxParallelUploads,omitempty"`

	UpdateCheck bool `yaml:"updateCheck"`
	Metrics     bool `yaml:"metrics"`

	Source       SourceConfig    `yaml:"source"`
	Retention    RetentionPolicy `yaml:"retention"`
	Destinations Destinations    `yaml:"destinations"`
	Status       StatusConfig    `yaml:"status"`
}

// SourceConfig describes the local state that gets snapshotted.
type SourceConfig struct {
	Name     string   `yaml:"name,omitempty"` // used in backup file names; defaults to "backup"
	Paths    []string `yaml:"paths"`
	Exclude  []string `yaml:"exclude,omitempty"`
	LockFile string   `yaml:"lockFile,omitempty"` // source is unavailable while this file exists
}

type RetentionPolicy struct {
	KeepLast    int `yaml:"keepLast"`
	KeepHourly  int `yaml:"keepHourly"`
	KeepDaily   int `yaml:"keepDaily"`
	KeepWeekly  int `yaml:"keepWeekly"`
	KeepMonthly int `yaml:"keepMonthly"`
	KeepYearly  int `yaml:"keepYearly"`
}

// IsZero reports whether the policy keeps nothing, in which case retention
// is not applied at all.
func (r RetentionPolicy) IsZero() bool {
	return r == RetentionPolicy{}
}

// Destinations holds one section per destination kind.
type Destinations struct {
	S3          S3Config          `yaml:"s3"`
	GoogleDrive GoogleDriveConfig `yaml:"googledrive"`
	OneDrive    OneDriveConfig    `yaml:"onedrive"`
	FTP         FTPConfig         `yaml:"ftp"`
	Local       LocalConfig       `yaml:"local"`
}

// S3Config configures the S3-compatible object storage destination.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	StorageClass    string `yaml:"storageClass,omitempty"`
	ForcePathStyle  bool   `yaml:"forcePathStyle,omitempty"`
}

// GoogleDriveConfig configures the Google Drive destination. Backups go to
// FolderID when set, otherwise to a folder named Folder in My Drive.
type GoogleDriveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"clientId,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
	RefreshToken string `yaml:"refreshToken,omitempty"`
	Folder       string `yaml:"folder,omitempty"`
	FolderID     string `yaml:"folderId,omitempty"`
}

// OneDriveConfig configures the OneDrive file-sync destination.
type OneDriveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"clientId,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
	Tenant       string `yaml:"tenant,omitempty"` // defaults to "common"
	RefreshToken string `yaml:"refreshToken,omitempty"`
	Folder       string `yaml:"folder,omitempty"`
}

// FTPConfig configures the file-transfer destination. Protocol is "ftp",
// "ftps" or "sftp".
type FTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Protocol       string `yaml:"protocol,omitempty"`
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	PrivateKey     string `yaml:"privateKey,omitempty"`     // path to a PEM key, sftp only
	HostKey        string `yaml:"hostKey,omitempty"`        // authorized_keys line or base64 key, sftp only
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"` // sftp only
	Directory      string `yaml:"directory,omitempty"`
}

// LocalConfig configures the local directory destination.
type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// StatusConfig configures the operator status server.
type StatusConfig struct {
	Listen string `yaml:"listen,omitempty"` // empty disables the server
}

// Default returns a Config populated with defaults. Parse decodes on top of it.
func Default() *Config {
	return &Config{
		Delay:       defaultDelayMinutes,
		UpdateCheck: true,
		Metrics:     true,
		Source:      SourceConfig{Name: "backup"},
		Destinations: Destinations{
			FTP:   FTPConfig{Protocol: "ftp"},
			Local: LocalConfig{Path: "./backups"},
		},
	}
}

// Parse reads and parses the config file at the given path.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses YAML config data on top of the defaults.
func ParseBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if cfg.Source.Name == "" {
		cfg.Source.Name = "backup"
	}
	return cfg, nil
}

// Path resolves the config file path from (in order of priority):
// 1. DRIVEBACKUP_CONFIG environment variable
// 2. /config/config.yml (Docker default)
// 3. ./config.yml (local development fallback)
func Path() string {
	if v := os.Getenv("DRIVEBACKUP_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("/config/config.yml"); err == nil {
		return "/config/config.yml"
	}
	return "config.yml"
}

// Interval returns the backup cycle interval. A negative value means
// scheduling is disabled; zero is treated the same way by the scheduler.
func (c *Config) Interval() time.Duration {
	if c.Delay < 0 {
		return -1
	}
	return time.Duration(c.Delay) * time.Minute
}

// UploadTimeout returns the per-destination upload bound.
func (c *Config) UploadTimeout() time.Duration {
	if c.UploadTimeoutSeconds <= 0 {
		return defaultUploadTimeout
	}
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// DestinationEnabled reports whether the destination of the given kind is
// switched on. Unknown kinds are disabled.
func (c *Config) DestinationEnabled(kind DestinationKind) bool {
	switch kind {
	case KindObjectStorage:
		return c.Destinations.S3.Enabled
	case KindGoogleDrive:
		return c.Destinations.GoogleDrive.Enabled
	case KindFileSync:
		return c.Destinations.OneDrive.Enabled
	case KindFileTransfer:
		return c.Destinations.FTP.Enabled
	case KindLocal:
		return c.Destinations.Local.Enabled
	}
	return false
}

// EnabledDestinations returns the enabled kinds in display order.
func (c *Config) EnabledDestinations() []DestinationKind {
	var kinds []DestinationKind
	for _, k := range Kinds {
		if c.DestinationEnabled(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Validate reports configuration problems. None of them are fatal: the
// affected destination fails fast at upload time and scheduling degrades to
// disabled.
func (c *Config) Validate() error {
	var errs []error
	if c.Delay < 0 && c.Delay != DisabledDelay {
		errs = append(errs, fmt.Errorf("delay %d is invalid, use %d to disable scheduled backups", c.Delay, DisabledDelay))
	}
	if c.Delay == 0 {
		errs = append(errs, errors.New("delay must be positive, scheduled backups are disabled"))
	}
	if len(c.Source.Paths) == 0 && len(c.EnabledDestinations()) > 0 {
		errs = append(errs, errors.New("source.paths is empty"))
	}
	d := c.Destinations
	if d.S3.Enabled && d.S3.Bucket == "" {
		errs = append(errs, errors.New("destinations.s3.bucket is required"))
	}
	if d.S3.Enabled && (d.S3.AccessKeyID == "") != (d.S3.SecretAccessKey == "") {
		errs = append(errs, errors.New("destinations.s3 needs both accessKeyId and secretAccessKey"))
	}
	if d.GoogleDrive.Enabled && (d.GoogleDrive.ClientID == "" || d.GoogleDrive.RefreshToken == "") {
		errs = append(errs, errors.New("destinations.googledrive needs clientId and refreshToken"))
	}
	if d.OneDrive.Enabled && (d.OneDrive.ClientID == "" || d.OneDrive.RefreshToken == "") {
		errs = append(errs, errors.New("destinations.onedrive needs clientId and refreshToken"))
	}
	if d.FTP.Enabled {
		switch d.FTP.Protocol {
		case "ftp", "ftps", "sftp":
		default:
			errs = append(errs, fmt.Errorf("destinations.ftp.protocol %q is not one of ftp, ftps, sftp", d.FTP.Protocol))
		}
		if d.FTP.Host == "" || d.FTP.Username == "" {
			errs = append(errs, errors.New("destinations.ftp needs host and username"))
		}
	}
	if d.Local.Enabled && d.Local.Path == "" {
		errs = append(errs, errors.New("destinations.local.path is required"))
	}
	return errors.Join(errs...)
}
