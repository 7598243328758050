// Package config loads the vaultsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/ir"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sync      SyncConfig      `yaml:"sync"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type NodeConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	// Name is a display label. The node ID is generated and stored in the database.
	Name string `yaml:"name"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// AdvertisePort is the port put in mDNS records. Zero uses the listen port.
	AdvertisePort int `yaml:"advertise_port"`
}

type SyncConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	Interval           time.Duration `yaml:"interval"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	MailboxSize        int           `yaml:"mailbox_size"`
	MaxChecksumRetries int           `yaml:"max_checksum_retries"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	SharedSecret       string        `yaml:"shared_secret"`
	Compression        *bool         `yaml:"compression"`
}

// CompressionEnabled reports whether pulls ask for snappy. Defaults to true.
func (s SyncConfig) CompressionEnabled() bool {
	return s.Compression == nil || *s.Compression
}

type DiscoveryConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	Service      string                 `yaml:"service"`
	Domain       string                 `yaml:"domain"`
	Tick         time.Duration          `yaml:"tick"`
	StaleAfter   time.Duration          `yaml:"stale_after"`
	OfflineAfter time.Duration          `yaml:"offline_after"`
	StaticPeers  []discovery.StaticPeer `yaml:"static_peers"`
}

type NotifyConfig struct {
	// Kind is "log", "webhook" or "none".
	Kind       string        `yaml:"kind"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir: "./data",
		},
		HTTP: HTTPConfig{
			Listen: ":7420",
		},
		Sync: SyncConfig{
			BatchSize:          ir.MaxBatchSize,
			Interval:           15 * time.Second,
			SessionTimeout:     30 * time.Second,
			MailboxSize:        256,
			MaxChecksumRetries: 3,
			BackoffInitial:     time.Second,
			BackoffMax:         5 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Enabled:      true,
			Service:      "_vaultsync._tcp",
			Domain:       "local.",
			Tick:         30 * time.Second,
			StaleAfter:   90 * time.Second,
			OfflineAfter: 5 * time.Minute,
		},
		Notify: NotifyConfig{
			Kind:    "log",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// an empty path does too.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DatabasePath is db_path if set, otherwise vaultsync.db under data_dir.
func (c Config) DatabasePath() string {
	if c.Node.DBPath != "" {
		return c.Node.DBPath
	}
	return filepath.Join(c.Node.DataDir, "vaultsync.db")
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > ir.MaxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size must be within 1..%d, got %d", ir.MaxBatchSize, c.Sync.BatchSize))
	}
	for name, d := range map[string]time.Duration{
		"sync.interval":        c.Sync.Interval,
		"sync.session_timeout": c.Sync.SessionTimeout,
		"sync.backoff_initial": c.Sync.BackoffInitial,
		"sync.backoff_max":     c.Sync.BackoffMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		errs = append(errs, errors.New("sync.backoff_max must not be below sync.backoff_initial"))
	}
	if c.Sync.MailboxSize < 1 {
		errs = append(errs, errors.New("sync.mailbox_size must be at least 1"))
	}
	if c.Sync.MaxChecksumRetries < 0 {
		errs = append(errs, errors.New("sync.max_checksum_retries must not be negative"))
	}
	if c.Discovery.Tick <= 0 || c.Discovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("discovery.tick and discovery.stale_after must be positive"))
	}
	if c.Discovery.OfflineAfter <= c.Discovery.StaleAfter {
		errs = append(errs, errors.New("discovery.offline_after must be greater than discovery.stale_after"))
	}
	for i, p := range c.Discovery.StaticPeers {
		if p.NodeID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("discovery.static_peers[%d] needs node_id and address", i))
		}
	}
	switch c.Notify.Kind {
	case "", "none", "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			errs = append(errs, errors.New("notify.webhook_url is required for notify.kind webhook"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.kind %q is not one of log, webhook, none", c.Notify.Kind))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
