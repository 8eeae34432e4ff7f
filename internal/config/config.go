// Package config provides YAML-based configuration loading for ingestd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ingestd configuration, loaded from config.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DB          DBConfig          `yaml:"db"`
	SharePoint  SharePointConfig  `yaml:"sharepoint"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Notify      NotifyConfig      `yaml:"notify"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Limits      LimitsConfig      `yaml:"limits"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// SharePointConfig holds Microsoft Graph client-credentials settings for
// the source system. Optional: when empty, sync operations are rejected.
type SharePointConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	SiteID       string `yaml:"site_id"`
	DriveID      string `yaml:"drive_id"`
}

// Configured reports whether any SharePoint setting is present.
func (c SharePointConfig) Configured() bool {
	return c != (SharePointConfig{})
}

// ObjectStoreConfig holds S3 staging settings.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// IndexerConfig holds knowledge-base indexing service settings.
type IndexerConfig struct {
	KnowledgeBaseID string `yaml:"knowledge_base_id"`
	DataSourceID    string `yaml:"data_source_id"`
	Region          string `yaml:"region"`
	PollInterval    string `yaml:"poll_interval"` // e.g. "15s"
	PollTimeout     string `yaml:"poll_timeout"`  // e.g. "30m"
}

// PollIntervalDuration returns the parsed poll interval.
func (c IndexerConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// PollTimeoutDuration returns the parsed poll timeout.
func (c IndexerConfig) PollTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollTimeout)
	return d
}

// NotifyConfig holds optional terminal-state notification targets.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SweepConfig controls the stuck-operation reconciliation sweep.
type SweepConfig struct {
	Schedule   string `yaml:"schedule"`    // cron expression or @every/@hourly
	StaleAfter string `yaml:"stale_after"` // e.g. "2h"
}

// StaleAfterDuration returns the parsed staleness threshold.
func (c SweepConfig) StaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.StaleAfter)
	return d
}

// LimitsConfig bounds synchronous request validation.
type LimitsConfig struct {
	MaxUploadFiles int   `yaml:"max_upload_files"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxDeleteBatch int   `yaml:"max_delete_batch"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "ingestd.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.User == "" {
			c.DB.User = "root"
		}
		if c.DB.Database == "" {
			c.DB.Database = "ingestd"
		}
	}
	if c.Indexer.PollInterval == "" {
		c.Indexer.PollInterval = "15s"
	}
	if c.Indexer.PollTimeout == "" {
		c.Indexer.PollTimeout = "30m"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@hourly"
	}
	if c.Sweep.StaleAfter == "" {
		c.Sweep.StaleAfter = "2h"
	}
	if c.Limits.MaxUploadFiles == 0 {
		c.Limits.MaxUploadFiles = 100
	}
	if c.Limits.MaxUploadBytes == 0 {
		c.Limits.MaxUploadBytes = 100 << 20
	}
	if c.Limits.MaxDeleteBatch == 0 {
		c.Limits.MaxDeleteBatch = 100
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.ObjectStore.Bucket == "" {
		errs = append(errs, "object_store.bucket is required")
	}
	if c.Indexer.KnowledgeBaseID == "" {
		errs = append(errs, "indexer.knowledge_base_id is required")
	}
	if c.Indexer.DataSourceID == "" {
		errs = append(errs, "indexer.data_source_id is required")
	}
	if _, err := time.ParseDuration(c.Indexer.PollInterval); err != nil {
		errs = append(errs, fmt.Sprintf("indexer.poll_interval %q is not a duration", c.Indexer.PollInterval))
	}
	if _, err := time.ParseDuration(c.Indexer.PollTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("indexer.poll_timeout %q is not a duration", c.Indexer.PollTimeout))
	}
	if _, err := time.ParseDuration(c.Sweep.StaleAfter); err != nil {
		errs = append(errs, fmt.Sprintf("sweep.stale_after %q is not a duration", c.Sweep.StaleAfter))
	}
	if c.SharePoint.Configured() {
		if c.SharePoint.TenantID == "" || c.SharePoint.ClientID == "" || c.SharePoint.ClientSecret == "" {
			errs = append(errs, "sharepoint requires tenant_id, client_id and client_secret")
		}
		if c.SharePoint.SiteID == "" || c.SharePoint.DriveID == "" {
			errs = append(errs, "sharepoint requires site_id and drive_id")
		}
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required when a bot token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
