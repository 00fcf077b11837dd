// Package config handles fatmodel configuration via YAML files and
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --input, etc.)
//  2. Environment variables (FATMODEL_*)
//  3. Config file (fatmodel.yaml)
//  4. Built-in defaults
//
// Example usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Data dir: %s\n", cfg.Storage.DataDir)
//
// Environment variables (all use FATMODEL_ prefix):
//
// Storage:
//   - FATMODEL_DATA_DIR="./data"
//   - FATMODEL_IN_MEMORY=false
//
// Ingest:
//   - FATMODEL_INPUT="daily.csv"
//
// Review:
//   - FATMODEL_ACTOR="mhill"
//
// Pipeline:
//   - FATMODEL_CAP_FRACTION=0.03
//   - FATMODEL_RUN_BUDGET=5m
//   - FATMODEL_BOOTSTRAP=false
//
// Logging:
//   - FATMODEL_LOG_LEVEL="info"
//   - FATMODEL_LOG_FORMAT="text"
//
// Multi-valued pipeline settings (window lengths, hydration grids, bounds)
// are file-only; see the calibrate section of the YAML schema.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/calibrate"
)

// Config holds all fatmodel configuration.
//
// Sections:
//   - Storage: parameter store location
//   - Ingest: daily-record input
//   - Review: reviewer identity for approve/reject
//   - Pipeline: calibration stage settings
//   - Logging: log level and format
type Config struct {
	Storage  StorageConfig    `yaml:"storage"`
	Ingest   IngestConfig     `yaml:"ingest"`
	Review   ReviewConfig     `yaml:"review"`
	Pipeline calibrate.Config `yaml:"calibrate"`
	Logging  LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds parameter store settings.
type StorageConfig struct {
	// DataDir is the BadgerDB directory for versions, proposals, audit
	// entries and estimate snapshots.
	DataDir string `yaml:"data_dir"`
	// InMemory switches to a non-persistent store. Useful for dry runs.
	InMemory bool `yaml:"in_memory"`
}

// IngestConfig holds input settings.
type IngestConfig struct {
	// Input is the daily-record CSV path.
	Input string `yaml:"input"`
}

// ReviewConfig holds reviewer identity settings.
type ReviewConfig struct {
	// Actor is recorded on approvals, rejections and audit entries.
	Actor string `yaml:"actor"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage:  StorageConfig{DataDir: "./data"},
		Ingest:   IngestConfig{},
		Review:   ReviewConfig{Actor: defaultActor()},
		Pipeline: calibrate.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadFromEnv builds a Config from defaults overlaid with FATMODEL_*
// environment variables. Never fails; invalid values fall back to defaults.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFromFile loads a YAML config file, then applies environment
// overrides. An empty path returns LoadFromEnv().
func LoadFromFile(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns the first config file found in the standard
// locations, or empty when none exists.
func FindConfigFile() string {
	candidates := []string{
		"fatmodel.yaml",
		"fatmodel.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "fatmodel", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir required when not in-memory")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Logging.Format)
	}
	return c.Pipeline.Validate()
}

// NewLogger builds a logrus logger per the logging section.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if strings.EqualFold(c.Logging.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("FATMODEL_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("FATMODEL_IN_MEMORY", c.Storage.InMemory)
	c.Ingest.Input = getEnv("FATMODEL_INPUT", c.Ingest.Input)
	c.Review.Actor = getEnv("FATMODEL_ACTOR", c.Review.Actor)
	c.Pipeline.CapFraction = getEnvFloat("FATMODEL_CAP_FRACTION", c.Pipeline.CapFraction)
	c.Pipeline.Budget = getEnvDuration("FATMODEL_RUN_BUDGET", c.Pipeline.Budget)
	c.Pipeline.BootstrapEnabled = getEnvBool("FATMODEL_BOOTSTRAP", c.Pipeline.BootstrapEnabled)
	c.Logging.Level = getEnv("FATMODEL_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("FATMODEL_LOG_FORMAT", c.Logging.Format)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "reviewer"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
