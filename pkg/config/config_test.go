package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 0.03, cfg.Pipeline.CapFraction)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FATMODEL_DATA_DIR", "/var/lib/fatmodel")
	t.Setenv("FATMODEL_IN_MEMORY", "true")
	t.Setenv("FATMODEL_ACTOR", "reviewer-a")
	t.Setenv("FATMODEL_CAP_FRACTION", "0.05")
	t.Setenv("FATMODEL_RUN_BUDGET", "90s")
	t.Setenv("FATMODEL_BOOTSTRAP", "true")
	t.Setenv("FATMODEL_LOG_LEVEL", "debug")
	t.Setenv("FATMODEL_LOG_FORMAT", "json")

	cfg := LoadFromEnv()
	assert.Equal(t, "/var/lib/fatmodel", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "reviewer-a", cfg.Review.Actor)
	assert.Equal(t, 0.05, cfg.Pipeline.CapFraction)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Budget)
	assert.True(t, cfg.Pipeline.BootstrapEnabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("FATMODEL_CAP_FRACTION", "lots")
	t.Setenv("FATMODEL_IN_MEMORY", "maybe")
	t.Setenv("FATMODEL_RUN_BUDGET", "soon")

	cfg := LoadFromEnv()
	assert.Equal(t, 0.03, cfg.Pipeline.CapFraction)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.Budget)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fatmodel.yaml")
	content := `
storage:
  data_dir: /tmp/fm
ingest:
  input: daily.csv
review:
  actor: markh
calibrate:
  cap_fraction: 0.02
  kalman:
    process_noise: 0.04
    measurement_noise: 2.89
  window:
    mode: anchored
    lengths: [14, 28]
    lookback_days: 3
    max_daily_change: 0.12
logging:
  level: warn
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fm", cfg.Storage.DataDir)
	assert.Equal(t, "daily.csv", cfg.Ingest.Input)
	assert.Equal(t, "markh", cfg.Review.Actor)
	assert.Equal(t, 0.02, cfg.Pipeline.CapFraction)
	assert.Equal(t, 0.04, cfg.Pipeline.Kalman.ProcessNoise)
	assert.Equal(t, []int{14, 28}, cfg.Pipeline.Window.Lengths)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Env still wins over the file.
	t.Setenv("FATMODEL_ACTOR", "other")
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Review.Actor)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [not a map"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.DataDir = ""
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	log := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	cfg.Logging.Format = "text"
	log = cfg.NewLogger()
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
