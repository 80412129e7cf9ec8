package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/internal/executor"
	"github.com/vitebski/mysql-ddl-guard/internal/review"
	"github.com/vitebski/mysql-ddl-guard/internal/utils"
)

// DefaultFile is looked up in the working directory when no file is given
const DefaultFile = "ddl-guard.toml"

// Duration reads "30s" style values from TOML and the environment
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// parseDuration accepts Go durations and bare seconds
func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return parsed, nil
}

type Database struct {
	Host     string `toml:"host"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Port     string `toml:"port"`
}

type Executor struct {
	Timeout    Duration `toml:"timeout"`
	HardMargin Duration `toml:"hard_margin"`
}

type Review struct {
	LargeTableRows int64 `toml:"large_table_rows"`
}

// Config holds every setting, layered as defaults, file, then environment.
// Command-line flags are applied on top by the caller.
type Config struct {
	Database Database `toml:"database"`
	Executor Executor `toml:"executor"`
	Review   Review   `toml:"review"`
	LogLevel string   `toml:"log_level"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Database: Database{
			Host: "localhost",
			User: "root",
			Port: "3306",
		},
		Executor: Executor{
			Timeout:    Duration{executor.DefaultTimeout},
			HardMargin: Duration{executor.DefaultHardMargin},
		},
		Review: Review{
			LargeTableRows: review.DefaultLargeTableRows,
		},
		LogLevel: "info",
	}
}

// Load applies the TOML file at path, or DefaultFile when path is empty and
// the file exists, then the environment
func Load(path string, logger *logrus.Logger) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			logger.Errorf("Error reading %s: %v", path, err)
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		logger.Infof("Loaded configuration from %s", path)
	case explicit || !errors.Is(err, os.ErrNotExist):
		logger.Errorf("Error opening %s: %v", path, err)
		return nil, fmt.Errorf("config %s: %w", path, err)
	default:
		logger.Debugf("No %s file found, using defaults", path)
	}

	if err := cfg.applyEnv(); err != nil {
		logger.Errorf("Error reading environment: %v", err)
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(c)
}

func (c *Config) applyEnv() error {
	texts := map[string]*string{
		"MYSQL_HOST":          &c.Database.Host,
		"MYSQL_USER":          &c.Database.User,
		"MYSQL_PASSWORD":      &c.Database.Password,
		"MYSQL_DATABASE":      &c.Database.Database,
		"MYSQL_PORT":          &c.Database.Port,
		"DDL_GUARD_LOG_LEVEL": &c.LogLevel,
	}
	for name, field := range texts {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			*field = value
		}
	}

	durations := map[string]*Duration{
		"DDL_GUARD_TIMEOUT":     &c.Executor.Timeout,
		"DDL_GUARD_HARD_MARGIN": &c.Executor.HardMargin,
	}
	for name, field := range durations {
		if value := os.Getenv(name); value != "" {
			if err := field.UnmarshalText([]byte(value)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	c.Review.LargeTableRows = int64(utils.GetEnvInt("DDL_GUARD_LARGE_TABLE_ROWS", int(c.Review.LargeTableRows)))
	return nil
}

// Encode renders the configuration as TOML with the password masked
func (c *Config) Encode() (string, error) {
	masked := *c
	if masked.Database.Password != "" {
		masked.Database.Password = "********"
	}
	data, err := toml.Marshal(&masked)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
