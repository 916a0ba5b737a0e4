// Package config loads context-flow settings.
//
// Sources are applied in order, later ones winning: built-in defaults, the
// YAML file, a .env file in the working directory, then the process
// environment (CONTEXT_FLOW_* variables).
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mattpollak/context-flow/internal/markers"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

const envPrefix = "CONTEXT_FLOW_"

type Config struct {
	DataDir        string `yaml:"data_dir"`
	TranscriptRoot string `yaml:"transcript_root"`
	MarkerDir      string `yaml:"marker_dir"`
	MaxLimit       int    `yaml:"max_limit"`
	MaxTags        int    `yaml:"max_tags"`
	MaxTagLength   int    `yaml:"max_tag_length"`
	Workers        int    `yaml:"workers"`
	RescanSchedule string `yaml:"rescan_schedule"`
	HTTPAddr       string `yaml:"http_addr"`
	LogLevel       string `yaml:"log_level"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	limits := query.DefaultLimits()
	return Config{
		DataDir:        store.DefaultConfig().DataDir,
		TranscriptRoot: filepath.Join(home, ".claude", "projects"),
		MarkerDir:      markers.DefaultPath(),
		MaxLimit:       limits.MaxLimit,
		MaxTags:        limits.MaxTags,
		MaxTagLength:   limits.MaxTagLength,
		Workers:        runtime.NumCPU(),
		RescanSchedule: "*/5 * * * *",
		HTTPAddr:       "127.0.0.1:7438",
		LogLevel:       "info",
	}
}

// DefaultPath is $XDG_CONFIG_HOME/context-flow/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "context-flow", "config.yaml")
}

// Load builds the configuration. A missing YAML file or .env file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DATA_DIR":        &c.DataDir,
		"TRANSCRIPT_ROOT": &c.TranscriptRoot,
		"MARKER_DIR":      &c.MarkerDir,
		"RESCAN_SCHEDULE": &c.RescanSchedule,
		"HTTP_ADDR":       &c.HTTPAddr,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"MAX_LIMIT":      &c.MaxLimit,
		"MAX_TAGS":       &c.MaxTags,
		"MAX_TAG_LENGTH": &c.MaxTagLength,
		"WORKERS":        &c.Workers,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Errorf("%s%s must be an integer, got %q", envPrefix, key, v)
		}
		*dst = n
	}
	return nil
}

// Validate rejects settings the rest of the program cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if c.TranscriptRoot == "" {
		return errors.New("transcript_root cannot be empty")
	}
	for name, v := range map[string]int{
		"max_limit":      c.MaxLimit,
		"max_tags":       c.MaxTags,
		"max_tag_length": c.MaxTagLength,
		"workers":        c.Workers,
	} {
		if v <= 0 {
			return errors.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.RescanSchedule != "" && !gronx.New().IsValid(c.RescanSchedule) {
		return errors.Errorf("invalid rescan_schedule: %s", c.RescanSchedule)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return nil
}

func (c Config) Store() store.Config {
	sc := store.DefaultConfig()
	sc.DataDir = c.DataDir
	return sc
}

func (c Config) Limits() query.Limits {
	return query.Limits{MaxLimit: c.MaxLimit, MaxTags: c.MaxTags, MaxTagLength: c.MaxTagLength}
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
