// Package config loads tubefetch settings with precedence flags > env > file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvcoi/tubefetch/internal/log"
)

const (
	DefaultPort        = 5174
	DefaultOutputDir   = "downloads"
	DefaultBitrateKbps = 192
	DefaultAWSRegion   = "us-east-1"
)

// Config is the resolved application configuration.
type Config struct {
	Port        int           `yaml:"port"`
	OutputDir   string        `yaml:"outputDir"`
	FFmpegPath  string        `yaml:"ffmpeg"`
	KeepPartial bool          `yaml:"keepPartial"`
	Timeout     time.Duration `yaml:"timeout"`
	BitrateKbps int           `yaml:"bitrate"`

	Progress ProgressConfig `yaml:"progress"`
	S3       S3Config       `yaml:"s3"`
	OBS      OBSConfig      `yaml:"obs"`

	// CleanupLocal removes the local copy after a successful remote upload.
	CleanupLocal bool `yaml:"cleanupLocalFiles"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

type ProgressConfig struct {
	DoneTTL    time.Duration `yaml:"doneTTL"`
	ErrorTTL   time.Duration `yaml:"errorTTL"`
	MaxEntries int           `yaml:"maxEntries"`
}

type S3Config struct {
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
}

// Enabled reports whether credentials and a bucket are all present.
func (c S3Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

type OBSConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
}

func (c OBSConfig) Enabled() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:        DefaultPort,
		OutputDir:   DefaultOutputDir,
		Timeout:     3 * time.Minute,
		BitrateKbps: DefaultBitrateKbps,
		Progress: ProgressConfig{
			DoneTTL:    15 * time.Minute,
			ErrorTTL:   30 * time.Minute,
			MaxEntries: 4096,
		},
		S3:        S3Config{Region: DefaultAWSRegion},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds a Config from defaults, the optional YAML file named by path
// (or TUBEFETCH_CONFIG when path is empty), and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("TUBEFETCH_CONFIG")
	}
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	logger := log.WithComponent("config")
	logger.Debug().Str("path", path).Msg("loaded config file")
	return nil
}

func mergeEnv(cfg *Config) {
	cfg.Port = ParseInt("PORT", cfg.Port)
	cfg.OutputDir = ParseString("TUBEFETCH_OUTPUT_DIR", cfg.OutputDir)
	cfg.FFmpegPath = ParseString("TUBEFETCH_FFMPEG", cfg.FFmpegPath)
	cfg.KeepPartial = ParseBool("TUBEFETCH_KEEP_PARTIAL", cfg.KeepPartial)
	cfg.Timeout = ParseDuration("TUBEFETCH_TIMEOUT", cfg.Timeout)
	cfg.BitrateKbps = ParseInt("TUBEFETCH_BITRATE", cfg.BitrateKbps)

	cfg.Progress.DoneTTL = ParseDuration("TUBEFETCH_PROGRESS_DONE_TTL", cfg.Progress.DoneTTL)
	cfg.Progress.ErrorTTL = ParseDuration("TUBEFETCH_PROGRESS_ERROR_TTL", cfg.Progress.ErrorTTL)
	cfg.Progress.MaxEntries = ParseInt("TUBEFETCH_PROGRESS_MAX_ENTRIES", cfg.Progress.MaxEntries)

	cfg.S3.AccessKeyID = ParseString("AWS_ACCESS_KEY_ID", cfg.S3.AccessKeyID)
	cfg.S3.SecretAccessKey = ParseString("AWS_SECRET_ACCESS_KEY", cfg.S3.SecretAccessKey)
	cfg.S3.Bucket = ParseString("AWS_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = ParseString("AWS_REGION", cfg.S3.Region)

	cfg.OBS.Endpoint = ParseString("OBS_ENDPOINT", cfg.OBS.Endpoint)
	cfg.OBS.AccessKey = ParseString("OBS_ACCESS_KEY", cfg.OBS.AccessKey)
	cfg.OBS.SecretKey = ParseString("OBS_SECRET_KEY", cfg.OBS.SecretKey)
	cfg.OBS.Bucket = ParseString("OBS_BUCKET", cfg.OBS.Bucket)

	// Only the literal "true" enables cleanup.
	if v, ok := os.LookupEnv("CLEANUP_LOCAL_FILES"); ok {
		cfg.CleanupLocal = v == "true"
	}

	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = ParseString("LOG_FORMAT", cfg.LogFormat)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.BitrateKbps <= 0 {
		errs = append(errs, fmt.Errorf("invalid bitrate %d", c.BitrateKbps))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output directory must not be empty"))
	}
	if c.Progress.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("invalid progress max entries %d", c.Progress.MaxEntries))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for Port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
