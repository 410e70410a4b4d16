package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/mp4play/internal/media"
)

// config holds the binary's settings. Values come from an optional YAML
// file; environment variables override the file.
type config struct {
	Input              string `yaml:"input"`
	VideoOut           string `yaml:"video_out"`
	AudioOut           string `yaml:"audio_out"`
	SinkFormat         string `yaml:"sink_format"`
	BootstrapThreshold int    `yaml:"bootstrap_threshold"`
	ChunkSize          int    `yaml:"chunk_size"`
	Debug              bool   `yaml:"debug"`
	LogFormat          string `yaml:"log_format"`
	// H3CertSHA256 pins the certificate of an h3:// origin, as hex or
	// base64.
	H3CertSHA256 string `yaml:"h3_cert_sha256"`
	// StatusAddr enables the HTTPS session status API when set.
	StatusAddr string `yaml:"status_addr"`
}

func defaultConfig() config {
	return config{
		SinkFormat:         "elementary",
		BootstrapThreshold: media.DefaultBootstrapThreshold,
		ChunkSize:          media.DefaultChunkSize,
		LogFormat:          "text",
	}
}

// loadConfig reads path (if non-empty), applies the environment and
// validates the result.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Input = envOr("INPUT", cfg.Input)
	cfg.VideoOut = envOr("VIDEO_OUT", cfg.VideoOut)
	cfg.AudioOut = envOr("AUDIO_OUT", cfg.AudioOut)
	cfg.SinkFormat = envOr("SINK_FORMAT", cfg.SinkFormat)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.H3CertSHA256 = envOr("H3_CERT_SHA256", cfg.H3CertSHA256)
	cfg.StatusAddr = envOr("STATUS_ADDR", cfg.StatusAddr)
	if os.Getenv("DEBUG") != "" {
		cfg.Debug = true
	}

	var err error
	if cfg.BootstrapThreshold, err = envInt("BOOTSTRAP_THRESHOLD", cfg.BootstrapThreshold); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize, err = envInt("CHUNK_SIZE", cfg.ChunkSize); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is required (INPUT or config file)"))
	}
	switch c.SinkFormat {
	case "elementary", "framed":
	default:
		errs = append(errs, fmt.Errorf("unknown sink format %q", c.SinkFormat))
	}
	switch c.LogFormat {
	case "text", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.BootstrapThreshold <= 0 {
		errs = append(errs, fmt.Errorf("bootstrap threshold must be positive, got %d", c.BootstrapThreshold))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
