// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend names.
const (
	BackendHTTP  = "http"
	BackendLocal = "local"
	BackendSFTP  = "sftp"
	BackendS3    = "s3"
)

// Config holds all sandboxfs configuration.
type Config struct {
	// Which remote to talk to and where to start
	Backend string
	Root    string

	// Logging
	LogLevel  string
	LogFormat string // json, console; empty picks by terminal

	// Metrics (optional)
	MetricsAddr string

	// Engine
	Debounce       time.Duration
	MaxConcurrent  int
	WatchTimeout   time.Duration
	PollInterval   time.Duration
	DownloadUser   string
	UseSignature   bool
	DownloadExpiry time.Duration

	// HTTP sandbox API
	HTTPBaseURL        string
	HTTPAccessToken    string
	HTTPWatchTransport string

	// Local directory
	LocalDir string

	// SFTP
	SFTPAddr       string
	SFTPUser       string
	SFTPPassword   string
	SFTPKeyFile    string
	SFTPKnownHosts string
	SFTPInsecure   bool
	SFTPBaseDir    string
	SFTPTimeout    time.Duration

	// S3
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
	S3PathStyle bool
}

// Load reads configuration from environment variables with defaults and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Backend:     envOr("SANDBOXFS_BACKEND", BackendHTTP),
		Root:        envOr("SANDBOXFS_ROOT", "/"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", ""),
		MetricsAddr: envOr("METRICS_ADDR", ""),

		Debounce:       envDuration("SANDBOXFS_DEBOUNCE", 100*time.Millisecond),
		MaxConcurrent:  envInt("SANDBOXFS_MAX_CONCURRENT", 0), // 0 = unbounded
		WatchTimeout:   envDuration("SANDBOXFS_WATCH_TIMEOUT", 10*time.Second),
		PollInterval:   envDuration("SANDBOXFS_POLL_INTERVAL", 5*time.Second),
		DownloadUser:   envOr("SANDBOXFS_DOWNLOAD_USER", ""),
		UseSignature:   envBool("SANDBOXFS_USE_SIGNATURE", false),
		DownloadExpiry: envDuration("SANDBOXFS_DOWNLOAD_EXPIRY", 5*time.Minute),

		HTTPBaseURL:        envOr("HTTP_BASE_URL", ""),
		HTTPAccessToken:    envOr("HTTP_ACCESS_TOKEN", ""),
		HTTPWatchTransport: envOr("HTTP_WATCH_TRANSPORT", "sse"),

		LocalDir: envOr("LOCAL_DIR", ""),

		SFTPAddr:       envOr("SFTP_ADDR", ""),
		SFTPUser:       envOr("SFTP_USER", ""),
		SFTPPassword:   envOr("SFTP_PASSWORD", ""),
		SFTPKeyFile:    envOr("SFTP_KEY_FILE", ""),
		SFTPKnownHosts: envOr("SFTP_KNOWN_HOSTS", ""),
		SFTPInsecure:   envBool("SFTP_INSECURE_IGNORE_HOST_KEY", false),
		SFTPBaseDir:    envOr("SFTP_BASE_DIR", ""),
		SFTPTimeout:    envDuration("SFTP_TIMEOUT", 10*time.Second),

		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3Bucket:    envOr("S3_BUCKET", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Prefix:    envOr("S3_PREFIX", ""),
		S3PathStyle: envBool("S3_PATH_STYLE", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("SANDBOXFS_MAX_CONCURRENT must not be negative")
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}

	switch c.Backend {
	case BackendHTTP:
		if c.HTTPBaseURL == "" {
			return fmt.Errorf("HTTP_BASE_URL is required")
		}
		if c.HTTPWatchTransport != "sse" && c.HTTPWatchTransport != "websocket" {
			return fmt.Errorf("HTTP_WATCH_TRANSPORT must be sse or websocket, got %q", c.HTTPWatchTransport)
		}
	case BackendLocal:
		if c.LocalDir == "" {
			return fmt.Errorf("LOCAL_DIR is required")
		}
	case BackendSFTP:
		if c.SFTPAddr == "" {
			return fmt.Errorf("SFTP_ADDR is required")
		}
		if c.SFTPUser == "" {
			return fmt.Errorf("SFTP_USER is required")
		}
		if c.SFTPPassword == "" && c.SFTPKeyFile == "" {
			return fmt.Errorf("SFTP_PASSWORD or SFTP_KEY_FILE is required")
		}
		if c.SFTPKnownHosts == "" && !c.SFTPInsecure {
			return fmt.Errorf("SFTP_KNOWN_HOSTS is required unless SFTP_INSECURE_IGNORE_HOST_KEY is set")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required")
		}
	default:
		return fmt.Errorf("unknown SANDBOXFS_BACKEND %q", c.Backend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
