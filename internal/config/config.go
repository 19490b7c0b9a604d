// Package config loads engine settings from the environment, an optional
// config file and a local .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "NOCTURNE_MEDIA"

type Config struct {
	Identity       string `mapstructure:"IDENTITY"`
	AuthToken      string `mapstructure:"AUTH_TOKEN"`
	APIEndpoint    string `mapstructure:"API_ENDPOINT"`
	DirectEndpoint string `mapstructure:"DIRECT_ENDPOINT"`

	CacheDir string `mapstructure:"CACHE_DIR"`
	DataDir  string `mapstructure:"DATA_DIR"`

	RelayAddr    string `mapstructure:"RELAY_ADDR"`
	RelayEnabled bool   `mapstructure:"RELAY_ENABLED"`

	// --- video ---
	FFmpeg                string `mapstructure:"FFMPEG"`
	FFprobe               string `mapstructure:"FFPROBE"`
	SegmentThresholdBytes int64  `mapstructure:"SEGMENT_THRESHOLD_BYTES"`
	HLSSegmentSeconds     int    `mapstructure:"HLS_SEGMENT_SECONDS"`
	CompressMaxDimension  int    `mapstructure:"COMPRESS_MAX_DIMENSION"`
	CompressBitrate       int    `mapstructure:"COMPRESS_BITRATE"`
	FragmentProgressive   bool   `mapstructure:"FRAGMENT_PROGRESSIVE"`

	// --- cache ---
	WriteTimeout    time.Duration `mapstructure:"WRITE_TIMEOUT"`
	CacheMaxAge     time.Duration `mapstructure:"CACHE_MAX_AGE"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`

	RateLimit  int           `mapstructure:"RATE_LIMIT"`
	RateWindow time.Duration `mapstructure:"RATE_WINDOW"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	cacheDir := "nocturne-media-cache"
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "nocturne-media")
	}
	dataDir := ".nocturne/media"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".nocturne", "media")
	}

	v.SetDefault("IDENTITY", "")
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("API_ENDPOINT", "https://{IDENTITY}/api/owner/v1")
	v.SetDefault("DIRECT_ENDPOINT", "https://{identity}/api/guest/v1")
	v.SetDefault("CACHE_DIR", cacheDir)
	v.SetDefault("DATA_DIR", dataDir)
	v.SetDefault("RELAY_ADDR", "localhost:3000")
	v.SetDefault("RELAY_ENABLED", false)
	v.SetDefault("FFMPEG", "ffmpeg")
	v.SetDefault("FFPROBE", "ffprobe")
	v.SetDefault("SEGMENT_THRESHOLD_BYTES", 5_000_000)
	v.SetDefault("HLS_SEGMENT_SECONDS", 6)
	v.SetDefault("COMPRESS_MAX_DIMENSION", 1280)
	v.SetDefault("COMPRESS_BITRATE", 3_000_000)
	v.SetDefault("FRAGMENT_PROGRESSIVE", false)
	v.SetDefault("WRITE_TIMEOUT", 20*time.Second)
	v.SetDefault("CACHE_MAX_AGE", 4*7*24*time.Hour)
	v.SetDefault("CLEANUP_INTERVAL", time.Hour)
	v.SetDefault("RATE_LIMIT", 120)
	v.SetDefault("RATE_WINDOW", time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads configuration. Environment variables win over the config file
// at path, which wins over defaults. A .env file in the working directory
// is loaded first when present.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.New("failed to load .env")
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.CacheDir == "":
		return errors.New("config: CACHE_DIR is required")
	case c.SegmentThresholdBytes <= 0:
		return fmt.Errorf("config: SEGMENT_THRESHOLD_BYTES must be positive, got %d", c.SegmentThresholdBytes)
	case c.HLSSegmentSeconds <= 0:
		return fmt.Errorf("config: HLS_SEGMENT_SECONDS must be positive, got %d", c.HLSSegmentSeconds)
	case c.RateLimit <= 0 || c.RateWindow <= 0:
		return errors.New("config: RATE_LIMIT and RATE_WINDOW must be positive")
	}
	return nil
}

// APIRoot returns the authenticated API root for the configured identity.
func (c *Config) APIRoot() string {
	return strings.ReplaceAll(c.APIEndpoint, "{IDENTITY}", c.Identity)
}

// DBPath is the sqlite file holding the blob ledger and credentials.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "media.db")
}

// String implements fmt.Stringer with the auth token masked.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  Identity: %s\n", c.Identity))
	if c.AuthToken != "" {
		sb.WriteString("  AuthToken: ********\n")
	} else {
		sb.WriteString("  AuthToken: (empty)\n")
	}
	sb.WriteString(fmt.Sprintf("  APIEndpoint: %s\n", c.APIRoot()))
	sb.WriteString(fmt.Sprintf("  DirectEndpoint: %s\n", c.DirectEndpoint))
	sb.WriteString(fmt.Sprintf("  CacheDir: %s\n", c.CacheDir))
	sb.WriteString(fmt.Sprintf("  DataDir: %s\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("  Relay: %s (enabled=%v)\n", c.RelayAddr, c.RelayEnabled))
	sb.WriteString(fmt.Sprintf("  FFmpeg: %s FFprobe: %s\n", c.FFmpeg, c.FFprobe))
	sb.WriteString(fmt.Sprintf("  SegmentThresholdBytes: %d\n", c.SegmentThresholdBytes))
	sb.WriteString(fmt.Sprintf("  HLSSegmentSeconds: %d\n", c.HLSSegmentSeconds))
	sb.WriteString(fmt.Sprintf("  Compress: max %dpx at %d bps\n", c.CompressMaxDimension, c.CompressBitrate))
	sb.WriteString(fmt.Sprintf("  FragmentProgressive: %v\n", c.FragmentProgressive))
	sb.WriteString(fmt.Sprintf("  WriteTimeout: %s\n", c.WriteTimeout))
	sb.WriteString(fmt.Sprintf("  CacheMaxAge: %s CleanupInterval: %s\n", c.CacheMaxAge, c.CleanupInterval))
	sb.WriteString(fmt.Sprintf("  RateLimit: %d per %s\n", c.RateLimit, c.RateWindow))
	sb.WriteString(fmt.Sprintf("  LogLevel: %s\n", c.LogLevel))
	return sb.String()
}
