package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// State backends
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Config holds all application configuration
type Config struct {
	// Backend settings
	Environment    string
	APIURLs        map[string]string // per-environment base URL overrides
	APIToken       string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	TopK           int

	// Upload settings
	MaxUploadBytes     int64
	SupportedFormats   []string
	UploadSuccessDelay time.Duration
	UploadErrorDelay   time.Duration

	// State persistence
	StateBackend  string
	StatePath     string
	RedisAddr     string
	RedisPassword string
	RedisKey      string

	// Web fetch settings
	FetchTimeout  time.Duration
	FetchWorkers  int
	MaxFetchBytes int64
	UserAgent     string

	// Web search used by /search; empty disables it
	SearchURL     string
	SearchResults int

	// Observability
	LogLevel    string
	LogPath     string
	MetricsAddr string

	// Drop folder watched for new documents
	WatchDir string
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Environment:    string(EnvLocal),
		APIURLs:        map[string]string{},
		RequestTimeout: 30 * time.Second,
		UploadTimeout:  5 * time.Minute,
		TopK:           10,

		MaxUploadBytes:     50 * 1024 * 1024, // 50 MB, same as the backend
		SupportedFormats:   []string{".pdf", ".docx", ".xlsx", ".txt"},
		UploadSuccessDelay: 3 * time.Second,
		UploadErrorDelay:   5 * time.Second,

		StateBackend: BackendFile,
		StatePath:    expandHome("~/.rag-chat/state.json"),
		RedisAddr:    "localhost:6379",
		RedisKey:     "rag-chat:state",

		FetchTimeout:  15 * time.Second,
		FetchWorkers:  4,
		MaxFetchBytes: 5 * 1024 * 1024,
		UserAgent:     "rag-chat/1.0",

		SearchResults: 3,

		LogLevel: "info",
		LogPath:  expandHome("~/.rag-chat/rag-chat.log"),
	}
}

// DefaultPath is where LoadFile looks when no path is given.
func DefaultPath() string {
	return expandHome("~/.rag-chat/config.yaml")
}

// fileConfig mirrors Config in the YAML file. Durations are strings.
type fileConfig struct {
	Environment        string            `yaml:"environment"`
	APIURLs            map[string]string `yaml:"apiURLs"`
	APIToken           string            `yaml:"apiToken"`
	RequestTimeout     string            `yaml:"requestTimeout"`
	UploadTimeout      string            `yaml:"uploadTimeout"`
	TopK               int               `yaml:"topK"`
	MaxUploadBytes     int64             `yaml:"maxUploadBytes"`
	SupportedFormats   []string          `yaml:"supportedFormats"`
	UploadSuccessDelay string            `yaml:"uploadSuccessDelay"`
	UploadErrorDelay   string            `yaml:"uploadErrorDelay"`
	StateBackend       string            `yaml:"stateBackend"`
	StatePath          string            `yaml:"statePath"`
	RedisAddr          string            `yaml:"redisAddr"`
	RedisPassword      string            `yaml:"redisPassword"`
	RedisKey           string            `yaml:"redisKey"`
	FetchTimeout       string            `yaml:"fetchTimeout"`
	FetchWorkers       int               `yaml:"fetchWorkers"`
	SearchURL          string            `yaml:"searchURL"`
	SearchResults      int               `yaml:"searchResults"`
	LogLevel           string            `yaml:"logLevel"`
	LogPath            string            `yaml:"logPath"`
	MetricsAddr        string            `yaml:"metricsAddr"`
	WatchDir           string            `yaml:"watchDir"`
}

// LoadFile applies the YAML file at path on top of the current values.
// A missing file is not an error; a malformed one is.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&c.Environment, fc.Environment)
	for env, u := range fc.APIURLs {
		c.APIURLs[envKey(env)] = u
	}
	setString(&c.APIToken, fc.APIToken)
	setInt(&c.TopK, fc.TopK)
	if fc.MaxUploadBytes > 0 {
		c.MaxUploadBytes = fc.MaxUploadBytes
	}
	if len(fc.SupportedFormats) > 0 {
		c.SupportedFormats = normalizeFormats(fc.SupportedFormats)
	}
	setString(&c.StateBackend, fc.StateBackend)
	setString(&c.StatePath, expandHome(fc.StatePath))
	setString(&c.RedisAddr, fc.RedisAddr)
	setString(&c.RedisPassword, fc.RedisPassword)
	setString(&c.RedisKey, fc.RedisKey)
	setInt(&c.FetchWorkers, fc.FetchWorkers)
	setString(&c.SearchURL, fc.SearchURL)
	setInt(&c.SearchResults, fc.SearchResults)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogPath, expandHome(fc.LogPath))
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.WatchDir, expandHome(fc.WatchDir))

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"requestTimeout", fc.RequestTimeout, &c.RequestTimeout},
		{"uploadTimeout", fc.UploadTimeout, &c.UploadTimeout},
		{"uploadSuccessDelay", fc.UploadSuccessDelay, &c.UploadSuccessDelay},
		{"uploadErrorDelay", fc.UploadErrorDelay, &c.UploadErrorDelay},
		{"fetchTimeout", fc.FetchTimeout, &c.FetchTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s duration: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// ApplyEnv overrides values from RAGCHAT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := GetEnv("RAGCHAT_ENV"); v != "" {
		c.Environment = strings.TrimSpace(v)
	}
	if v := GetEnv("RAGCHAT_API_URL"); v != "" {
		c.SetAPIURL(v)
	}
	if v := GetEnv("RAGCHAT_API_TOKEN"); v != "" {
		c.APIToken = strings.TrimSpace(v)
	}
	if v := GetEnv("RAGCHAT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TopK = n
		}
	}
	if v := GetEnv("RAGCHAT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := GetEnv("RAGCHAT_UPLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.UploadTimeout = d
		}
	}
	if v := GetEnv("RAGCHAT_STATE_BACKEND"); v != "" {
		c.StateBackend = strings.TrimSpace(v)
	}
	if v := GetEnv("RAGCHAT_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("RAGCHAT_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := GetEnv("RAGCHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("RAGCHAT_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := GetEnv("RAGCHAT_SEARCH_URL"); v != "" {
		c.SearchURL = strings.TrimSpace(v)
	}
	if v := GetEnv("RAGCHAT_SUPPORTED_FORMATS"); v != "" {
		c.SupportedFormats = normalizeFormats(splitCSV(v))
	}
}

// SetAPIURL overrides the base URL of the configured environment.
func (c *Config) SetAPIURL(u string) {
	c.APIURLs[envKey(c.Environment)] = strings.TrimSpace(u)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseEnvironment(c.Environment); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.UploadTimeout < c.RequestTimeout {
		return fmt.Errorf("upload timeout must not be shorter than the request timeout")
	}
	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("top_k must be between 1 and 50")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if len(c.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported format is required")
	}
	switch c.StateBackend {
	case BackendFile:
		if c.StatePath == "" {
			return fmt.Errorf("state path cannot be empty for the file backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" || c.RedisKey == "" {
			return fmt.Errorf("redis address and key are required for the redis backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.FetchWorkers < 1 {
		return fmt.Errorf("fetch workers must be at least 1")
	}
	if c.SearchResults < 1 || c.SearchResults > 20 {
		return fmt.Errorf("search results must be between 1 and 20")
	}
	return nil
}

// envKey normalizes an environment tag so aliases share one URL override.
func envKey(tag string) string {
	if env, err := ParseEnvironment(tag); err == nil {
		return string(env)
	}
	return strings.ToLower(strings.TrimSpace(tag))
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// normalizeFormats lowercases extensions and adds the leading dot.
func normalizeFormats(formats []string) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		out = append(out, f)
	}
	return out
}

// expandHome expands the ~ in file paths to the user's home directory
func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		return filepath.Join(getHomeDir(), path[1:])
	}
	return path
}

// getHomeDir returns the user's home directory
func getHomeDir() string {
	if home := GetEnv("HOME"); home != "" {
		return home
	}
	// Fallback for Windows
	if home := GetEnv("USERPROFILE"); home != "" {
		return home
	}
	return "."
}

// GetEnv is a wrapper around os.Getenv for easier testing
var GetEnv = os.Getenv
