package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ccollins476ad/implayerfetch/download"
	"gopkg.in/yaml.v3"
)

// Naming schemes.
const (
	// NamingOriginal saves each file under its configured name.
	NamingOriginal = "original"

	// NamingIndexed saves files as <prefix>_<n>.<group>, numbered from 1
	// within each group.
	NamingIndexed = "indexed"
)

// Config defines a complete run.
type Config struct {
	OutputDir   string
	Concurrency int

	MaxAttempts     int
	Timeout         time.Duration
	Backoff         time.Duration
	MaxBackoff      time.Duration
	SkipIfExists    bool
	Precheck        bool
	PrecheckTimeout time.Duration

	UserAgent string
	Headers   map[string]string

	Naming      string
	IndexPrefix string
	Tasks       []TaskSpec

	LogFile     string
	MetricsFile string
	ReportFile  string
	PublishURL  string
}

// TaskSpec is a task as written in configuration: a url, the file name to
// save it under, and the group used by the indexed naming scheme.
type TaskSpec struct {
	URL   string `yaml:"url"`
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
}

// Default returns a Config that fetches the built-in catalog.
func Default() Config {
	return Config{
		OutputDir:       "iMPlayer",
		Concurrency:     5,
		MaxAttempts:     3,
		Timeout:         10 * time.Second,
		PrecheckTimeout: 5 * time.Second,
		UserAgent:       download.DefaultUserAgent,
		Naming:          NamingOriginal,
		IndexPrefix:     "iMPlayer",
		Tasks:           Catalog(),
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	OutputDir       string            `yaml:"output_dir"`
	Concurrency     int               `yaml:"concurrency"`
	MaxAttempts     int               `yaml:"max_attempts"`
	Timeout         string            `yaml:"timeout"`
	Backoff         string            `yaml:"backoff"`
	MaxBackoff      string            `yaml:"max_backoff"`
	SkipIfExists    *bool             `yaml:"skip_if_exists"`
	Precheck        *bool             `yaml:"precheck"`
	PrecheckTimeout string            `yaml:"precheck_timeout"`
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers"`
	Naming          string            `yaml:"naming"`
	IndexPrefix     string            `yaml:"index_prefix"`
	Tasks           []TaskSpec        `yaml:"tasks"`
	LogFile         string            `yaml:"log_file"`
	MetricsFile     string            `yaml:"metrics_file"`
	ReportFile      string            `yaml:"report_file"`
	PublishURL      string            `yaml:"publish_url"`
}

// LoadFromFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	err = yaml.Unmarshal(data, &yc)
	if err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.OutputDir, yc.OutputDir)
	setString(&c.UserAgent, yc.UserAgent)
	setString(&c.Naming, yc.Naming)
	setString(&c.IndexPrefix, yc.IndexPrefix)
	setString(&c.LogFile, yc.LogFile)
	setString(&c.MetricsFile, yc.MetricsFile)
	setString(&c.ReportFile, yc.ReportFile)
	setString(&c.PublishURL, yc.PublishURL)

	if yc.Concurrency != 0 {
		c.Concurrency = yc.Concurrency
	}
	if yc.MaxAttempts != 0 {
		c.MaxAttempts = yc.MaxAttempts
	}
	if yc.SkipIfExists != nil {
		c.SkipIfExists = *yc.SkipIfExists
	}
	if yc.Precheck != nil {
		c.Precheck = *yc.Precheck
	}
	if yc.Headers != nil {
		c.Headers = yc.Headers
	}
	if yc.Tasks != nil {
		c.Tasks = yc.Tasks
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"timeout", yc.Timeout, &c.Timeout},
		{"backoff", yc.Backoff, &c.Backoff},
		{"max_backoff", yc.MaxBackoff, &c.MaxBackoff},
		{"precheck_timeout", yc.PrecheckTimeout, &c.PrecheckTimeout},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the IMPLAYER_ prefix.
func (c *Config) LoadFromEnv() error {
	setString(&c.OutputDir, os.Getenv("IMPLAYER_OUTPUT_DIR"))
	setString(&c.UserAgent, os.Getenv("IMPLAYER_USER_AGENT"))
	setString(&c.Naming, os.Getenv("IMPLAYER_NAMING"))
	setString(&c.IndexPrefix, os.Getenv("IMPLAYER_INDEX_PREFIX"))
	setString(&c.LogFile, os.Getenv("IMPLAYER_LOG_FILE"))
	setString(&c.MetricsFile, os.Getenv("IMPLAYER_METRICS_FILE"))
	setString(&c.ReportFile, os.Getenv("IMPLAYER_REPORT_FILE"))
	setString(&c.PublishURL, os.Getenv("IMPLAYER_PUBLISH_URL"))

	ints := []struct {
		key string
		dst *int
	}{
		{"IMPLAYER_CONCURRENCY", &c.Concurrency},
		{"IMPLAYER_MAX_ATTEMPTS", &c.MaxAttempts},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", i.key, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"IMPLAYER_TIMEOUT", &c.Timeout},
		{"IMPLAYER_BACKOFF", &c.Backoff},
		{"IMPLAYER_MAX_BACKOFF", &c.MaxBackoff},
		{"IMPLAYER_PRECHECK_TIMEOUT", &c.PrecheckTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"IMPLAYER_SKIP_IF_EXISTS", &c.SkipIfExists},
		{"IMPLAYER_PRECHECK", &c.Precheck},
	}
	for _, b := range bools {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", b.key, err)
		}
		*b.dst = parsed
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("config: output_dir is required")
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("config: max_attempts must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("config: timeout must be positive")
	}
	if c.Backoff < 0 || c.MaxBackoff < 0 {
		return errors.New("config: backoff must not be negative")
	}
	if c.Naming != NamingOriginal && c.Naming != NamingIndexed {
		return fmt.Errorf("config: unknown naming scheme %q", c.Naming)
	}
	if c.Naming == NamingIndexed && c.IndexPrefix == "" {
		return errors.New("config: index_prefix is required for indexed naming")
	}
	if len(c.Tasks) == 0 {
		return errors.New("config: no tasks")
	}
	return nil
}

// Header returns the request header set: the user agent plus any extra
// headers. An explicit User-Agent in Headers wins over UserAgent.
func (c *Config) Header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", download.DefaultUserAgent)
	if c.UserAgent != "" {
		h.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// FetchOptions returns the download options described by c. Client, Metrics
// and Log are left for the caller to fill in.
func (c *Config) FetchOptions() download.Options {
	return download.Options{
		MaxAttempts:     c.MaxAttempts,
		Timeout:         c.Timeout,
		Header:          c.Header(),
		SkipIfExists:    c.SkipIfExists,
		Precheck:        c.Precheck,
		PrecheckTimeout: c.PrecheckTimeout,
		Backoff:         c.Backoff,
		MaxBackoff:      c.MaxBackoff,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
