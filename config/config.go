// Package config provides configuration loading and management for morphqc.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
)

// Config represents the complete morphqc configuration
type Config struct {
	Graph    GraphConfig    `yaml:"graph"`
	Atlas    AtlasConfig    `yaml:"atlas"`
	Checks   ChecksConfig   `yaml:"checks"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GraphConfig configures the knowledge-graph client
type GraphConfig struct {
	// Endpoint is production, staging or aws
	Endpoint string `yaml:"endpoint"`
	// BaseURL overrides the endpoint URL when set
	BaseURL string `yaml:"base_url"`
	// TokenURL is the OpenID token endpoint for the password grant
	TokenURL string `yaml:"token_url"`
	// ClientID is the OpenID client of the password grant
	ClientID string `yaml:"client_id"`
	// Timeout bounds each external call, retries included
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit caps requests per second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// Retry configures backoff on transient failures
	Retry nexus.RetryConfig `yaml:"retry"`
}

// AtlasConfig configures the brain atlas
type AtlasConfig struct {
	// Release is the IRI of the atlas release annotations refer to
	Release string `yaml:"release"`
	// Annotation is the NRRD annotation volume
	Annotation string `yaml:"annotation"`
	// Ontology is the region hierarchy JSON
	Ontology string `yaml:"ontology"`
	// Alternate is an optional second annotation volume sharing the ontology
	Alternate string `yaml:"alternate_annotation"`
	// CacheSize bounds the ontology cache (100-1000)
	CacheSize int `yaml:"cache_size"`
	// Metadata is the external metadata table (CSV or TSV)
	Metadata string `yaml:"metadata"`
}

// ChecksConfig configures the validity checks
type ChecksConfig struct {
	Thresholds checks.Thresholds `yaml:"thresholds"`
	// Sparse blanks passing checks in TSV reports
	Sparse bool `yaml:"sparse"`
}

// PipelineConfig configures cell processing
type PipelineConfig struct {
	// Workers is the size of the worker pool
	Workers int `yaml:"workers"`
	// DownloadDir holds the per-cell downloads (empty = temporary directory)
	DownloadDir string `yaml:"download_dir"`
	// KeepDownloads leaves the downloads in place at the end of the run
	KeepDownloads bool `yaml:"keep_downloads"`
	// S3 configures s3:// distributions
	S3 S3Config `yaml:"s3"`
}

// S3Config configures the object store client
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = run ledger and graph mirror disabled)
	URL string `yaml:"url"`
}

// MetricsConfig configures metrics export
type MetricsConfig struct {
	// Textfile is written in the Prometheus text format at the end of a run
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Endpoint: string(nexus.Production),
			TokenURL: "https://bbpauth.epfl.ch/auth/realms/BBP/protocol/openid-connect/token",
			ClientID: "bbp-atlas-pipeline",
			Timeout:  nexus.DefaultTimeout,
			Retry:    nexus.DefaultRetryConfig(),
		},
		Atlas: AtlasConfig{
			CacheSize: 500,
		},
		Checks: ChecksConfig{
			Thresholds: checks.DefaultThresholds(),
		},
		Pipeline: PipelineConfig{
			Workers: runtime.NumCPU(),
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Graph.BaseURL == "" {
		if _, err := nexus.ParseEnvironment(c.Graph.Endpoint); err != nil {
			return fmt.Errorf("graph.endpoint: %w", err)
		}
	}
	if c.Graph.Timeout <= 0 {
		return fmt.Errorf("graph.timeout must be positive")
	}
	if c.Graph.RateLimit < 0 {
		return fmt.Errorf("graph.rate_limit must not be negative")
	}
	if c.Graph.Retry.MaxAttempts < 1 {
		return fmt.Errorf("graph.retry.max_attempts must be at least 1")
	}
	if c.Atlas.CacheSize < 100 || c.Atlas.CacheSize > 1000 {
		return fmt.Errorf("atlas.cache_size must be between 100 and 1000")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	return nil
}

// GraphURL resolves the knowledge-graph base URL
func (c *Config) GraphURL() (string, error) {
	if c.Graph.BaseURL != "" {
		return c.Graph.BaseURL, nil
	}
	env, err := nexus.ParseEnvironment(c.Graph.Endpoint)
	if err != nil {
		return "", err
	}
	return env.URL(), nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// parseFile loads only the values set in a YAML file, for layering
func parseFile(path string) (*Config, error) {
	config := &Config{}
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Graph
	setString(&c.Graph.Endpoint, other.Graph.Endpoint)
	setString(&c.Graph.BaseURL, other.Graph.BaseURL)
	setString(&c.Graph.TokenURL, other.Graph.TokenURL)
	setString(&c.Graph.ClientID, other.Graph.ClientID)
	if other.Graph.Timeout != 0 {
		c.Graph.Timeout = other.Graph.Timeout
	}
	setFloat(&c.Graph.RateLimit, other.Graph.RateLimit)
	if other.Graph.Retry.MaxAttempts != 0 {
		c.Graph.Retry.MaxAttempts = other.Graph.Retry.MaxAttempts
	}
	if other.Graph.Retry.BackoffBase != 0 {
		c.Graph.Retry.BackoffBase = other.Graph.Retry.BackoffBase
	}
	setFloat(&c.Graph.Retry.BackoffMultiplier, other.Graph.Retry.BackoffMultiplier)
	if other.Graph.Retry.MaxBackoff != 0 {
		c.Graph.Retry.MaxBackoff = other.Graph.Retry.MaxBackoff
	}

	// Atlas
	setString(&c.Atlas.Release, other.Atlas.Release)
	setString(&c.Atlas.Annotation, other.Atlas.Annotation)
	setString(&c.Atlas.Ontology, other.Atlas.Ontology)
	setString(&c.Atlas.Alternate, other.Atlas.Alternate)
	setString(&c.Atlas.Metadata, other.Atlas.Metadata)
	if other.Atlas.CacheSize != 0 {
		c.Atlas.CacheSize = other.Atlas.CacheSize
	}

	// Checks
	th, o := &c.Checks.Thresholds, other.Checks.Thresholds
	setFloat(&th.ZJump, o.ZJump)
	setFloat(&th.RootJumpRadiusMultiple, o.RootJumpRadiusMultiple)
	setFloat(&th.NarrowStartFraction, o.NarrowStartFraction)
	setFloat(&th.FatEndMultiple, o.FatEndMultiple)
	if o.FatEndPoints != 0 {
		th.FatEndPoints = o.FatEndPoints
	}
	setFloat(&th.NarrowSectionRadius, o.NarrowSectionRadius)
	setFloat(&th.NarrowSectionMinLength, o.NarrowSectionMinLength)
	setFloat(&th.FlatNeuriteRatio, o.FlatNeuriteRatio)
	setFloat(&th.HeterogeneousSomaRadius, o.HeterogeneousSomaRadius)
	setFloat(&th.DanglingDistance, o.DanglingDistance)
	setFloat(&th.MinZThickness, o.MinZThickness)
	if other.Checks.Sparse {
		c.Checks.Sparse = true
	}

	// Pipeline
	if other.Pipeline.Workers != 0 {
		c.Pipeline.Workers = other.Pipeline.Workers
	}
	setString(&c.Pipeline.DownloadDir, other.Pipeline.DownloadDir)
	if other.Pipeline.KeepDownloads {
		c.Pipeline.KeepDownloads = true
	}
	setString(&c.Pipeline.S3.Region, other.Pipeline.S3.Region)
	setString(&c.Pipeline.S3.Endpoint, other.Pipeline.S3.Endpoint)
	if other.Pipeline.S3.PathStyle {
		c.Pipeline.S3.PathStyle = true
	}

	// NATS and metrics
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.Metrics.Textfile, other.Metrics.Textfile)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}
