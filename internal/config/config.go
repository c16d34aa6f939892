// Package config loads and resolves the batch engine's YAML configuration
// and implements the credential discovery order the spec's external
// interfaces section mandates: explicit flag, configured key list,
// google_api.api_key, then well-known environment variables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GoogleAPI mirrors the google_api.* recognized options.
type GoogleAPI struct {
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int32   `yaml:"max_tokens"`
}

// MultiAPIKeys mirrors multi_api_keys.*.
type MultiAPIKeys struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// BatchProcessing mirrors batch_processing.*.
type BatchProcessing struct {
	ParallelWorkers   int `yaml:"parallel_workers"`
	MaxRetries        int `yaml:"max_retries"`
	EnableResume      bool `yaml:"enable_resume"`
	CheckpointInterval int `yaml:"checkpoint_interval"`
	APIRateLimit      int `yaml:"api_rate_limit"`
}

// VideoProcessing mirrors video_processing.*.
type VideoProcessing struct {
	SupportedFormats    []string `yaml:"supported_formats"`
	UploadTimeoutSeconds int     `yaml:"upload_timeout_seconds"`
}

// Templates mirrors templates.*.
type Templates struct {
	DefaultTemplate string `yaml:"default_template"`
	TemplatePath    string `yaml:"template_path"`
}

// Output mirrors output.*.
type Output struct {
	DefaultPath string `yaml:"default_path"`
}

// Config is the engine's full recognized configuration surface.
type Config struct {
	GoogleAPI       GoogleAPI       `yaml:"google_api"`
	MultiAPIKeys    MultiAPIKeys    `yaml:"multi_api_keys"`
	BatchProcessing BatchProcessing `yaml:"batch_processing"`
	VideoProcessing VideoProcessing `yaml:"video_processing"`
	Templates       Templates       `yaml:"templates"`
	Output          Output          `yaml:"output"`
}

// Load reads and parses the YAML configuration at path. A missing file is
// not an error: Load returns a zero-value Config so CLI flags and
// environment variables alone can drive a run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// credentialEnvVars is the ordered fallback list of environment variables
// consulted once the flag, configured key list, and google_api.api_key
// have all come up empty.
var credentialEnvVars = []string{"GOOGLE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"}

// ResolveCredentials implements the spec's discovery order and returns the
// ordered list of credentials the key rotator should manage. flagKeys, when
// non-empty, wins outright (e.g. the CLI's repeatable --api-key flag).
func (c *Config) ResolveCredentials(flagKeys []string) ([]string, error) {
	if len(flagKeys) > 0 {
		return flagKeys, nil
	}
	if c.MultiAPIKeys.Enabled && len(c.MultiAPIKeys.APIKeys) > 0 {
		return c.MultiAPIKeys.APIKeys, nil
	}
	if c.GoogleAPI.APIKey != "" {
		return []string{c.GoogleAPI.APIKey}, nil
	}
	for _, name := range credentialEnvVars {
		if v := os.Getenv(name); v != "" {
			return []string{v}, nil
		}
	}
	return nil, fmt.Errorf("config: no credentials configured (checked flag, multi_api_keys, google_api.api_key, %v)", credentialEnvVars)
}

// DefaultSupportedFormats is used when video_processing.supported_formats
// is unset.
var DefaultSupportedFormats = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"}

// SupportedFormats returns the configured formats, falling back to the
// engine-wide default set.
func (c *Config) SupportedFormats() []string {
	if len(c.VideoProcessing.SupportedFormats) > 0 {
		return c.VideoProcessing.SupportedFormats
	}
	return DefaultSupportedFormats
}
