// Package config loads cert-code configuration. The pipeline treats it
// purely as input data: API endpoint and key, concurrency limit,
// verification timeouts, context-file bounds, and language command
// overrides layered over the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Javihaus/cert-code/internal/language"
)

// FileName is the config file discovered by walking up from the
// working directory.
const FileName = ".cert-code.yaml"

// Config holds all cert-code configuration.
type Config struct {
	API          APIConfig                   `yaml:"api"`
	Submission   SubmissionConfig            `yaml:"submission"`
	Verification VerificationConfig          `yaml:"verification"`
	Context      ContextConfig               `yaml:"context"`
	Queue        QueueConfig                 `yaml:"queue"`
	Languages    map[string]LanguageOverride `yaml:"languages"`
}

// APIConfig configures the CERT API endpoint.
type APIConfig struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"`
	Timeout string `yaml:"timeout"`
}

// SubmissionConfig configures batch submission.
type SubmissionConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxAttempts int `yaml:"max_attempts"`
}

// VerificationConfig configures local verification runs.
type VerificationConfig struct {
	TestTimeout      string `yaml:"test_timeout"`
	LintTimeout      string `yaml:"lint_timeout"`
	TypecheckTimeout string `yaml:"typecheck_timeout"`
	MaxOutputBytes   int64  `yaml:"max_output_bytes"`
}

// ContextConfig configures context-file collection.
type ContextConfig struct {
	Files   []string `yaml:"files"`
	MaxSize int      `yaml:"max_size"`
}

// QueueConfig configures the local retry queue.
type QueueConfig struct {
	Path string `yaml:"path"`
}

// LanguageOverride adjusts or adds a language descriptor. Empty fields
// inherit the built-in default for that identifier.
type LanguageOverride struct {
	Extensions       []string `yaml:"extensions"`
	TestCommand      string   `yaml:"test_command"`
	LintCommand      string   `yaml:"lint_command"`
	TypecheckCommand string   `yaml:"typecheck_command"`
	LintScore        string   `yaml:"lint_score"`
	TypecheckScore   string   `yaml:"typecheck_score"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			URL:     "https://cert-framework.dev/api/v1",
			Timeout: "30s",
		},
		Submission: SubmissionConfig{
			Concurrency: 5,
			MaxAttempts: 4,
		},
		Verification: VerificationConfig{
			TestTimeout:      "5m",
			LintTimeout:      "1m",
			TypecheckTimeout: "2m",
			MaxOutputBytes:   256 * 1024,
		},
		Context: ContextConfig{
			MaxSize: 100000,
		},
		Queue: QueueConfig{
			Path: filepath.Join(".cert-code", "retry-queue.db"),
		},
	}
}

// Load reads configuration from path, or discovers a config file by
// walking up from the working directory when path is empty. A missing
// file yields the defaults. Environment variables override either.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = discover()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// discover walks up from the working directory looking for FileName,
// falling back to the home directory.
func discover() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnvOverrides applies CERT_CODE_* environment variables on top of
// file values. Env always wins.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CERT_CODE_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv("CERT_CODE_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("CERT_CODE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Submission.Concurrency = n
		}
	}
	if v := os.Getenv("CERT_CODE_TEST_TIMEOUT"); v != "" {
		c.Verification.TestTimeout = v
	}
}

// Validate checks the parts of the config the pipeline cannot default.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return errors.New("CERT API key is required: set api.key in " + FileName +
			" or the CERT_CODE_API_KEY environment variable")
	}
	return nil
}

// BuildRegistry merges the language overrides over the built-in
// descriptor defaults into a fresh registry. Unknown identifiers in the
// overrides register as new languages.
func (c *Config) BuildRegistry() *language.Registry {
	reg := language.NewRegistry(language.Defaults())
	for id, ov := range c.Languages {
		base, err := reg.Resolve(id)
		if err != nil {
			base = language.Descriptor{ID: id}
		}
		if len(ov.Extensions) > 0 {
			base.Extensions = ov.Extensions
		}
		if ov.TestCommand != "" {
			base.TestCommand = ov.TestCommand
		}
		if ov.LintCommand != "" {
			base.LintCommand = ov.LintCommand
		}
		if ov.TypecheckCommand != "" {
			base.TypecheckCommand = ov.TypecheckCommand
		}
		if ov.LintScore != "" {
			base.LintScore = language.ScorePolicy(ov.LintScore)
		}
		if ov.TypecheckScore != "" {
			base.TypecheckScore = language.ScorePolicy(ov.TypecheckScore)
		}
		reg.Register(base)
	}
	return reg
}

// APITimeout parses the API request timeout.
func (c *Config) APITimeout() time.Duration { return parseDuration(c.API.Timeout, 30*time.Second) }

// TestTimeout parses the test command timeout.
func (c *Config) TestTimeout() time.Duration {
	return parseDuration(c.Verification.TestTimeout, 5*time.Minute)
}

// LintTimeout parses the lint command timeout.
func (c *Config) LintTimeout() time.Duration {
	return parseDuration(c.Verification.LintTimeout, time.Minute)
}

// TypecheckTimeout parses the type-check command timeout.
func (c *Config) TypecheckTimeout() time.Duration {
	return parseDuration(c.Verification.TypecheckTimeout, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// WriteExample writes a commented starter config to path, refusing to
// overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	example := `# cert-code configuration
api:
  url: "https://cert-framework.dev/api/v1"
  # key: "your-api-key"  # or set CERT_CODE_API_KEY
  timeout: 30s

submission:
  concurrency: 5
  max_attempts: 4

verification:
  test_timeout: 5m
  lint_timeout: 1m
  typecheck_timeout: 2m

context:
  # files: ["README.md", "docs/api.md"]
  max_size: 100000

# Per-language command overrides, layered over the built-in defaults:
# languages:
#   python:
#     test_command: "pytest -x"
#     lint_score: errors-only
`
	return os.WriteFile(path, []byte(example), 0644)
}
