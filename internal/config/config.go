package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Search      Search      `yaml:"search"`
	Filters     Filters     `yaml:"filters"`
	AI          AI          `yaml:"ai"`
	Fetch       Fetch       `yaml:"fetch"`
	Concurrency Concurrency `yaml:"concurrency"`
	Output      Output      `yaml:"output"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Search struct {
	Categories          []string `yaml:"categories" validate:"min=1,dive,required"`
	DomainSuffix        string   `yaml:"domain_suffix" validate:"required,hostname"`
	ListingFormat       string   `yaml:"listing_format" validate:"oneof=html rss"`
	CityList            string   `yaml:"city_list" validate:"required"`
	MaxPagesPerCategory int      `yaml:"max_pages_per_category" validate:"min=1"`
	LimitCategories     int      `yaml:"limit_categories" validate:"min=0"`
	LimitLeadsPerPage   int      `yaml:"limit_leads_per_page" validate:"min=0"`
	PreflightURL        string   `yaml:"preflight_url" validate:"omitempty,url"`
	PreflightMarker     string   `yaml:"preflight_marker"`
	PagePause           Pause    `yaml:"page_pause"`
	CategoryPause       Pause    `yaml:"category_pause"`
}

// Pause is a randomized delay window.
type Pause struct {
	Min time.Duration `yaml:"min" validate:"min=0"`
	Max time.Duration `yaml:"max" validate:"gtefield=Min"`
}

type Filters struct {
	Blacklist     []string `yaml:"blacklist"`
	PositiveTerms []string `yaml:"positive_terms"`
}

type AI struct {
	Enabled           bool          `yaml:"enabled"`
	Gemini            Gemini        `yaml:"gemini"`
	Fallback          Fallback      `yaml:"fallback"`
	Cooldown          time.Duration `yaml:"cooldown" validate:"min=0"`
	CallTimeout       time.Duration `yaml:"call_timeout" validate:"min=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	PreFilter         CallPolicy    `yaml:"pre_filter"`
	Grading           CallPolicy    `yaml:"grading"`
}

type Gemini struct {
	Model string `yaml:"model"`
	// APIKeysEnv names an environment variable holding a comma-separated key list.
	APIKeysEnv string `yaml:"api_keys_env"`
}

type Fallback struct {
	Kind      string `yaml:"kind" validate:"omitempty,oneof=openrouter anthropic ollama"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type CallPolicy struct {
	MaxRetries   int           `yaml:"max_retries" validate:"min=0"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"min=0"`
	MaxTokens    int           `yaml:"max_tokens" validate:"min=1"`
	Temperature  float64       `yaml:"temperature" validate:"gte=0,lte=2"`
}

type Fetch struct {
	Endpoint          string        `yaml:"endpoint" validate:"required,url"`
	UsernameEnv       string        `yaml:"username_env"`
	PasswordEnv       string        `yaml:"password_env"`
	Source            string        `yaml:"source"`
	UserAgentType     string        `yaml:"user_agent_type"`
	Render            string        `yaml:"render"`
	Timeout           time.Duration `yaml:"timeout" validate:"min=0"`
	Retries           int           `yaml:"retries" validate:"min=1"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"min=1"`
}

type Concurrency struct {
	// PoolSize bounds concurrently crawled cities; 0 sizes it from the CPU count.
	PoolSize         int `yaml:"pool_size" validate:"min=0"`
	ThreadsPerWorker int `yaml:"threads_per_worker" validate:"min=1"`
}

type Output struct {
	DataDir    string `yaml:"data_dir"`
	ReportsDir string `yaml:"reports_dir"`
	FailureLog string `yaml:"failure_log"`
}

type Server struct {
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type Logging struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Development bool   `yaml:"development"`
}

// ConfigDir returns the XDG config directory for leadcrawler.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "leadcrawler")
}

// DataDir returns the XDG data directory for leadcrawler.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "leadcrawler")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/leadcrawler/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'leadcrawler init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv loads KEY=value pairs from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return parse(DefaultConfigYAML)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Search: Search{
			Categories:          []string{"web", "art", "crg", "cpg", "mar", "gig", "sad", "sof", "bus", "wri"},
			DomainSuffix:        "craigslist.org",
			ListingFormat:       "html",
			CityList:            "small",
			MaxPagesPerCategory: 3,
			PreflightURL:        "https://newyork.craigslist.org/search/web",
			PreflightMarker:     "craigslist",
			PagePause:           Pause{Min: time.Second, Max: 2500 * time.Millisecond},
			CategoryPause:       Pause{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond},
		},
		AI: AI{
			Enabled: true,
			Gemini: Gemini{
				Model:      "gemini-2.0-flash",
				APIKeysEnv: "GEMINI_API_KEYS",
			},
			Fallback: Fallback{
				Kind:      "openrouter",
				Model:     "anthropic/claude-3-haiku",
				BaseURL:   "https://openrouter.ai/api/v1",
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			Cooldown:          20 * time.Minute,
			CallTimeout:       60 * time.Second,
			BackoffMultiplier: 1.5,
			PreFilter: CallPolicy{
				MaxRetries:   1,
				InitialDelay: 2 * time.Second,
				MaxTokens:    60,
				Temperature:  0.1,
			},
			Grading: CallPolicy{
				MaxRetries:   2,
				InitialDelay: 5 * time.Second,
				MaxTokens:    200,
				Temperature:  0.3,
			},
		},
		Fetch: Fetch{
			Endpoint:          "https://realtime.oxylabs.io/v1/queries",
			UsernameEnv:       "OXYLABS_USERNAME",
			PasswordEnv:       "OXYLABS_PASSWORD",
			Source:            "universal",
			UserAgentType:     "desktop",
			Render:            "html",
			Timeout:           60 * time.Second,
			Retries:           3,
			RequestsPerSecond: 2,
			Burst:             2,
		},
		Concurrency: Concurrency{ThreadsPerWorker: 8},
		Output:      Output{FailureLog: "failed_pages.json"},
		Server:      Server{Port: 8000},
		Logging:     Logging{Level: "info"},
	}
}

// Validate checks struct constraints after defaults and overrides are applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetReportsDir returns where report artifacts are written.
func (c *Config) GetReportsDir() string {
	if c.Output.ReportsDir != "" {
		return c.Output.ReportsDir
	}
	return filepath.Join(c.GetDataDir(), "reports")
}

func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "leads.db")
}

func (c *Config) FailureLogPath() string {
	if filepath.IsAbs(c.Output.FailureLog) {
		return c.Output.FailureLog
	}
	return filepath.Join(c.GetDataDir(), c.Output.FailureLog)
}

// Keys returns the primary credentials in rotation order.
func (g Gemini) Keys() []string {
	if g.APIKeysEnv == "" {
		return nil
	}
	return splitList(os.Getenv(g.APIKeysEnv))
}

// Key returns the fallback credential, if any.
func (f Fallback) Key() string {
	if f.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(f.APIKeyEnv))
}

// Credentials returns the fetch service basic-auth pair.
func (f Fetch) Credentials() (string, string) {
	return os.Getenv(f.UsernameEnv), os.Getenv(f.PasswordEnv)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
