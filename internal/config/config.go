package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultWorkspace is the artifacts root. Dot-prefixed so the go tool
// ignores healed candidates written below it.
const DefaultWorkspace = ".e2eheal"

var (
	// ErrUnsupportedBrowser is returned by Validate for a browser the CDP driver cannot drive.
	ErrUnsupportedBrowser = errors.New("unsupported browser")
	// ErrMissingCredentials is returned by ValidateCredentials.
	ErrMissingCredentials = errors.New("missing required credentials")
)

// Config holds all e2eheal configuration.
type Config struct {
	// Target application
	BaseURL     string            `yaml:"base_url"`
	Credentials CredentialsConfig `yaml:"credentials"`

	// Workspace is the root for screenshots, reports, exports, logs and the ledger.
	Workspace string `yaml:"workspace"`

	Browser   BrowserConfig   `yaml:"browser"`
	Runner    RunnerConfig    `yaml:"runner"`
	Healing   HealingConfig   `yaml:"healing"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Perf      PerfConfig      `yaml:"perf"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CredentialsConfig holds the login used by page-object flows.
type CredentialsConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"-"`
	Required bool   `yaml:"required"`
}

// RunnerConfig configures retries.
type RunnerConfig struct {
	// RetryCount is the retry budget R: a test may fail R+1 times before it is final.
	RetryCount int    `yaml:"retry_count"`
	RetryDelay string `yaml:"retry_delay"`
}

// ArtifactsConfig configures failure artifacts.
type ArtifactsConfig struct {
	ScreenshotOnFailure bool `yaml:"screenshot_on_failure"`
	// VideoOnFailure is recorded into failure contexts; the CDP driver does not record video.
	VideoOnFailure bool   `yaml:"video_on_failure"`
	ScreenshotDir  string `yaml:"screenshot_dir"`
	HealingDir     string `yaml:"healing_dir"`
	LedgerPath     string `yaml:"ledger_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   "http://localhost:3000/",
		Workspace: DefaultWorkspace,
		Credentials: CredentialsConfig{
			Required: false,
		},
		Browser: BrowserConfig{
			Name:           "chromium",
			Headless:       false,
			SlowMo:         "100ms",
			Timeout:        "30s",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			LaunchFlags: []string{
				"--disable-blink-features=AutomationControlled",
				"--disable-extensions",
				"--no-sandbox",
				"--disable-dev-shm-usage",
			},
		},
		Runner: RunnerConfig{
			RetryCount: 3,
			RetryDelay: "1s",
		},
		Healing: HealingConfig{
			Enabled:    false,
			Provider:   "ollama",
			Confidence: 0.7,
			DOMBudget:  5000,
			Ollama: OllamaConfig{
				Host:         "http://localhost:11434",
				Model:        "llama3.1:8b",
				Temperature:  0.1,
				NumCtx:       8192,
				Bin:          "ollama",
				StartTimeout: "30s",
				LoadTimeout:  "180s",
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.5-flash",
			},
		},
		Artifacts: ArtifactsConfig{
			ScreenshotOnFailure: true,
			VideoOnFailure:      true,
		},
		Perf: PerfConfig{
			Enabled:     false,
			SettleDelay: "500ms",
			VitalsDelay: "2s",
			IdleTimeout: "10s",
			Concurrency: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, then .env files, then the
// process environment. A missing YAML file yields defaults.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFiles populates the process environment from dotenv files without
// overriding variables already set. With no arguments ".env" is tried.
// Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Save saves configuration to a YAML file. The password is never written.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	// Millisecond integers, as the runner settings have always been expressed.
	setMillis := func(key string, dst *string) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = (time.Duration(ms) * time.Millisecond).String()
	}

	setString("BASE_URL", &c.BaseURL)
	setString("TEST_EMAIL", &c.Credentials.Email)
	setString("TEST_PASSWORD", &c.Credentials.Password)
	setString("E2EHEAL_WORKSPACE", &c.Workspace)

	setString("BROWSER", &c.Browser.Name)
	setString("BROWSER_BIN", &c.Browser.Bin)
	setBool("HEADLESS", &c.Browser.Headless)
	setMillis("SLOW_MO", &c.Browser.SlowMo)
	setMillis("TIMEOUT", &c.Browser.Timeout)

	setInt("RETRY_COUNT", &c.Runner.RetryCount)
	setMillis("RETRY_DELAY", &c.Runner.RetryDelay)

	setBool("SCREENSHOT_ON_FAILURE", &c.Artifacts.ScreenshotOnFailure)
	setBool("VIDEO_ON_FAILURE", &c.Artifacts.VideoOnFailure)
	setBool("PERF_MONITOR", &c.Perf.Enabled)

	setBool("AI_HEALING_ENABLED", &c.Healing.Enabled)
	setFloat("AI_HEALING_CONFIDENCE", &c.Healing.Confidence)
	setString("AI_HEALING_PROVIDER", &c.Healing.Provider)
	setString("OLLAMA_HOST", &c.Healing.Ollama.Host)
	setString("OLLAMA_MODEL", &c.Healing.Ollama.Model)
	setFloat("OLLAMA_TEMPERATURE", &c.Healing.Ollama.Temperature)
	setString("OLLAMA_BIN", &c.Healing.Ollama.Bin)
	setString("GEMINI_API_KEY", &c.Healing.Gemini.APIKey)
	setString("GEMINI_MODEL", &c.Healing.Gemini.Model)

	setString("E2EHEAL_LOG_LEVEL", &c.Logging.Level)
	setBool("E2EHEAL_DEBUG", &c.Logging.DebugMode)

	c.Browser.Name = strings.ToLower(strings.TrimSpace(c.Browser.Name))
	c.Healing.Provider = strings.ToLower(strings.TrimSpace(c.Healing.Provider))

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// GetTimeout returns the default action timeout.
func (c *Config) GetTimeout() time.Duration {
	return durationOr(c.Browser.Timeout, 30*time.Second)
}

// GetSlowMo returns the delay inserted between driver actions.
func (c *Config) GetSlowMo() time.Duration {
	return durationOr(c.Browser.SlowMo, 0)
}

// GetRetryDelay returns the delay between attempts.
func (c *Config) GetRetryDelay() time.Duration {
	return durationOr(c.Runner.RetryDelay, time.Second)
}

// ScreenshotDir returns the resolved screenshot directory.
func (c *Config) ScreenshotDir() string {
	return c.resolve(c.Artifacts.ScreenshotDir, "screenshots")
}

// HealingDir returns the resolved directory for reports and candidates.
func (c *Config) HealingDir() string {
	return c.resolve(c.Artifacts.HealingDir, "healing")
}

// PerfDir returns the resolved directory for performance exports.
func (c *Config) PerfDir() string {
	return c.resolve(c.Perf.OutputDir, "perf")
}

// LogsDir returns the resolved logs directory.
func (c *Config) LogsDir() string {
	return c.resolve(c.Logging.Dir, "logs")
}

// LedgerPath returns the resolved SQLite ledger path.
func (c *Config) LedgerPath() string {
	return c.resolve(c.Artifacts.LedgerPath, "ledger.db")
}

func (c *Config) resolve(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	ws := c.Workspace
	if ws == "" {
		ws = DefaultWorkspace
	}
	return filepath.Join(ws, name)
}

// SupportedBrowsers lists browser names the CDP driver can launch.
var SupportedBrowsers = []string{"chromium", "chrome", "edge"}

// ValidProviders lists the supported model backends.
var ValidProviders = []string{"ollama", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !slices.Contains(SupportedBrowsers, c.Browser.Name) {
		return fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedBrowser, c.Browser.Name, SupportedBrowsers)
	}
	if c.Runner.RetryCount < 0 {
		return fmt.Errorf("retry count must be >= 0, got %d", c.Runner.RetryCount)
	}
	if c.Healing.Confidence < 0 || c.Healing.Confidence > 1 {
		return fmt.Errorf("healing confidence threshold must be within [0,1], got %v", c.Healing.Confidence)
	}
	if !slices.Contains(ValidProviders, c.Healing.Provider) {
		return fmt.Errorf("invalid healing provider: %s (valid: %v)", c.Healing.Provider, ValidProviders)
	}
	if c.Healing.Enabled && c.Healing.Provider == "gemini" && c.Healing.Gemini.APIKey == "" {
		return fmt.Errorf("gemini provider requires GEMINI_API_KEY")
	}
	if c.Credentials.Required {
		return c.ValidateCredentials()
	}
	return nil
}

// ValidateCredentials checks that the login pair is present.
func (c *Config) ValidateCredentials() error {
	var missing []string
	if c.Credentials.Email == "" {
		missing = append(missing, "TEST_EMAIL")
	}
	if c.Credentials.Password == "" {
		missing = append(missing, "TEST_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}
