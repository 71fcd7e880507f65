package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/quizpilot/internal/page"
)

const (
	// Version is the current version of quizpilot.
	Version = "1"
	// AppName is the application name.
	AppName = "quizpilot"
)

// Answer policies.
const (
	PolicyFirst = "first"
	PolicyLLM   = "llm"
)

// Logger types.
const (
	LoggerTypeDefault = "default"
	LoggerTypeJSON    = "json"
)

// Tuning holds the automation timings. It can be overlaid from the YAML
// config file.
type Tuning struct {
	RetryBudget        int           `yaml:"retry_budget"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	DetectTimeout      time.Duration `yaml:"detect_timeout"`
	NavigationTimeout  time.Duration `yaml:"navigation_timeout"`
	StartTimeout       time.Duration `yaml:"start_timeout"`
	LoginChecks        int           `yaml:"login_checks"`
	LoginCheckInterval time.Duration `yaml:"login_check_interval"`
	ManualPollInterval time.Duration `yaml:"manual_poll_interval"`
	AutoResume         bool          `yaml:"auto_resume"`
	ManualTimeout      time.Duration `yaml:"manual_timeout"`
	// AutoSubmit submits once every question is answered. When off the run
	// waits for the operator to review the answers.
	AutoSubmit bool `yaml:"auto_submit"`
}

// Config holds all configuration options for the server.
type Config struct {
	// Server
	Host string
	Port int

	// Browser
	Display        string
	Headless       bool
	ChromeBin      string
	ChromeDownload bool
	ChromeRevision int
	UserDataDir    string

	// Storage
	CredentialDir string
	DBPath        string

	// Events
	NatsURL string

	// Answers
	Policy     string
	AnswerText string
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Portal login, optional.
	Username string
	Password string

	Tuning    Tuning
	Selectors page.Selectors

	// Security
	RateLimitRequests int
	RateLimitBurst    int
	IdempotencyTTL    time.Duration

	// Logging
	Debug      bool
	LoggerType string
	NoColor    bool

	ConfigFile string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8000,
		Display:       ":99",
		UserDataDir:   "./data/chrome",
		CredentialDir: "./data",
		DBPath:        "./data/quizpilot.db",
		Policy:        PolicyFirst,
		AnswerText:    "N/A",
		LLMBaseURL:    "https://api.groq.com/openai/v1",
		LLMModel:      "llama-3.3-70b-versatile",
		Tuning: Tuning{
			RetryBudget:        3,
			RetryDelay:         time.Second,
			DetectTimeout:      10 * time.Second,
			NavigationTimeout:  45 * time.Second,
			StartTimeout:       60 * time.Second,
			LoginChecks:        5,
			LoginCheckInterval: 2 * time.Second,
			ManualPollInterval: 2 * time.Second,
			AutoResume:         true,
			AutoSubmit:         true,
		},
		RateLimitRequests: 120,
		RateLimitBurst:    20,
		IdempotencyTTL:    time.Hour,
		LoggerType:        LoggerTypeDefault,
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load parses args (without the program name) on top of the defaults,
// applies the YAML file given with --config and validates the result.
// Every flag can also be set with a QUIZPILOT_* environment variable.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	app := kingpin.New(AppName, "Quiz automation session controller.")
	app.Version(fmt.Sprintf("%s v%s", AppName, Version))
	register(app, cfg)

	if _, err := app.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid command configuration: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.overlay(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	// Groq keys are commonly exported under their own name.
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("GROQ_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func register(app *kingpin.Application, c *Config) {
	d := DefaultConfig()

	// Server
	app.Flag("host", "Host address to bind the server.").Envar("QUIZPILOT_HOST").Default(d.Host).StringVar(&c.Host)
	app.Flag("port", "Port number for the server.").Envar("QUIZPILOT_PORT").Default(fmt.Sprint(d.Port)).IntVar(&c.Port)

	// Browser
	app.Flag("display", "X display the browser renders on.").Envar("DISPLAY").Default(d.Display).StringVar(&c.Display)
	app.Flag("headless", "Run the browser headless (nothing to watch remotely).").Envar("QUIZPILOT_HEADLESS").BoolVar(&c.Headless)
	app.Flag("chrome-bin", "Path to the Chrome binary.").Envar("QUIZPILOT_CHROME_BIN").StringVar(&c.ChromeBin)
	app.Flag("chrome-download", "Download Chromium when no binary is found.").Envar("QUIZPILOT_CHROME_DOWNLOAD").BoolVar(&c.ChromeDownload)
	app.Flag("chrome-revision", "Chromium revision to download (0 uses default).").Envar("QUIZPILOT_CHROME_REVISION").Default("0").IntVar(&c.ChromeRevision)
	app.Flag("user-data-dir", "Chrome profile directory.").Envar("QUIZPILOT_USER_DATA_DIR").Default(d.UserDataDir).StringVar(&c.UserDataDir)

	// Storage
	app.Flag("credential-dir", "Directory of the saved portal session.").Envar("QUIZPILOT_CREDENTIAL_DIR").Default(d.CredentialDir).StringVar(&c.CredentialDir)
	app.Flag("db-path", "Path to the SQLite run history database.").Envar("QUIZPILOT_DB_PATH").Default(d.DBPath).StringVar(&c.DBPath)

	// Events
	app.Flag("nats-url", "NATS server URL for run events (empty disables).").Envar("QUIZPILOT_NATS_URL").StringVar(&c.NatsURL)

	// Answers
	app.Flag("policy", "Answer policy.").Envar("QUIZPILOT_POLICY").Default(d.Policy).EnumVar(&c.Policy, PolicyFirst, PolicyLLM)
	app.Flag("answer-text", "Answer given to free text questions by the first policy.").Envar("QUIZPILOT_ANSWER_TEXT").Default(d.AnswerText).StringVar(&c.AnswerText)
	app.Flag("llm-api-key", "API key of the OpenAI compatible endpoint.").Envar("QUIZPILOT_LLM_API_KEY").StringVar(&c.LLMAPIKey)
	app.Flag("llm-base-url", "Base URL of the OpenAI compatible endpoint.").Envar("QUIZPILOT_LLM_BASE_URL").Default(d.LLMBaseURL).StringVar(&c.LLMBaseURL)
	app.Flag("llm-model", "Chat model used to answer.").Envar("QUIZPILOT_LLM_MODEL").Default(d.LLMModel).StringVar(&c.LLMModel)

	// Login
	app.Flag("username", "Portal username.").Envar("QUIZPILOT_USERNAME").StringVar(&c.Username)
	app.Flag("password", "Portal password.").Envar("QUIZPILOT_PASSWORD").StringVar(&c.Password)

	// Tuning
	app.Flag("retry-budget", "Attempts per page step before giving up (1-10).").Envar("QUIZPILOT_RETRY_BUDGET").Default(fmt.Sprint(d.Tuning.RetryBudget)).IntVar(&c.Tuning.RetryBudget)
	app.Flag("retry-delay", "Wait between attempts.").Envar("QUIZPILOT_RETRY_DELAY").Default(d.Tuning.RetryDelay.String()).DurationVar(&c.Tuning.RetryDelay)
	app.Flag("detect-timeout", "How long to wait for the quiz page to settle.").Envar("QUIZPILOT_DETECT_TIMEOUT").Default(d.Tuning.DetectTimeout.String()).DurationVar(&c.Tuning.DetectTimeout)
	app.Flag("navigation-timeout", "Page load timeout.").Envar("QUIZPILOT_NAVIGATION_TIMEOUT").Default(d.Tuning.NavigationTimeout.String()).DurationVar(&c.Tuning.NavigationTimeout)
	app.Flag("start-timeout", "Browser launch timeout.").Envar("QUIZPILOT_START_TIMEOUT").Default(d.Tuning.StartTimeout.String()).DurationVar(&c.Tuning.StartTimeout)
	app.Flag("auto-resume", "Leave manual intervention once the quiz is reachable.").Envar("QUIZPILOT_AUTO_RESUME").Default("true").BoolVar(&c.Tuning.AutoResume)
	app.Flag("auto-submit", "Submit the quiz once every question is answered.").Envar("QUIZPILOT_AUTO_SUBMIT").Default("true").BoolVar(&c.Tuning.AutoSubmit)
	app.Flag("manual-timeout", "Fail runs waiting on the operator longer than this (0 waits forever).").Envar("QUIZPILOT_MANUAL_TIMEOUT").Default("0s").DurationVar(&c.Tuning.ManualTimeout)

	// Security
	app.Flag("rate-limit", "Rate limit requests per minute.").Envar("QUIZPILOT_RATE_LIMIT").Default(fmt.Sprint(d.RateLimitRequests)).IntVar(&c.RateLimitRequests)
	app.Flag("rate-burst", "Rate limit requests per second.").Envar("QUIZPILOT_RATE_BURST").Default(fmt.Sprint(d.RateLimitBurst)).IntVar(&c.RateLimitBurst)
	app.Flag("idempotency-ttl", "How long idempotent responses are replayed.").Envar("QUIZPILOT_IDEMPOTENCY_TTL").Default(d.IdempotencyTTL.String()).DurationVar(&c.IdempotencyTTL)

	// Logging
	app.Flag("debug", "Enable debug mode.").Envar("QUIZPILOT_DEBUG").BoolVar(&c.Debug)
	app.Flag("logger", "Selects the logger type.").Envar("QUIZPILOT_LOGGER").Default(d.LoggerType).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("no-color", "Disable logger color.").Envar("QUIZPILOT_NO_COLOR").BoolVar(&c.NoColor)

	app.Flag("config", "YAML file with selectors and tuning overrides.").Envar("QUIZPILOT_CONFIG").StringVar(&c.ConfigFile)
}

type fileConfig struct {
	Tuning    *Tuning         `yaml:"tuning"`
	Selectors *page.Selectors `yaml:"selectors"`
}

// overlay applies the YAML file on top of c. Keys missing in the file keep
// their current value.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}

	fc := fileConfig{Tuning: &c.Tuning, Selectors: &c.Selectors}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("could not parse config file %q: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Policy == PolicyLLM && c.LLMAPIKey == "" {
		return fmt.Errorf("llm policy requires an api key")
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}
	if c.Tuning.ManualTimeout < 0 {
		return fmt.Errorf("manual timeout can't be negative")
	}

	if c.Tuning.RetryBudget < 1 {
		c.Tuning.RetryBudget = 1
	}
	if c.Tuning.RetryBudget > 10 {
		c.Tuning.RetryBudget = 10
	}
	if c.RateLimitRequests < 1 {
		c.RateLimitRequests = DefaultConfig().RateLimitRequests
	}
	if c.RateLimitBurst < 1 {
		c.RateLimitBurst = DefaultConfig().RateLimitBurst
	}

	return nil
}
