// Package config provides YAML configuration parsing and validation for the
// docwatch agent. Configuration is loaded from a YAML file specified via the
// --config flag and governs all agent behaviour: which directories to watch,
// which index each directory feeds, how to reach the ingestion API, and where
// to keep the optional delivery history.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Watch mode
// ---------------------------------------------------------------------------

// WatchMode selects the change-notification mechanism used for a directory.
type WatchMode string

const (
	// WatchModeNotify uses kernel notifications (inotify, kqueue, ...).
	WatchModeNotify WatchMode = "notify"
	// WatchModePoll compares periodic directory snapshots. Use it for network
	// mounts that do not deliver kernel notifications.
	WatchModePoll WatchMode = "poll"
)

var validWatchModes = map[WatchMode]struct{}{
	WatchModeNotify: {},
	WatchModePoll:   {},
}

// UnmarshalYAML implements yaml.Unmarshaler so mode values are
// case-normalised and validated at parse time.
func (m *WatchMode) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	normalised := WatchMode(strings.ToLower(strings.TrimSpace(raw)))
	if normalised == "" {
		*m = ""
		return nil
	}
	if _, ok := validWatchModes[normalised]; !ok {
		return fmt.Errorf("invalid watch mode %q: must be one of notify, poll", raw)
	}
	*m = normalised
	return nil
}

// ---------------------------------------------------------------------------
// Directories
// ---------------------------------------------------------------------------

// DirectoryConfig describes one watched directory tree and the index its
// documents are ingested into.
type DirectoryConfig struct {
	// Path is the absolute root of the watched tree. Required.
	Path string `yaml:"path"`
	// Filter is a single filename glob (e.g. "*.md"). Kept for configs that
	// only need one pattern; merged with Filters.
	Filter string `yaml:"filter"`
	// Filters is a list of filename globs. An empty list matches every file.
	Filters []string `yaml:"filters"`
	// Recursive includes every sub-directory of Path.
	Recursive bool `yaml:"recursive"`
	// Index is the ingestion index documents from this tree are sent to.
	// Defaults to "default".
	Index string `yaml:"index"`
	// InitialScan enqueues every existing matching file at startup.
	InitialScan bool `yaml:"initial_scan"`
	// Mode is "notify" (default) or "poll".
	Mode WatchMode `yaml:"mode"`
	// PollInterval is the snapshot interval in poll mode. Defaults to 2s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Patterns returns Filter and Filters merged into one list, without empty
// entries.
func (d DirectoryConfig) Patterns() []string {
	var out []string
	if f := strings.TrimSpace(d.Filter); f != "" {
		out = append(out, f)
	}
	for _, f := range d.Filters {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

// IngestionConfig configures the remote ingestion API and the dispatch
// policy used to reach it.
type IngestionConfig struct {
	// Endpoint is the base URL of the ingestion API.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent verbatim in AuthHeader on every request when set.
	APIKey string `yaml:"api_key"`
	// AuthHeader names the header carrying APIKey. Defaults to
	// "Authorization".
	AuthHeader string `yaml:"auth_header"`
	// JWTSecret switches authentication to short-lived HS256 bearer tokens.
	// Mutually exclusive with APIKey.
	JWTSecret string `yaml:"jwt_secret"`
	// JWTIssuer is the "iss" claim of minted tokens. Defaults to "docwatch".
	JWTIssuer string `yaml:"jwt_issuer"`
	// JWTTTL is the lifetime of a minted token. Defaults to 5m.
	JWTTTL time.Duration `yaml:"jwt_ttl"`
	// Retries is the number of retries after the first attempt.
	Retries int `yaml:"retries"`
	// RetryInitialDelay is the median delay before the second retry; the
	// first retry is immediate.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	// RetryMaxDelay caps the backoff interval.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	// RetryStatusCodes are retried in addition to 408, 429 and 5xx.
	RetryStatusCodes []int `yaml:"retry_status_codes"`
	// ParallelUploads bounds concurrent in-flight requests per tick.
	ParallelUploads int `yaml:"parallel_uploads"`
	// Schedule is the dispatch tick interval.
	Schedule time.Duration `yaml:"schedule"`
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit caps requests per second across all workers. 0 = unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// ---------------------------------------------------------------------------
// Ledger / audit
// ---------------------------------------------------------------------------

// LedgerConfig selects where delivery outcomes are recorded for operators.
type LedgerConfig struct {
	// Driver is "", "sqlite" or "postgres". Empty disables the ledger.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// AuditConfig controls the hash-chained delivery journal.
type AuditConfig struct {
	// Path is the journal file. Empty disables the journal.
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Root
// ---------------------------------------------------------------------------

// Config is the root configuration for the docwatch agent.
type Config struct {
	// LogLevel is "debug", "info", "warn" or "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`
	// StatusAddr is the listen address of the status HTTP server. Empty
	// disables it.
	StatusAddr string `yaml:"status_addr"`

	Directories []DirectoryConfig `yaml:"directories"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Audit       AuditConfig       `yaml:"audit"`
}

// Default values applied by applyDefaults.
const (
	DefaultEndpoint          = "http://localhost:9001"
	DefaultIndex             = "default"
	DefaultAuthHeader        = "Authorization"
	DefaultRetries           = 2
	DefaultParallelUploads   = 4
	DefaultSchedule          = 10 * time.Second
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultRequestTimeout    = 60 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultJWTIssuer         = "docwatch"
	DefaultJWTTTL            = 5 * time.Minute
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLedgerDrivers = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path and returns the validated
// configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults, and validates the result.
// Unknown keys are rejected so that typos surface at startup.
func Parse(data []byte) (*Config, error) {
	// Fields whose zero value is meaningful are seeded before decoding so
	// that only absent keys take the default.
	cfg := Config{Ingestion: IngestionConfig{Retries: DefaultRetries}}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	for i := range cfg.Directories {
		d := &cfg.Directories[i]
		if d.Index == "" {
			d.Index = DefaultIndex
		}
		if d.Mode == "" {
			d.Mode = WatchModeNotify
		}
		if d.PollInterval == 0 {
			d.PollInterval = DefaultPollInterval
		}
		if d.Path != "" {
			d.Path = filepath.Clean(d.Path)
		}
	}

	in := &cfg.Ingestion
	if in.Endpoint == "" {
		in.Endpoint = DefaultEndpoint
	}
	if in.AuthHeader == "" {
		in.AuthHeader = DefaultAuthHeader
	}
	if in.JWTIssuer == "" {
		in.JWTIssuer = DefaultJWTIssuer
	}
	if in.JWTTTL == 0 {
		in.JWTTTL = DefaultJWTTTL
	}
	if in.RetryInitialDelay == 0 {
		in.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if in.RetryMaxDelay == 0 {
		in.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if in.RetryStatusCodes == nil {
		// The remote index is eventually consistent; a 404 usually means
		// "not yet", so it is retried unless configured otherwise.
		in.RetryStatusCodes = []int{404}
	}
	if in.ParallelUploads == 0 {
		in.ParallelUploads = DefaultParallelUploads
	}
	if in.Schedule == 0 {
		in.Schedule = DefaultSchedule
	}
	if in.RequestTimeout == 0 {
		in.RequestTimeout = DefaultRequestTimeout
	}

	cfg.Ledger.Driver = strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver))
}

// Validate checks cfg for semantic errors and reports all of them at once so
// operators can fix every problem in a single run. A nil error means the
// configuration is valid.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validLogLevels[cfg.LogLevel] {
		add("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.StatusAddr); err != nil {
			add("status_addr %q is not a valid host:port address: %v", cfg.StatusAddr, err)
		}
	}

	// ── Directories ───────────────────────────────────────────────────────
	if len(cfg.Directories) == 0 {
		errs = append(errs, errors.New("at least one directory must be configured"))
	}
	seen := map[string]struct{}{}
	for i, d := range cfg.Directories {
		prefix := fmt.Sprintf("directories[%d]", i)
		switch {
		case d.Path == "":
			add("%s.path must not be empty", prefix)
		case !filepath.IsAbs(d.Path):
			add("%s.path %q must be absolute", prefix, d.Path)
		default:
			if _, dup := seen[d.Path]; dup {
				add("%s.path %q is duplicated", prefix, d.Path)
			}
			seen[d.Path] = struct{}{}
		}
		if strings.TrimSpace(d.Index) == "" {
			add("%s.index must not be blank", prefix)
		}
		for _, p := range d.Patterns() {
			if _, err := filepath.Match(p, ""); err != nil {
				add("%s filter %q is not a valid glob: %v", prefix, p, err)
			}
		}
		if _, ok := validWatchModes[d.Mode]; !ok {
			add("%s.mode %q must be one of: notify, poll", prefix, d.Mode)
		}
		if d.PollInterval < 0 {
			add("%s.poll_interval must be positive", prefix)
		}
	}

	// ── Ingestion ─────────────────────────────────────────────────────────
	in := cfg.Ingestion
	if u, err := url.Parse(in.Endpoint); err != nil {
		add("ingestion.endpoint %q is not a valid URL: %v", in.Endpoint, err)
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("ingestion.endpoint %q must be an absolute http(s) URL", in.Endpoint)
	}
	if in.APIKey != "" && in.JWTSecret != "" {
		add("ingestion.api_key and ingestion.jwt_secret are mutually exclusive")
	}
	if in.JWTTTL < 0 {
		add("ingestion.jwt_ttl must be positive")
	}
	if in.Retries < 0 {
		add("ingestion.retries must be >= 0")
	}
	if in.RetryInitialDelay < 0 {
		add("ingestion.retry_initial_delay must be positive")
	}
	if in.RetryMaxDelay < in.RetryInitialDelay {
		add("ingestion.retry_max_delay (%v) must be >= retry_initial_delay (%v)",
			in.RetryMaxDelay, in.RetryInitialDelay)
	}
	for j, code := range in.RetryStatusCodes {
		if code < 100 || code > 599 {
			add("ingestion.retry_status_codes[%d] %d is not an HTTP status code", j, code)
		}
	}
	if in.ParallelUploads < 1 {
		add("ingestion.parallel_uploads must be >= 1")
	}
	if in.Schedule <= 0 {
		add("ingestion.schedule must be positive")
	}
	if in.RequestTimeout < 0 {
		add("ingestion.request_timeout must be positive")
	}
	if in.RateLimit < 0 {
		add("ingestion.rate_limit must be >= 0 (use 0 for unlimited)")
	}

	// ── Ledger ────────────────────────────────────────────────────────────
	if !validLedgerDrivers[cfg.Ledger.Driver] {
		add("ledger.driver %q must be one of: sqlite, postgres (or empty)", cfg.Ledger.Driver)
	}
	if cfg.Ledger.Driver == "sqlite" && cfg.Ledger.Path == "" {
		add("ledger.path must not be empty when ledger.driver is sqlite")
	}
	if cfg.Ledger.Driver == "postgres" && cfg.Ledger.DSN == "" {
		add("ledger.dsn must not be empty when ledger.driver is postgres")
	}

	return errors.Join(errs...)
}
