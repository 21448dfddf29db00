package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docwatch/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
log_level: debug
status_addr: "127.0.0.1:9191"
directories:
  - path: /data/docs
    filter: "*.txt"
    filters: ["*.md"]
    recursive: true
    index: kb
    initial_scan: true
  - path: /mnt/share
    mode: POLL
    poll_interval: 5s
ingestion:
  endpoint: "https://ingest.example.com"
  api_key: "s3cret"
  retries: 5
  retry_status_codes: [404, 409]
  parallel_uploads: 8
  schedule: 30s
  rate_limit: 2.5
ledger:
  driver: SQLite
  path: /var/lib/docwatch/ledger.db
audit:
  path: /var/log/docwatch/audit.log
`

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.StatusAddr != "127.0.0.1:9191" {
		t.Errorf("StatusAddr = %q", cfg.StatusAddr)
	}
	if len(cfg.Directories) != 2 {
		t.Fatalf("len(Directories) = %d, want 2", len(cfg.Directories))
	}

	d0 := cfg.Directories[0]
	if d0.Path != "/data/docs" || d0.Index != "kb" || !d0.Recursive || !d0.InitialScan {
		t.Errorf("Directories[0] = %+v", d0)
	}
	if got := d0.Patterns(); len(got) != 2 || got[0] != "*.txt" || got[1] != "*.md" {
		t.Errorf("Directories[0].Patterns() = %v, want [*.txt *.md]", got)
	}
	if d0.Mode != config.WatchModeNotify {
		t.Errorf("Directories[0].Mode = %q, want notify", d0.Mode)
	}

	d1 := cfg.Directories[1]
	if d1.Mode != config.WatchModePoll {
		t.Errorf("Directories[1].Mode = %q, want poll (case-normalised)", d1.Mode)
	}
	if d1.PollInterval != 5*time.Second {
		t.Errorf("Directories[1].PollInterval = %v, want 5s", d1.PollInterval)
	}
	if d1.Index != config.DefaultIndex {
		t.Errorf("Directories[1].Index = %q, want %q", d1.Index, config.DefaultIndex)
	}

	in := cfg.Ingestion
	if in.Endpoint != "https://ingest.example.com" || in.APIKey != "s3cret" {
		t.Errorf("Ingestion endpoint/key = %q/%q", in.Endpoint, in.APIKey)
	}
	if in.Retries != 5 || in.ParallelUploads != 8 || in.Schedule != 30*time.Second {
		t.Errorf("Ingestion retries/parallel/schedule = %d/%d/%v", in.Retries, in.ParallelUploads, in.Schedule)
	}
	if len(in.RetryStatusCodes) != 2 || in.RetryStatusCodes[1] != 409 {
		t.Errorf("RetryStatusCodes = %v", in.RetryStatusCodes)
	}
	if in.RateLimit != 2.5 {
		t.Errorf("RateLimit = %v, want 2.5", in.RateLimit)
	}
	if cfg.Ledger.Driver != "sqlite" {
		t.Errorf("Ledger.Driver = %q, want sqlite", cfg.Ledger.Driver)
	}
	if cfg.Audit.Path != "/var/log/docwatch/audit.log" {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
directories:
  - path: /data/docs/
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Directories[0].Path != "/data/docs" {
		t.Errorf("Path = %q, want cleaned /data/docs", cfg.Directories[0].Path)
	}
	if cfg.Directories[0].Index != "default" {
		t.Errorf("Index = %q, want default", cfg.Directories[0].Index)
	}
	if cfg.Directories[0].PollInterval != config.DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.Directories[0].PollInterval)
	}

	in := cfg.Ingestion
	checks := []struct {
		name      string
		got, want any
	}{
		{"Endpoint", in.Endpoint, config.DefaultEndpoint},
		{"AuthHeader", in.AuthHeader, config.DefaultAuthHeader},
		{"Retries", in.Retries, config.DefaultRetries},
		{"ParallelUploads", in.ParallelUploads, config.DefaultParallelUploads},
		{"Schedule", in.Schedule, config.DefaultSchedule},
		{"RetryInitialDelay", in.RetryInitialDelay, config.DefaultRetryInitialDelay},
		{"RetryMaxDelay", in.RetryMaxDelay, config.DefaultRetryMaxDelay},
		{"RequestTimeout", in.RequestTimeout, config.DefaultRequestTimeout},
		{"JWTIssuer", in.JWTIssuer, config.DefaultJWTIssuer},
		{"JWTTTL", in.JWTTTL, config.DefaultJWTTTL},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(in.RetryStatusCodes) != 1 || in.RetryStatusCodes[0] != 404 {
		t.Errorf("RetryStatusCodes = %v, want [404]", in.RetryStatusCodes)
	}
}

func TestParse_ExplicitZeroValuesKept(t *testing.T) {
	cfg, err := config.Parse([]byte(`
directories:
  - path: /data
ingestion:
  retries: 0
  retry_status_codes: []
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ingestion.Retries != 0 {
		t.Errorf("Retries = %d, want explicit 0", cfg.Ingestion.Retries)
	}
	if len(cfg.Ingestion.RetryStatusCodes) != 0 {
		t.Errorf("RetryStatusCodes = %v, want empty", cfg.Ingestion.RetryStatusCodes)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no directories",
			yaml:    `log_level: info`,
			wantErr: "at least one directory",
		},
		{
			name: "relative path",
			yaml: `
directories:
  - path: docs
`,
			wantErr: "must be absolute",
		},
		{
			name: "duplicate path",
			yaml: `
directories:
  - path: /data
  - path: /data/
`,
			wantErr: "duplicated",
		},
		{
			name: "bad glob",
			yaml: `
directories:
  - path: /data
    filter: "[abc"
`,
			wantErr: "not a valid glob",
		},
		{
			name: "bad log level",
			yaml: `
log_level: verbose
directories:
  - path: /data
`,
			wantErr: "log_level",
		},
		{
			name: "bad endpoint",
			yaml: `
directories:
  - path: /data
ingestion:
  endpoint: "localhost:9001"
`,
			wantErr: "ingestion.endpoint",
		},
		{
			name: "api key and jwt",
			yaml: `
directories:
  - path: /data
ingestion:
  api_key: a
  jwt_secret: b
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "negative retries",
			yaml: `
directories:
  - path: /data
ingestion:
  retries: -1
`,
			wantErr: "ingestion.retries",
		},
		{
			name: "negative parallel uploads",
			yaml: `
directories:
  - path: /data
ingestion:
  parallel_uploads: -3
`,
			wantErr: "parallel_uploads",
		},
		{
			name: "bad retry status",
			yaml: `
directories:
  - path: /data
ingestion:
  retry_status_codes: [42]
`,
			wantErr: "not an HTTP status code",
		},
		{
			name: "ledger without path",
			yaml: `
directories:
  - path: /data
ledger:
  driver: sqlite
`,
			wantErr: "ledger.path",
		},
		{
			name: "unknown ledger driver",
			yaml: `
directories:
  - path: /data
ledger:
  driver: mysql
`,
			wantErr: "ledger.driver",
		},
		{
			name: "bad status addr",
			yaml: `
status_addr: "nope"
directories:
  - path: /data
`,
			wantErr: "status_addr",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestParse_InvalidMode(t *testing.T) {
	_, err := config.Parse([]byte(`
directories:
  - path: /data
    mode: fanotify
`))
	if err == nil || !strings.Contains(err.Error(), "invalid watch mode") {
		t.Fatalf("err = %v, want invalid watch mode", err)
	}
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := config.Parse([]byte(`
directories:
  - path: /data
    recursve: true
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestParse_ReportsAllErrors(t *testing.T) {
	_, err := config.Parse([]byte(`
log_level: loud
directories:
  - path: relative
ingestion:
  retries: -1
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "must be absolute", "ingestion.retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("error = %q, want 'cannot read'", err.Error())
	}
}
