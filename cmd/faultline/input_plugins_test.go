package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/store"
)

func TestBuildInputPlugins_RegistersPrimitives(t *testing.T) {
	t.Parallel()

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: true,
		TCPAddr:    "127.0.0.1:4000",
	})

	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[0].Name() != "tcp" {
		t.Fatalf("plugins[0] name = %q, want %q", plugins[0].Name(), "tcp")
	}
	if plugins[1].Name() != "stdin" {
		t.Fatalf("plugins[1] name = %q, want %q", plugins[1].Name(), "stdin")
	}
	if !plugins[0].Enabled() {
		t.Fatal("expected tcp plugin to be enabled when TCPEnabled=true")
	}
}

func TestBuildInputPlugins_TCPDisabled(t *testing.T) {
	t.Parallel()

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: false,
		TCPAddr:    "127.0.0.1:4000",
	})

	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[0].Enabled() {
		t.Fatal("expected tcp plugin to be disabled when TCPEnabled=false")
	}
}

type failingPlugin struct{}

func (failingPlugin) Name() string  { return "broken" }
func (failingPlugin) Enabled() bool { return true }
func (failingPlugin) Build(context.Context) (NamedSource, error) {
	return nil, errors.New("no listener")
}

func TestBuildSources_SkipsDisabledAndFailed(t *testing.T) {
	t.Parallel()

	piped := false
	plugins := append(buildInputPlugins(InputPluginConfig{StdinPiped: &piped}), failingPlugin{})

	var failed []string
	sources := buildSources(context.Background(), plugins, func(name string, err error) {
		failed = append(failed, name+": "+err.Error())
	})

	if len(sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(sources))
	}
	if len(failed) != 1 || failed[0] != "broken: no listener" {
		t.Fatalf("failures = %v", failed)
	}
}

func TestBuildSources_StartsTCP(t *testing.T) {
	t.Parallel()

	piped := false
	sources := buildSources(context.Background(), buildInputPlugins(InputPluginConfig{
		TCPEnabled: true,
		TCPAddr:    "127.0.0.1:0",
		StdinPiped: &piped,
	}), nil)
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	defer sources[0].Stop()
	if sources[0].Name() != "tcp" {
		t.Fatalf("source name = %q", sources[0].Name())
	}
}

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetFaultlineEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantErr      bool
		wantHost     string
		wantTCPAddr  string
		wantAPIAddr  string
		wantOTLPAddr string
		errSubstring string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
tcp-port: 4100
api-port: 3100
`,
			wantHost:     "127.0.0.1",
			wantTCPAddr:  "127.0.0.1:4100",
			wantAPIAddr:  "127.0.0.1:3100",
			wantOTLPAddr: "127.0.0.1:4317",
		},
		{
			name: "host applies to derived addresses",
			configYAML: `
host: 0.0.0.0
tcp-port: 4200
api-port: 3200
`,
			wantHost:     "0.0.0.0",
			wantTCPAddr:  "0.0.0.0:4200",
			wantAPIAddr:  "0.0.0.0:3200",
			wantOTLPAddr: "0.0.0.0:4317",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
tcp-port: 4300
api-port: 3300
tcp-addr: 10.0.0.5:9999
api-addr: 10.0.0.5:8888
otlp-addr: 10.0.0.5:7777
`,
			wantHost:     "0.0.0.0",
			wantTCPAddr:  "10.0.0.5:9999",
			wantAPIAddr:  "10.0.0.5:8888",
			wantOTLPAddr: "10.0.0.5:7777",
		},
		{
			name: "invalid api port rejected",
			configYAML: `
api-port: 70000
`,
			wantErr:      true,
			errSubstring: "invalid api-port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.configYAML)
			cfg, err := loadConfig(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstring != "" && !strings.Contains(err.Error(), tt.errSubstring) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
				}
				return
			}

			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Fatalf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.TCPAddr != tt.wantTCPAddr {
				t.Fatalf("TCPAddr = %q, want %q", cfg.TCPAddr, tt.wantTCPAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
			if cfg.OTLPAddr != tt.wantOTLPAddr {
				t.Fatalf("OTLPAddr = %q, want %q", cfg.OTLPAddr, tt.wantOTLPAddr)
			}
			if cfg.ConfigPath != configPath {
				t.Fatalf("ConfigPath = %q, want %q", cfg.ConfigPath, configPath)
			}
		})
	}
}

func TestLoadConfig_GroupingSettings(t *testing.T) {
	resetFaultlineEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantErr      bool
		errSubstring string
		assert       func(t *testing.T, cfg appConfig)
	}{
		{
			name: "defaults group by exception then url",
			configYAML: `
tcp-port: 4000
`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				want := []grouping.Dimension{grouping.DimensionException, grouping.DimensionURL}
				if len(cfg.Dimensions) != 2 || cfg.Dimensions[0] != want[0] || cfg.Dimensions[1] != want[1] {
					t.Fatalf("Dimensions = %v, want %v", cfg.Dimensions, want)
				}
				if cfg.GroupMaxRetention != defaultGroupMaxRetention {
					t.Fatalf("GroupMaxRetention = %s", cfg.GroupMaxRetention)
				}
				if cfg.GroupMaxOccurrences != defaultGroupMaxOccurrences {
					t.Fatalf("GroupMaxOccurrences = %d", cfg.GroupMaxOccurrences)
				}
				if cfg.GroupIdleEviction != 0 {
					t.Fatalf("GroupIdleEviction = %s, want 0", cfg.GroupIdleEviction)
				}
			},
		},
		{
			name: "custom grouping and filters",
			configYAML: `
group-by: url
group-max-retention: 30s
group-max-occurrences: 0
group-idle-eviction: 1h
ignore-status-codes: [404, 410]
ignore-types: [context.Canceled]
`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				if len(cfg.Dimensions) != 1 || cfg.Dimensions[0] != grouping.DimensionURL {
					t.Fatalf("Dimensions = %v", cfg.Dimensions)
				}
				if cfg.GroupMaxRetention != 30*time.Second {
					t.Fatalf("GroupMaxRetention = %s", cfg.GroupMaxRetention)
				}
				if cfg.GroupIdleEviction != time.Hour {
					t.Fatalf("GroupIdleEviction = %s", cfg.GroupIdleEviction)
				}
				if len(cfg.IgnoreStatusCodes) != 2 || cfg.IgnoreStatusCodes[1] != 410 {
					t.Fatalf("IgnoreStatusCodes = %v", cfg.IgnoreStatusCodes)
				}
				if len(cfg.IgnoreTypes) != 1 || cfg.IgnoreTypes[0] != "context.Canceled" {
					t.Fatalf("IgnoreTypes = %v", cfg.IgnoreTypes)
				}
			},
		},
		{
			name: "unknown dimension rejected",
			configYAML: `
group-by: Exception,Host
`,
			wantErr:      true,
			errSubstring: "invalid group-by",
		},
		{
			name: "empty group-by rejected",
			configYAML: `
group-by: " , "
`,
			wantErr:      true,
			errSubstring: "invalid group-by",
		},
		{
			name: "negative occurrences rejected",
			configYAML: `
group-max-occurrences: -1
`,
			wantErr:      true,
			errSubstring: "negative max occurrences",
		},
		{
			name: "unknown store rejected",
			configYAML: `
store: postgres
`,
			wantErr:      true,
			errSubstring: "invalid store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.configYAML)
			cfg, err := loadConfig(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstring != "" && !strings.Contains(err.Error(), tt.errSubstring) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
				}
				return
			}

			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if tt.assert != nil {
				tt.assert(t, cfg)
			}
		})
	}
}

func TestLoadConfig_StoreDefaultsPathPerBackend(t *testing.T) {
	resetFaultlineEnv(t)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg, err := loadConfig(writeTempConfig(t, "store: SQLite\n"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Store != store.BackendSQLite {
		t.Fatalf("Store = %q", cfg.Store)
	}
	want := filepath.Join(home, ".local", "share", "faultline", "faultline.sqlite")
	if cfg.DBPath != want {
		t.Fatalf("DBPath = %q, want %q", cfg.DBPath, want)
	}

	cfg, err = loadConfig(writeTempConfig(t, "store: file\ndb-path: ~/errors.jsonl\n"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "errors.jsonl") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetFaultlineEnv(t)

	t.Setenv("FAULTLINE_GROUP_BY", "Url,Exception")
	t.Setenv("FAULTLINE_GROUP_MAX_OCCURRENCES", "7")
	t.Setenv("FAULTLINE_STORE", "memory")

	cfg, err := loadConfig(writeTempConfig(t, "group-by: Exception\ngroup-max-occurrences: 3\n"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if got := grouping.FormatDimensions(cfg.Dimensions); got != "Url,Exception" {
		t.Fatalf("group-by = %q", got)
	}
	if cfg.GroupMaxOccurrences != 7 {
		t.Fatalf("GroupMaxOccurrences = %d, want 7", cfg.GroupMaxOccurrences)
	}
	if cfg.Store != store.BackendMemory || cfg.DBPath != "" {
		t.Fatalf("store = %q path = %q", cfg.Store, cfg.DBPath)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	resetFaultlineEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.ConfigPath != "" {
		t.Fatalf("ConfigPath = %q, want empty", cfg.ConfigPath)
	}
	if cfg.Store != store.BackendDuckDB {
		t.Fatalf("Store = %q", cfg.Store)
	}
	if cfg.ErrorRetention != defaultErrorRetention {
		t.Fatalf("ErrorRetention = %d", cfg.ErrorRetention)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetFaultlineEnv(t *testing.T) {
	t.Helper()

	original := make(map[string]string)
	existed := make(map[string]bool)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FAULTLINE_") {
			continue
		}
		original[key] = value
		existed[key] = true
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}

	t.Cleanup(func() {
		for key := range existed {
			if err := os.Unsetenv(key); err != nil {
				t.Fatalf("cleanup unset %s: %v", key, err)
			}
		}
		for key, value := range original {
			if err := os.Setenv(key, value); err != nil {
				t.Fatalf("cleanup restore %s: %v", key, err)
			}
		}
	})
}
