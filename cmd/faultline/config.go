package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/model"
	"github.com/tinytelemetry/faultline/internal/socketrpc"
	"github.com/tinytelemetry/faultline/internal/store"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultTCPPort             = 4000
	defaultAPIPort             = 3000
	defaultOTLPPort            = 4317
	defaultMuxBufferSize       = DefaultMuxBuffer
	defaultMemorySize          = 10_000
	defaultQueryTimeout        = model.DefaultQueryTimeout
	defaultInsertBatchSize     = 500
	defaultInsertFlushInterval = 250 * time.Millisecond
	defaultInsertFlushQueue    = 64
	defaultErrorRetention      = 30 // days, 0 = disabled
	defaultGroupBy             = "Exception,Url"
	defaultGroupMaxRetention   = 5 * time.Minute
	defaultGroupMaxOccurrences = 50
	defaultWebhookRetries      = 3
	defaultApplication         = "faultline"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Application string `mapstructure:"application"`
	Host        string `mapstructure:"host"`

	Store               string        `mapstructure:"store"`
	DBPath              string        `mapstructure:"db-path"`
	MemorySize          int           `mapstructure:"memory-size"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`
	ErrorRetention      int           `mapstructure:"error-retention"`

	APIEnabled    bool   `mapstructure:"api-enabled"`
	APIPort       int    `mapstructure:"api-port"`
	APIAddr       string `mapstructure:"api-addr"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr"`
	OTLPEnabled   bool   `mapstructure:"otlp-enabled"`
	OTLPAddr      string `mapstructure:"otlp-addr"`
	MuxBufferSize int    `mapstructure:"mux-buffer-size"`
	SocketPath    string `mapstructure:"socket-path"`

	GroupBy             string        `mapstructure:"group-by"`
	GroupMaxRetention   time.Duration `mapstructure:"group-max-retention"`
	GroupMaxOccurrences int           `mapstructure:"group-max-occurrences"`
	GroupIdleEviction   time.Duration `mapstructure:"group-idle-eviction"`

	WebhookURL        string   `mapstructure:"webhook-url"`
	WebhookRetries    int      `mapstructure:"webhook-retries"`
	IgnoreStatusCodes []int    `mapstructure:"ignore-status-codes"`
	IgnoreTypes       []string `mapstructure:"ignore-types"`

	LogLevel  string `mapstructure:"log-level"`
	LogPretty bool   `mapstructure:"log-pretty"`

	ConfigPath string               `mapstructure:"-"` // not from config file
	Dimensions []grouping.Dimension `mapstructure:"-"` // parsed from GroupBy
}

// groupingConfig converts the group-* keys for the registry.
func (c appConfig) groupingConfig() grouping.Config {
	return grouping.Config{
		Dimensions:     c.Dimensions,
		MaxRetention:   c.GroupMaxRetention,
		MaxOccurrences: c.GroupMaxOccurrences,
		IdleEviction:   c.GroupIdleEviction,
	}
}

func (c appConfig) storeConfig() store.Config {
	return store.Config{
		Backend:      c.Store,
		Path:         c.DBPath,
		MemorySize:   c.MemorySize,
		QueryTimeout: c.QueryTimeout,
	}
}

// loadDotEnv reads .env from the working directory and next to the binary.
// Existing environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
	if exe, err := os.Executable(); err == nil {
		_ = godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FAULTLINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("application", defaultApplication)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("store", store.BackendDuckDB)
	v.SetDefault("db-path", "")
	v.SetDefault("memory-size", defaultMemorySize)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("error-retention", defaultErrorRetention)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-addr", "")
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("tcp-addr", "")
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-addr", "")
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("group-by", defaultGroupBy)
	v.SetDefault("group-max-retention", defaultGroupMaxRetention)
	v.SetDefault("group-max-occurrences", defaultGroupMaxOccurrences)
	v.SetDefault("group-idle-eviction", time.Duration(0))
	v.SetDefault("webhook-url", "")
	v.SetDefault("webhook-retries", defaultWebhookRetries)
	v.SetDefault("ignore-status-codes", []int{})
	v.SetDefault("ignore-types", []string{})
	v.SetDefault("log-level", "info")
	v.SetDefault("log-pretty", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "faultline", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = store.BackendDuckDB
	}
	if !validBackend(cfg.Store) {
		return cfg, fmt.Errorf("invalid store %q (want one of %s)", cfg.Store, strings.Join(store.Backends(), ", "))
	}
	if cfg.ErrorRetention < 0 {
		return cfg, fmt.Errorf("invalid error-retention: %d", cfg.ErrorRetention)
	}
	if cfg.WebhookRetries < 0 {
		return cfg, fmt.Errorf("invalid webhook-retries: %d", cfg.WebhookRetries)
	}

	dims, err := grouping.ParseDimensions(cfg.GroupBy)
	if err != nil {
		return cfg, fmt.Errorf("invalid group-by %q: %w", cfg.GroupBy, err)
	}
	cfg.Dimensions = dims
	if err := cfg.groupingConfig().Validate(); err != nil {
		return cfg, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath(home, cfg.Store)
	}
	// Expand ~ in db-path
	if strings.HasPrefix(cfg.DBPath, "~/") {
		cfg.DBPath = filepath.Join(home, cfg.DBPath[2:])
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	if cfg.OTLPAddr == "" {
		cfg.OTLPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(defaultOTLPPort))
	}

	return cfg, nil
}

func validBackend(name string) bool {
	for _, b := range store.Backends() {
		if name == b {
			return true
		}
	}
	return false
}

func defaultDBPath(home, backend string) string {
	dir := filepath.Join(home, ".local", "share", "faultline")
	switch backend {
	case store.BackendSQLite:
		return filepath.Join(dir, "faultline.sqlite")
	case store.BackendFile:
		return filepath.Join(dir, "errors.jsonl")
	case store.BackendMemory:
		return ""
	default:
		return filepath.Join(dir, "faultline.duckdb")
	}
}

// marshalYAML renders the effective configuration in key order, with
// durations in their string form.
func (c appConfig) marshalYAML() ([]byte, error) {
	codes := make([]string, len(c.IgnoreStatusCodes))
	for i, code := range c.IgnoreStatusCodes {
		codes[i] = strconv.Itoa(code)
	}

	fields := []struct {
		key   string
		value interface{}
	}{
		{"application", c.Application},
		{"host", c.Host},
		{"store", c.Store},
		{"db-path", c.DBPath},
		{"memory-size", c.MemorySize},
		{"query-timeout", c.QueryTimeout.String()},
		{"insert-batch-size", c.InsertBatchSize},
		{"insert-flush-interval", c.InsertFlushInterval.String()},
		{"insert-flush-queue-size", c.InsertFlushQueue},
		{"error-retention", c.ErrorRetention},
		{"api-enabled", c.APIEnabled},
		{"api-addr", c.APIAddr},
		{"tcp-enabled", c.TCPEnabled},
		{"tcp-addr", c.TCPAddr},
		{"otlp-enabled", c.OTLPEnabled},
		{"otlp-addr", c.OTLPAddr},
		{"mux-buffer-size", c.MuxBufferSize},
		{"socket-path", c.SocketPath},
		{"group-by", grouping.FormatDimensions(c.Dimensions)},
		{"group-max-retention", c.GroupMaxRetention.String()},
		{"group-max-occurrences", c.GroupMaxOccurrences},
		{"group-idle-eviction", c.GroupIdleEviction.String()},
		{"webhook-url", redactURL(c.WebhookURL)},
		{"webhook-retries", c.WebhookRetries},
		{"ignore-status-codes", codes},
		{"ignore-types", c.IgnoreTypes},
		{"log-level", c.LogLevel},
		{"log-pretty", c.LogPretty},
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		var value yaml.Node
		if err := value.Encode(f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.key, err)
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: f.key},
			&value,
		)
	}
	return yaml.Marshal(doc)
}

// redactURL keeps the scheme and host of a webhook URL; the path usually
// carries the token.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "<redacted>"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/<redacted>"
}
