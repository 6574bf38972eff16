package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/httpserver"
	"github.com/tinytelemetry/faultline/internal/ingest"
	"github.com/tinytelemetry/faultline/internal/logging"
	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/notify"
	"github.com/tinytelemetry/faultline/internal/otlpreceiver"
	"github.com/tinytelemetry/faultline/internal/socketrpc"
	"github.com/tinytelemetry/faultline/internal/store"
)

// shutdownGrace bounds graceful shutdown once a signal arrives.
const shutdownGrace = 10 * time.Second

// closers runs registered shutdown steps in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// buildNotifier assembles the flush sinks: always the log sink, plus the
// webhook when configured.
func buildNotifier(cfg appConfig, m *metrics.Metrics) notify.Sink {
	sinks := []notify.Sink{notify.NewLogSink(logging.Component("notify"))}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL,
			notify.WithUsername(cfg.Application),
			notify.WithMaxRetries(cfg.WebhookRetries),
		))
	}
	if len(sinks) == 1 {
		return notify.Instrumented(sinks[0], m)
	}
	return notify.Instrumented(notify.Fanout(sinks...), m)
}

// newRegistry builds the grouping registry. Retention flush failures have
// no caller, so they are logged.
func newRegistry(cfg appConfig, sink notify.Sink, logger zerolog.Logger) (*grouping.Registry, error) {
	return grouping.NewRegistry(cfg.groupingConfig(), notify.FlushFunc(sink, notify.DefaultTimeout),
		grouping.WithFlushErrorHandler(func(err error) {
			logger.Error().Err(err).Msg("group flush failed")
		}),
	)
}

// evictionInterval checks for idle groups a few times per eviction window.
func evictionInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// runServer starts ingestion, grouping and the HTTP API and blocks until a
// shutdown signal arrives.
func runServer(cfg appConfig) error {
	cleanupLogger, err := logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err != nil {
		return err
	}
	defer cleanupLogger()
	logger := logging.Component("serve")

	var shutdown closers
	defer shutdown.run()

	m := metrics.New()

	errLog, err := store.Open(cfg.storeConfig())
	if err != nil {
		return fmt.Errorf("failed to open %s error log: %w", cfg.Store, err)
	}
	shutdown.add(func() {
		if err := errLog.Close(); err != nil {
			logger.Error().Err(err).Msg("closing error log")
		}
	})

	// Batched writes in front of the error log
	insertBuffer := store.NewInsertBuffer(errLog, store.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
		Metrics:        m,
	})
	shutdown.add(insertBuffer.Stop)

	retentionCleaner := store.NewRetentionCleaner(errLog, store.RetentionConfig{
		RetentionDays: cfg.ErrorRetention,
		Metrics:       m,
	})
	if retentionCleaner != nil {
		shutdown.add(retentionCleaner.Stop)
	}

	registry, err := newRegistry(cfg, buildNotifier(cfg, m), logger)
	if err != nil {
		return fmt.Errorf("failed to build grouping registry: %w", err)
	}
	m.RegisterGauge("active_groups", "Live error groups", func() float64 {
		return float64(registry.Len())
	})
	m.RegisterGauge("pending_errors", "Errors held in groups awaiting flush", func() float64 {
		return float64(registry.Pending())
	})
	// Runs after every ingress below has stopped.
	shutdown.add(func() {
		if err := registry.FlushAll(grouping.TriggerShutdown); err != nil {
			logger.Error().Err(err).Msg("shutdown flush failed")
		}
	})

	pipeline := capture.NewPipeline(registry,
		capture.WithSink(insertBuffer),
		capture.WithFilter(capture.NewFilter(cfg.IgnoreStatusCodes, cfg.IgnoreTypes)),
		capture.WithMetrics(m),
	)

	// OTLP/HTTP rides on the API listener; gRPC gets its own.
	receiver := otlpreceiver.New(cfg.OTLPAddr, pipeline)

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, errLog,
			httpserver.WithRegistry(registry),
			httpserver.WithPipeline(pipeline),
			httpserver.WithMetrics(m),
			httpserver.WithApplication(cfg.Application),
			httpserver.WithOTLPHandler(receiver.HTTPHandler()),
		)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		shutdown.add(func() { _ = apiServer.Stop() })
	}

	if cfg.OTLPEnabled {
		if err := receiver.Start(); err != nil {
			return fmt.Errorf("failed to start OTLP receiver: %w", err)
		}
		shutdown.add(receiver.Stop)
	}

	sockServer := socketrpc.NewServer(cfg.SocketPath, errLog, registry)
	if err := sockServer.Start(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.SocketPath).Msg("failed to start socket server")
	} else {
		shutdown.add(sockServer.Stop)
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(shutdownGrace)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	sources := buildSources(ctx, buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.TCPEnabled,
		TCPAddr:    cfg.TCPAddr,
	}), func(name string, err error) {
		logger.Error().Err(err).Str("plugin", name).Msg("error initializing input plugin")
	})

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()
	shutdown.add(mux.Stop)

	processor := ingest.NewEnvelopeProcessor(pipeline, "")

	printStartupBanner(cfg, mux, processor.Name())
	logger.Info().
		Str("store", errLog.Name()).
		Str("group_by", grouping.FormatDimensions(cfg.Dimensions)).
		Dur("group_max_retention", cfg.GroupMaxRetention).
		Int("group_max_occurrences", cfg.GroupMaxOccurrences).
		Msg("faultline started")

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	if mux.HasSources() {
		g.Go(func() error {
			for env := range mux.Lines() {
				res := processor.ProcessEnvelope(env)
				if res != nil && res.Err != nil {
					logger.Warn().Err(res.Err).Str("source", env.Source).Msg("ingest failed")
				}
			}
			return nil
		})
	}

	if interval := evictionInterval(cfg.GroupIdleEviction); interval > 0 {
		g.Go(func() error {
			registry.RunEviction(gctx, interval)
			return nil
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("errgroup exited with error")
	}

	logger.Info().Int64("lines", mux.Forwarded()).Int("pending", registry.Pending()).Msg("shutting down")
	cancel()
	return nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig, mux *SourceMultiplexer, processorName string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(enabled bool, label, value string) string {
		if !enabled {
			return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
		}
		return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
	}

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╦ ╦╦ ╔╦╗╦  ╦╔╗╔╔═╗
    ╠╣ ╠═╣║ ║║  ║ ║  ║║║║║╣
    ╚  ╩ ╩╚═╝╩═╝╩ ╩═╝╩╝╚╝╚═╝`)

	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{
		"",
		logo,
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Gateway"),
		"",
		row(cfg.APIEnabled, "HTTP API", cfg.APIAddr),
		row(cfg.TCPEnabled, "TCP Ingest", cfg.TCPAddr),
		row(cfg.OTLPEnabled, "OTLP gRPC", cfg.OTLPAddr),
		row(true, "Unix Socket", shortenPath(cfg.SocketPath)),
	}
	if mux.HasSources() {
		lines = append(lines, row(true, "Sources", mux.Names()))
	}

	storePath := shortenPath(cfg.DBPath)
	if storePath == "" {
		storePath = "in-memory"
	}
	lines = append(lines,
		"",
		bold.Render("    Storage"),
		"",
		fmt.Sprintf("    %s  %-14s %s", check, "Error Log", dim.Render(cfg.Store+" "+storePath)),
	)
	if cfg.ErrorRetention > 0 {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Retention", dim.Render(fmt.Sprintf("%d days", cfg.ErrorRetention))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Retention", dim.Render("disabled")))
	}

	lines = append(lines,
		"",
		bold.Render("    Grouping"),
		"",
		fmt.Sprintf("    %s  %-14s %s", check, "Group By", dim.Render(grouping.FormatDimensions(cfg.Dimensions))),
		fmt.Sprintf("    %s  %-14s %s", check, "Flush", dim.Render(flushPolicy(cfg))),
		row(cfg.WebhookURL != "", "Webhook", redactURL(cfg.WebhookURL)),
		fmt.Sprintf("    %s  %-14s %s", check, "Processor", dim.Render(processorName)),
		"",
		bold.Render("    Config"),
		"",
	)

	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)

	fmt.Println(strings.Join(lines, "\n"))
}

// flushPolicy describes when groups flush, e.g. "50 errors or 5m0s".
func flushPolicy(cfg appConfig) string {
	var parts []string
	if cfg.GroupMaxOccurrences > 0 {
		parts = append(parts, fmt.Sprintf("%d errors", cfg.GroupMaxOccurrences))
	}
	if cfg.GroupMaxRetention > 0 {
		parts = append(parts, cfg.GroupMaxRetention.String())
	}
	if len(parts) == 0 {
		return "manual only"
	}
	return strings.Join(parts, " or ")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
