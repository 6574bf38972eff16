package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tinytelemetry/faultline/internal/source"
	"github.com/tinytelemetry/faultline/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring line-based inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled bool
	TCPAddr    string
	// StdinPiped overrides the stdin probe; nil asks the OS.
	StdinPiped *bool
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	return []InputSourcePlugin{
		tcpInputPlugin{addr: cfg.TCPAddr, enabled: cfg.TCPEnabled},
		stdinInputPlugin{piped: cfg.StdinPiped},
	}
}

// buildSources starts every enabled plugin. A plugin that fails to build is
// reported through onErr and skipped.
func buildSources(ctx context.Context, plugins []InputSourcePlugin, onErr func(name string, err error)) []NamedSource {
	sources := make([]NamedSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			if onErr != nil {
				onErr(plugin.Name(), err)
			}
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedSource, error) {
	server := tcpserver.NewServer(p.addr)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return source.NewTCPSource(server), nil
}

type stdinInputPlugin struct {
	piped *bool
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled reports whether stdin is a pipe or file rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	if p.piped != nil {
		return *p.piped
	}
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedSource, error) {
	return source.NewStdinSource(ctx), nil
}
