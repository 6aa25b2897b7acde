// Command owmaster boots the supervisor: load configuration, dial
// owserver, build the device inventory, wire the configured event
// handlers, and run the scan loop until interrupted. Grounded in the
// source's top-level runner (OwMaster.setup/mainloop invoked from its
// own process entry) and spec §6's single-argument CLI shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jangala-dev/owmaster/internal/busclient"
	"github.com/jangala-dev/owmaster/internal/handlers/action"
	"github.com/jangala-dev/owmaster/internal/master"
	"github.com/jangala-dev/owmaster/internal/owconfig"
	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/sinks/influxsink"
	"github.com/jangala-dev/owmaster/internal/sinks/promsink"
	"github.com/jangala-dev/owmaster/internal/sinks/rrdsink"
	"github.com/jangala-dev/owmaster/internal/sinks/tsdbsink"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:           "owmaster <config-file>",
		Short:         "1-Wire bus supervisor daemon",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	return cmd
}

func run(parent context.Context, configPath string, debug bool) error {
	log := owlog.New(os.Stderr, debug)

	cfg, err := owconfig.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to load configuration")
		return err
	}

	stats := master.NewStatistics()

	port := cfg.GetInt(4304, "owmaster", "owserver_port")
	bus := busclient.New(fmt.Sprintf("localhost:%d", port), stats)
	bus.SetWarnFunc(func(op, path string, dur time.Duration) {
		log.Warn().Str("op", op).Str("path", path).Dur("duration", dur).Msg("slow bus operation")
	})

	if err := dialWithRetry(parent, bus, log); err != nil {
		return err
	}
	defer bus.Close()

	m := master.New(log, cfg, bus, stats, nil)
	m.Setup()

	actionHandler := action.New(log, m.Inventory(), 0)
	actionHandler.RefreshConfig(cfg)
	actionHandler.SetPoster(m.Post)
	m.Dispatcher().AddHandler(actionHandler)

	// Every handler registered on the dispatcher, action and sinks alike,
	// is shut down by m.Shutdown() below; the Prometheus HTTP listener
	// is the one thing outside that fan-out and needs its own Shutdown.
	httpServer := wireSinks(cfg, log, m)
	if httpServer != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watchControlSignals(ctx, m, log, configPath)

	log.Info().Int("devices", m.DeviceCount()).Msg("owmaster starting")
	err = m.Run(ctx)
	m.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("owmaster shut down")
	return nil
}

// dialWithRetry blocks until the initial owserver connection succeeds or
// ctx is cancelled, per §4.9's unbounded startup retry policy — the
// supervisor has nothing useful to do before it can reach the bus, so
// this is the only place a connection error is allowed to block setup.
// The wait after the n-th failure is the scan loop's additive back-off,
// 2n+1 seconds, capped at 60s.
func dialWithRetry(ctx context.Context, bus *busclient.Client, log owlog.Logger) error {
	const maxBackoff = 60 * time.Second
	for errs := 1; ; errs++ {
		backoff := time.Duration(errs*2+1) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if err := bus.Dial(); err == nil {
			return nil
		} else {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("cannot reach owserver, retrying")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// watchControlSignals serializes SIGHUP-triggered config reloads onto
// the master's own scheduler thread and, on SIGUSR1, logs a diagnostic
// snapshot of the live inventory and counters — the Go stand-in for the
// interactive debug prompt spec §6 describes, since a daemon with no
// controlling terminal has nothing to attach a REPL to.
func watchControlSignals(ctx context.Context, m *master.Master, log owlog.Logger, configPath string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				cfg, err := owconfig.Load(configPath)
				if err != nil {
					log.Error().Err(err).Msg("SIGHUP reload failed to parse configuration")
					continue
				}
				m.RequestConfigReload(cfg)
			case syscall.SIGUSR1:
				log.Info().Int("devices", m.DeviceCount()).Msg("diagnostic snapshot")
				for _, dev := range m.Inventory().List() {
					log.Info().Str("device", dev.ID()).Str("alias", dev.Alias()).Msg("inventory entry")
				}
			}
		}
	}
}

// wireSinks builds every sink named under modules: in cfg and registers
// it with the dispatcher; m.Shutdown() later stops all of them. It
// returns the Prometheus HTTP server, if that sink is enabled, so the
// caller can stop it on exit.
func wireSinks(cfg *owconfig.Config, log owlog.Logger, m *master.Master) *http.Server {
	var httpServer *http.Server

	if cfg.GetBool(false, "modules", "prometheus", "enabled") {
		sink := promsink.New(log)
		m.Dispatcher().AddHandler(sink)

		addr := cfg.GetString(":9090", "modules", "prometheus", "listen")
		mux := http.NewServeMux()
		mux.Handle("/metrics", sink.Handler())
		httpServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("prometheus listener stopped")
			}
		}()
	}

	if cfg.GetBool(false, "modules", "influxdb", "enabled") {
		sink := influxsink.New(log, influxsink.Config{
			ServerURL: cfg.GetString("http://localhost:8086", "modules", "influxdb", "url"),
			Token:     cfg.GetString("", "modules", "influxdb", "token"),
			Org:       cfg.GetString("", "modules", "influxdb", "org"),
			Bucket:    cfg.GetString("owmaster", "modules", "influxdb", "bucket"),
		})
		m.Dispatcher().AddHandler(sink)
	}

	if cfg.GetBool(false, "modules", "opentsdb", "enabled") {
		sink := tsdbsink.New(log, cfg.GetString("http://localhost:4242", "modules", "opentsdb", "url"), nil)
		m.Dispatcher().AddHandler(sink)
	}

	if cfg.GetBool(false, "modules", "rrd", "enabled") {
		sink, err := rrdsink.New(log, cfg.GetString("/var/lib/owmaster/rrd", "modules", "rrd", "directory"))
		if err != nil {
			log.Error().Err(err).Msg("failed to start rrd sink, skipping")
		} else {
			m.Dispatcher().AddHandler(sink)
		}
	}

	return httpServer
}
