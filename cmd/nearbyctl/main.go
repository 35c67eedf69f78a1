// Command nearbyctl drives the medium managers, either over a simulated air
// or on the host's own radios.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/user/nearby-connections/config"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/multiplex"
)

type rootFlags struct {
	configPath    string
	logLevel      string
	klog          bool
	metricsListen string
}

// env is what every subcommand runs with once flags and config are merged.
type env struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func (e *env) managerOptions() mediums.Options {
	opts := mediums.Options{
		Metrics:         e.metrics,
		Multiplex:       e.cfg.Multiplex.Enabled,
		ResponseTimeout: e.cfg.Multiplex.ResponseTimeout,
		MaxFrameLength:  e.cfg.Channel.MaxAllowedReadBytes,
	}
	if opts.Multiplex {
		opts.Listeners = multiplex.NewListeners()
	}
	return opts
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:          "nearbyctl",
		Short:        "Run Nearby Connections medium managers",
		SilenceUsage: true,
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&flags.configPath, "config", "", "config file (default: search /etc/nearby, $HOME/.nearby, .)")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.BoolVar(&flags.klog, "klog", false, "route log lines through klog")
	fs.StringVar(&flags.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(simCmd(&flags))
	cmd.AddCommand(lanCmd(&flags))
	cmd.AddCommand(btCmd(&flags))
	cmd.AddCommand(hotspotCmd(&flags))
	return cmd
}

func setup(flags *rootFlags) (*env, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.klog {
		cfg.Log.Klog = true
	}
	if flags.metricsListen != "" {
		cfg.Metrics.Listen = flags.metricsListen
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.Klog {
		klog.InitFlags(nil)
		logger.UseKlog(true)
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, registry: registry, metrics: m}, nil
}

// run executes fn next to the metrics server until fn returns or the
// process is interrupted.
func run(flags *rootFlags, fn func(ctx context.Context, e *env) error) error {
	e, err := setup(flags)
	if err != nil {
		return err
	}
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if e.cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(ctx, e.cfg.Metrics.Listen, e.registry) })
	}
	g.Go(func() error {
		// Ending fn ends the metrics server too.
		defer stop()
		return fn(ctx, e)
	})
	return g.Wait()
}
