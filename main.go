package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anibaldeboni/zero-paper/sensorhub/config"
	"github.com/anibaldeboni/zero-paper/sensorhub/driverregistry"
	"github.com/anibaldeboni/zero-paper/sensorhub/engine"
	"github.com/anibaldeboni/zero-paper/sensorhub/metrics"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/influx"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/mqtt"
	"github.com/anibaldeboni/zero-paper/sensorhub/publisher/nats"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
	"github.com/anibaldeboni/zero-paper/sensorhub/scheduler"
	"github.com/anibaldeboni/zero-paper/sensorhub/sink"
	"github.com/anibaldeboni/zero-paper/sensorhub/web"
)

var errNoInstances = errors.New("no instance loaded")

func main() {
	var (
		configPath       = flag.String("config", "", "Path to the configuration file")
		exampleConfig    = flag.String("example-config", "", "Write an example configuration to this path and exit")
		listDrivers      = flag.Bool("list-drivers", false, "List the built-in drivers and exit")
		showVersion      = flag.Bool("version", false, "Show version information")
		showVersionShort = flag.Bool("v", false, "Show version information (short)")
	)
	flag.Parse()

	switch {
	case *showVersion || *showVersionShort:
		PrintVersion()
		return
	case *exampleConfig != "":
		if err := config.GenerateExampleConfig(*exampleConfig); err != nil {
			log.WithError(err).Fatal("Cannot write example configuration")
		}
		fmt.Printf("Example configuration written to %s\n", *exampleConfig)
		return
	case *listDrivers:
		if err := printDrivers(); err != nil {
			log.WithError(err).Fatal("Cannot list drivers")
		}
		return
	}

	if err := run(*configPath); err != nil {
		log.WithError(err).Fatal("Sensorhub stopped")
	}
}

func printDrivers() error {
	reg := registry.New(nil)
	if err := driverregistry.Register(reg); err != nil {
		return err
	}
	for _, d := range reg.Drivers() {
		fmt.Printf("%-18s %s\n", d.Name, d.Description)
		fmt.Printf("%-18s quantities: %s (default %s)\n", "", d.Quantities, d.DefaultQuantity)
	}
	return nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Logging.Apply(); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	buildInfo := GetBuildInfo()
	log.WithFields(log.Fields{
		"version": buildInfo.Version,
		"commit":  buildInfo.Commit,
		"go":      buildInfo.GoVersion,
	}).Info("Starting sensorhub")

	m := metrics.New()

	reg := registry.New(cfg.Guard())
	if err := driverregistry.Register(reg); err != nil {
		return err
	}

	schedCfg := cfg.SchedulerConfig()
	schedCfg.OnSkip = m.SkipTick
	sched := scheduler.New(schedCfg)

	sinkCfg, err := cfg.SinkConfig()
	if err != nil {
		return err
	}
	out := sink.New(sinkCfg, m)

	var hub *web.Hub
	if cfg.WebEnabled() {
		hub = web.NewHub()
	}
	if err := addPublishers(cfg, out, hub); err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Registry:     reg,
		Scheduler:    sched,
		Guard:        cfg.Guard(),
		Output:       out,
		Metrics:      m,
		DisableAfter: cfg.Polling.DisableAfter,
	})
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Warn("Closing devices failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, err := range eng.Load(ctx, cfg.InstanceConfigs()) {
		log.WithError(err).Error("Instance not loaded")
	}
	if eng.Loaded() == 0 {
		return errNoInstances
	}
	log.WithFields(log.Fields{
		"instances":  eng.Loaded(),
		"publishers": strings.Join(out.Publishers(), ","),
	}).Info("Sensorhub ready")

	// The sink outlives the engine so offline statuses are delivered.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopSink()
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return out.Run(sinkCtx)
	})
	if cfg.WebEnabled() {
		server := web.NewServer(gctx, cfg.WebConfig(), web.Deps{
			Instances: eng,
			Queue:     out,
			Metrics:   m.Handler(),
			Hub:       hub,
		})
		g.Go(server.Start)
	}

	err = g.Wait()
	log.Info("Shutdown completed")
	return err
}

// addPublishers attaches every configured publisher to the sink. hub may be
// nil.
func addPublishers(cfg *config.AppConfig, out *sink.Sink, hub *web.Hub) error {
	var pubs []sink.Publisher
	if c, ok := cfg.MQTTConfig(); ok {
		pubs = append(pubs, mqtt.New(c))
	}
	if c, ok := cfg.NATSConfig(); ok {
		pubs = append(pubs, nats.New(c))
	}
	if c, ok := cfg.InfluxConfig(); ok {
		pubs = append(pubs, influx.New(c))
	}
	hook, err := cfg.WebhookPublisher()
	if err != nil {
		return err
	}
	if hook != nil {
		pubs = append(pubs, hook)
	}
	if hub != nil {
		pubs = append(pubs, hub)
	}

	if len(pubs) == 0 {
		log.Warn("No publisher configured, readings are only visible through the status server")
	}
	for _, p := range pubs {
		if err := out.Add(p); err != nil {
			return err
		}
	}
	return nil
}
