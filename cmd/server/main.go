package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/qpov/castbridge/internal/bot"
	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/devices"
	"github.com/qpov/castbridge/internal/events"
	"github.com/qpov/castbridge/internal/gateway"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/mtproto"
)

const (
	healthCheckTimeout = 5 * time.Second
	startTimeout       = 60 * time.Second
)

func main() {
	var (
		configPath  string
		verbosity   int
		healthcheck bool
	)
	flag.StringVar(&configPath, "c", "config.ini", "path to the config file")
	flag.StringVar(&configPath, "config", "config.ini", "path to the config file")
	flag.IntVar(&verbosity, "v", 0, "log verbosity: 0=error, 1=info, 2=debug")
	flag.IntVar(&verbosity, "verbosity", 0, "log verbosity: 0=error, 1=info, 2=debug")
	flag.BoolVar(&healthcheck, "hc", false, "probe the healthcheck endpoint and exit")
	flag.BoolVar(&healthcheck, "healthcheck", false, "probe the healthcheck endpoint and exit")
	flag.Parse()

	if verbosity < 0 || verbosity > 2 {
		fmt.Fprintln(os.Stderr, "verbosity must be 0, 1 or 2")
		os.Exit(2)
	}

	dotenvErr := godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if healthcheck {
		os.Exit(healthCheck(cfg))
	}

	logCfg := logger.FromVerbosity(verbosity)
	log := logger.New(logCfg)
	if dotenvErr != nil {
		log.Debug("no .env file loaded, using the process environment", "error", dotenvErr)
	}

	reader, err := mtproto.NewClient(cfg, log, logger.Zap(logCfg))
	if err != nil {
		log.Error("telegram client setup failed", "error", err)
		os.Exit(1)
	}

	finders := devices.NewFinderCollection(log)
	finders.Register(devices.NewUpnpFinder(log))
	finders.Register(devices.NewChromecastFinder(log))
	finders.Register(devices.NewVlcFinder(log))
	finders.Register(devices.NewWebFinder(log))
	finders.Register(devices.NewXbmcFinder(log))

	g := gateway.New(cfg, log, reader, finders)

	var nc *nats.Conn
	if url := os.Getenv("NATS_URL"); url != "" {
		nc, err = nats.Connect(url)
		if err != nil {
			log.Error("nats connect failed", "url", url, "error", err)
			os.Exit(1)
		}
		log.Info("nats connected", "url", url)
	}

	eventService := events.NewService(log, nc)
	b := bot.New(cfg, log, reader, g, finders)
	eventService.RegisterCallback(func(ctx context.Context, event events.StreamClosed) error {
		return b.HandleStreamClosed(ctx, event.UndeliveredPercent, event.ChatID, event.MessageID, event.Local)
	})
	g.SetOnStreamClosed(eventService)
	reader.Register(b)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	err = reader.Start(startCtx)
	cancel()
	if err != nil {
		log.Error("telegram sessions failed to start", "error", err)
		os.Exit(1)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.Run(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		reader.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Error("server stopped", "error", err)
	}

	eventService.Shutdown()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Error("nats drain failed", "error", err)
		}
	}
	log.Info("shutdown complete")
}

// healthCheck probes the running instance the way the Docker
// healthcheck does and returns the process exit code.
func healthCheck(cfg *config.Config) int {
	url := fmt.Sprintf("http://%s:%d/healthcheck", cfg.ListenHost, cfg.ListenPort)
	client := &http.Client{Timeout: healthCheckTimeout}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck returned %s\n", resp.Status)
		return 1
	}
	return 0
}
