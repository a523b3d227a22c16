package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/hieuntg81/locationd/internal/adapter/geoclue"
	"github.com/hieuntg81/locationd/internal/adapter/store"
	"github.com/hieuntg81/locationd/internal/domain"
	"github.com/hieuntg81/locationd/internal/infra/config"
	"github.com/hieuntg81/locationd/internal/infra/logger"
	"github.com/hieuntg81/locationd/internal/infra/tracer"
	"github.com/hieuntg81/locationd/internal/usecase/position"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "request":
		if err := runRequest(); err != nil {
			fmt.Fprintf(os.Stderr, "request: %v\n", err)
			os.Exit(1)
		}
	case "methods":
		if err := runMethods(); err != nil {
			fmt.Fprintf(os.Stderr, "methods: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'locationd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`locationd - position daemon over the GeoClue2 service

USAGE:
    locationd [COMMAND] [FLAGS]

COMMANDS:
    request     Acquire a single position fix and print it
                Flags: --timeout DURATION (default: service cold-start)
    methods     Print the positioning methods the service supports

    (no command) - Run continuous position updates until interrupted

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: LOCATIOND_CONFIG overrides the config path,
                 QT_GEOCLUE_APP_DESKTOP_ID overrides the desktop id`)
}

// components is everything run modes share: config, logging, tracing, the
// bus connection and the assembled position source.
type components struct {
	cfg    *config.Config
	log    *slog.Logger
	source *position.Source
	close  func()
}

func initComponents() (*components, error) {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	// 3. Bus connection
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, fmt.Errorf("system bus: %w", err)
	}

	// 4. Last-position store
	posStore, err := store.NewPositionFile(cfg.Source.CacheDir, log)
	if err != nil {
		conn.Close()
		tracerShutdown(ctx)
		logCloser()
		return nil, fmt.Errorf("position store: %w", err)
	}

	// 5. Position source
	methods, err := cfg.Source.Methods()
	if err != nil {
		conn.Close()
		tracerShutdown(ctx)
		logCloser()
		return nil, fmt.Errorf("config: %w", err)
	}

	proxy := geoclue.NewProxy(conn, log)
	src := position.New(proxy, posStore, position.Config{
		DesktopID:          cfg.Source.DesktopID,
		UpdateInterval:     time.Duration(cfg.Source.UpdateIntervalMs) * time.Millisecond,
		PreferredMethods:   methods,
		DistanceThresholdM: cfg.Source.DistanceThresholdM,
	}, log)

	return &components{
		cfg:    cfg,
		log:    log,
		source: src,
		close: func() {
			if err := src.Close(); err != nil {
				log.Error("source close error", "error", err)
			}
			proxy.Close()
			conn.Close()
			tracerShutdown(ctx)
			logCloser()
		},
	}, nil
}

func run() error {
	c, err := initComponents()
	if err != nil {
		return err
	}
	defer c.close()

	c.source.OnPosition(func(pos domain.Position) {
		attrs := []any{
			"lat", pos.Latitude,
			"lon", pos.Longitude,
			"ts", pos.Timestamp.Format(time.RFC3339),
		}
		if pos.HasAccuracy {
			attrs = append(attrs, "accuracy_m", pos.Accuracy)
		}
		if pos.HasAltitude {
			attrs = append(attrs, "altitude_m", pos.Altitude)
		}
		c.log.Info("position", attrs...)
	})
	c.source.OnError(func(e domain.SourceError) {
		c.log.Error("position source error", "kind", e)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c.log.Info("locationd starting",
		"methods", c.cfg.Source.PreferredMethods,
		"update_interval_ms", c.cfg.Source.UpdateIntervalMs,
	)
	c.source.StartUpdates()

	<-ctx.Done()
	c.log.Info("locationd stopping")
	c.source.StopUpdates()
	return nil
}

func runRequest() error {
	c, err := initComponents()
	if err != nil {
		return err
	}
	defer c.close()

	timeout, err := requestTimeout()
	if err != nil {
		return err
	}

	positions := make(chan domain.Position, 1)
	errs := make(chan domain.SourceError, 1)
	c.source.OnPosition(func(pos domain.Position) {
		select {
		case positions <- pos:
		default:
		}
	})
	c.source.OnError(func(e domain.SourceError) {
		select {
		case errs <- e:
		default:
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c.source.RequestUpdate(timeout)

	select {
	case pos := <-positions:
		fmt.Printf("%.6f %.6f at %s\n", pos.Latitude, pos.Longitude, pos.Timestamp.Format(time.RFC3339))
		return nil
	case e := <-errs:
		return fmt.Errorf("no position: %s", e)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runMethods() error {
	c, err := initComponents()
	if err != nil {
		return err
	}
	defer c.close()

	fmt.Println(c.source.SupportedMethods())
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("LOCATIOND_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func requestTimeout() (time.Duration, error) {
	for i, arg := range os.Args {
		var raw string
		if arg == "--timeout" && i+1 < len(os.Args) {
			raw = os.Args[i+1]
		} else if strings.HasPrefix(arg, "--timeout=") {
			raw = strings.TrimPrefix(arg, "--timeout=")
		} else {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("--timeout: %w", err)
		}
		return d, nil
	}
	return 0, nil
}
