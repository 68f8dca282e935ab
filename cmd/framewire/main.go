package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/framewire/framewire/internal/api"
	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/config"
	"github.com/framewire/framewire/internal/consumer"
	"github.com/framewire/framewire/internal/deadletter"
	"github.com/framewire/framewire/internal/dispatch"
	"github.com/framewire/framewire/internal/log"
	"github.com/framewire/framewire/internal/metrics"
	"github.com/framewire/framewire/internal/registry"
	"github.com/framewire/framewire/internal/tracing"
	"github.com/framewire/framewire/internal/upstream"
)

var (
	// Version is set by the build.
	Version = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "framewire",
		Usage:   "Frame buffering and distribution core",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Consume frames from the upstream log and distribute them to processors",
				Action: func(c *cli.Context) error {
					return run(c.String("config"))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(confPath string) error {
	conf, err := config.Read(confPath)
	if err != nil {
		return err
	}

	logger := log.New(conf.Logger.Level)
	stats := metrics.New()

	ctx := context.Background()
	traceShutdown, err := tracing.InitProvider(ctx, conf.TracingConfig())
	if err != nil {
		return err
	}

	bufConf, err := conf.BufferConfig()
	if err != nil {
		return err
	}
	regConf, err := conf.RegistryConfig()
	if err != nil {
		return err
	}
	disConf, err := conf.DispatchConfig()
	if err != nil {
		return err
	}
	upConf, err := conf.UpstreamConfig()
	if err != nil {
		return err
	}

	dlq := deadletter.New(logger, stats)

	// The buffer is constructed exactly once and the same handle is
	// injected everywhere; no other component may create its own.
	buf, err := buffer.New(bufConf, dlq, logger, stats)
	if err != nil {
		return err
	}

	reg := registry.New(regConf, func(processorID string) {
		buf.ReleaseOwner(processorID)
	}, logger, stats)

	reader, err := upstream.NewReader(upConf, logger)
	if err != nil {
		return err
	}

	cons := consumer.New(conf.ConsumerConfig(), reader, buf, logger, stats)
	disp := dispatch.New(disConf, buf, reg, nil, logger)

	srv, err := api.New(conf.HTTP, buf, reg, dlq, cons, stats, logger)
	if err != nil {
		return err
	}

	cons.Run()
	disp.Run()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case sig := <-sigChan:
		logger.Infof("Received signal %v, shutting down", sig)
	}

	// Stop consuming first so no new frames arrive, then flush upstream
	// acks, stop dispatching, and finally close the API.
	shutCtx, done := context.WithTimeout(context.Background(), time.Second*10)
	defer done()

	if err := cons.Close(shutCtx); err != nil {
		logger.Errorf("Failed to stop consumer cleanly: %v", err)
	}
	if err := reader.Close(shutCtx); err != nil {
		logger.Errorf("Failed to close upstream reader cleanly: %v", err)
	}
	if err := disp.Close(shutCtx); err != nil {
		logger.Errorf("Failed to stop dispatcher cleanly: %v", err)
	}
	if err := srv.Close(shutCtx); err != nil {
		logger.Errorf("Failed to close API server cleanly: %v", err)
	}
	if err := traceShutdown(shutCtx); err != nil {
		logger.Errorf("Failed to flush trace exporter: %v", err)
	}
	return nil
}
