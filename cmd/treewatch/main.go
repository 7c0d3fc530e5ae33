package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"treewatch/internal/api"
	"treewatch/internal/config"
	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/mirror"
	"treewatch/internal/router"
	"treewatch/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	cli, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCodeSuccess
		}
		fmt.Fprintln(errOut, err)
		return exitCodeUsage
	}
	if cli.ShowVersion {
		fmt.Fprintln(out, version.Display("treewatch"))
		return exitCodeSuccess
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return exitCodeConfig
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), level, errOut)
	registry := metrics.Default

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fsMirror, err := mirror.New(mirror.Options{
		Root:       cfg.Root,
		Logger:     logger,
		Metrics:    registry,
		Debounce:   cfg.Debounce(),
		MaxWatches: cfg.MaxWatches,
	})
	if err != nil {
		fmt.Fprintf(errOut, "mirror: %v\n", err)
		return exitCodeRuntime
	}
	defer fsMirror.Close()

	doc := fsMirror.Document()
	mutRouter, err := router.NewWithOptions(doc, doc.Root(), router.RouterOptions{
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		fmt.Fprintf(errOut, "router: %v\n", err)
		return exitCodeRuntime
	}

	bus := event.NewBus[router.Mutation](ctx, event.BusOptions{
		Name:     "mutations",
		Registry: registry,
	})
	defer bus.Close()

	for _, eventType := range cfg.EventTypes() {
		mutRouter.On(eventType, bus.Publish)
		if cli.Print {
			mutRouter.On(eventType, printListener(out))
		}
	}

	for index, watcherCfg := range cfg.Watchers {
		kind, opts, err := watcherCfg.RouterOptions()
		if err != nil {
			fmt.Fprintf(errOut, "watchers[%d]: %v\n", index, err)
			return exitCodeConfig
		}
		if _, err := mutRouter.Watch(kind, opts); err != nil {
			fmt.Fprintf(errOut, "watchers[%d]: %v\n", index, err)
			return exitCodeConfig
		}
	}
	mutRouter.Start()
	defer mutRouter.Stop()

	logger.Info("treewatch started", map[string]string{
		"root":     cfg.Root,
		"watchers": fmt.Sprintf("%d", len(cfg.Watchers)),
	})

	if !cli.NoServer {
		server := &http.Server{
			Addr: cfg.Listen,
			Handler: api.Handler(api.HandlerOptions{
				Bus:            bus,
				Router:         mutRouter,
				Document:       doc,
				Registry:       registry,
				Logger:         logger,
				AuthToken:      cfg.AuthToken,
				AllowedOrigins: cfg.AllowedOrigins,
				AllowedEvents:  cfg.EventTypes(),
			}),
		}
		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.ListenAndServe()
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		logger.Info("http api listening", map[string]string{"addr": cfg.Listen})

		select {
		case <-ctx.Done():
			return exitCodeSuccess
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(errOut, "http server: %v\n", err)
				return exitCodeRuntime
			}
			return exitCodeSuccess
		}
	}

	<-ctx.Done()
	return exitCodeSuccess
}

func loadConfig(cli cliConfig) (*config.Config, error) {
	var cfg *config.Config
	if cli.ConfigPath != "" {
		loaded, err := config.Load(cli.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default(cli.Root)
	}

	if cli.Root != "" {
		cfg.Root = cli.Root
	}
	if cli.Listen != "" {
		cfg.Listen = cli.Listen
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	return cfg, cfg.Validate()
}

func printListener(out io.Writer) router.Listener {
	return func(mutation router.Mutation) {
		switch mutation.Event {
		case router.EventAttributeChanged:
			fmt.Fprintf(out, "%s %s %s=%q\n", mutation.Event, mutation.Node.Path(), mutation.Attr, mutation.OldValue)
		case router.EventCharacterDataChanged:
			fmt.Fprintf(out, "%s %s\n", mutation.Event, mutation.Node.Path())
		default:
			fmt.Fprintf(out, "%s %s\n", mutation.Event, mutation.Node.Path())
		}
	}
}
