package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"

	"keydot/internal/config"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file")
		listenF = flag.String("listen", "", "HTTP listen address (overrides http.listen)")
		deviceF = flag.String("device", "", "Capture device or URL (overrides capture.device)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	log, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Criticalf("[App] Failed to load config: %v", err)
		os.Exit(1)
	}
	if *listenF != "" {
		cfg.HTTP.Listen = *listenF
	}
	if *deviceF != "" {
		cfg.Capture.Device = *deviceF
	}
	if *dbgF {
		cfg.HTTP.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Criticalf("[App] Invalid configuration: %v", err)
		os.Exit(1)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	a, err := newApp(ctx, log, cfg)
	if err != nil {
		log.Criticalf("[App] Failed to start: %v", err)
		cancel()
		os.Exit(1)
	}
	if err := a.start(ctx); err != nil {
		log.Criticalf("[App] Failed to start capture: %v", err)
		a.close(context.Background())
		cancel()
		os.Exit(1)
	}

	handleHTTPServer(ctx, cfg.HTTP.Listen, a, &wg, errc, log, cfg.HTTP.Debug)

	// Wait for signal.
	log.Infof("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := a.close(closeCtx); err != nil {
		log.Errorf("[App] Shutdown: %v", err)
	}
	log.Infof("exited")
}
