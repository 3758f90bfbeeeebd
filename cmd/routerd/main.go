// Command routerd is the front-door daemon: a loopback HTTP server that
// proxies OpenAI- and Anthropic-shaped requests to whichever supervised
// backend a request names. It is itself supervised exactly like a
// backend (see cmd/admind's ensureRouterUnit) rather than run directly
// by an operator, but also supports running in the foreground for
// development.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/llamafleet/llamafleet/internal/config"
	"github.com/llamafleet/llamafleet/internal/logging"
	"github.com/llamafleet/llamafleet/internal/router"
	"github.com/llamafleet/llamafleet/internal/store"
)

func main() {
	foreground := flag.Bool("foreground", false, "run in the foreground instead of detaching")
	flag.Parse()

	paths, err := config.ResolvePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolve paths: %v\n", err)
		os.Exit(1)
	}
	if err := paths.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create directories: %v\n", err)
		os.Exit(1)
	}

	if !*foreground {
		if err := startBackground(paths); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func startBackground(paths *config.Paths) error {
	cmd := exec.Command(os.Args[0], "-foreground")
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	fmt.Printf("routerd started (PID: %d)\n", cmd.Process.Pid)
	fmt.Printf("Logs: %s\n", paths.RouterLog)
	return nil
}

func run(paths *config.Paths) error {
	daemonLogWriter := logging.NewRotatingWriter(logging.DefaultConfig(paths.RouterLog))
	defer daemonLogWriter.Close()
	logger := logging.NewLogger(daemonLogWriter)
	logger.Info("routerd starting")

	st, err := store.New(paths, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	routerCfg, err := st.RouterConfig()
	if err != nil {
		return fmt.Errorf("load router config: %w", err)
	}

	var jsonOut io.Writer
	if routerCfg.Verbose {
		w := logging.NewRotatingWriter(logging.DefaultConfig(paths.RouterLog + ".json"))
		defer w.Close()
		jsonOut = w
	}
	reqLog := router.NewRequestLogger(logger, jsonOut, routerCfg.Verbose)

	srv := router.New(st, logger, reqLog, time.Duration(routerCfg.RequestTimeoutSeconds)*time.Second)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", routerCfg.Host, routerCfg.Port),
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("router listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("routerd stopping")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		return err
	}
	logger.Info("routerd stopped")
	return nil
}
