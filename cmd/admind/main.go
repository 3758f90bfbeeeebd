// Command admind is the admin control-plane daemon: it owns the state
// store and every service built on top of it (lifecycle, config, model
// management, download jobs) and exposes them over the authenticated
// admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/llamafleet/llamafleet/internal/admin"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/config"
	"github.com/llamafleet/llamafleet/internal/configsvc"
	"github.com/llamafleet/llamafleet/internal/download"
	"github.com/llamafleet/llamafleet/internal/lifecycle"
	"github.com/llamafleet/llamafleet/internal/logging"
	"github.com/llamafleet/llamafleet/internal/modelmgmt"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

func main() {
	foreground := flag.Bool("foreground", false, "run in the foreground instead of detaching")
	staticDir := flag.String("static-dir", "", "directory containing the built admin UI, empty to disable")
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

	if err := run(paths, *staticDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startBackground re-execs with -foreground, detached from the
// controlling terminal.
func startBackground(paths *config.Paths) error {
	cmd := exec.Command(os.Args[0], "-foreground")
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("admind started (PID: %d)\n", cmd.Process.Pid)
	fmt.Printf("Logs: %s\n", paths.LogsDir)
	return nil
}

func run(paths *config.Paths, staticDir string) error {
	logWriter := logging.NewRotatingWriter(logging.DefaultConfig(filepath.Join(paths.LogsDir, "admin.log")))
	defer logWriter.Close()
	logger := logging.NewLogger(logWriter)
	logger.Info("admind starting")

	st, err := store.New(paths, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	cat := catalog.New(st)
	sup := supervisor.NewLaunchdAdapter(paths.UnitsDir)
	inferenceBinary := func() (string, error) {
		cfg, err := st.GlobalConfig()
		if err != nil {
			return "", err
		}
		return cfg.InferenceBinary, nil
	}

	lc := lifecycle.New(st, sup, inferenceBinary, logger)
	cfgSvc := configsvc.New(st, cat, sup, lc, inferenceBinary)
	models := modelmgmt.New(st, cat, sup, lc)
	downloads := download.New(st, logger)
	defer downloads.Close()

	if err := ensureRouterUnit(st, sup); err != nil {
		logger.Warn("failed to ensure router unit exists", "err", err)
	}

	deps := &admin.Deps{
		Store:      st,
		Catalog:    cat,
		Supervisor: sup,
		Lifecycle:  lc,
		Config:     cfgSvc,
		Models:     models,
		Downloads:  downloads,
		StaticDir:  staticDir,
		Logger:     logger,
	}

	adminCfg, err := st.AdminConfig()
	if err != nil {
		return fmt.Errorf("load admin config: %w", err)
	}
	logger.Info("admin config loaded from admin.json", "port", adminCfg.Port)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", adminCfg.Host, adminCfg.Port),
		Handler: admin.NewHandler(deps),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("admind stopping")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		return err
	}
	logger.Info("admind stopped")
	return nil
}

// ensureRouterUnit writes the router's own unit file if one
// isn't already present, so the Admin API's /api/router start endpoint
// always has something to Load/Start against. The router is itself just
// another supervised process from the Supervisor Adapter's point of
// view; only its argv (invoking this module's own binary as "routerd")
// differs from a backend's.
func ensureRouterUnit(st *store.Store, sup supervisor.Adapter) error {
	cfg, err := st.RouterConfig()
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(cfg.PlistPath); statErr == nil {
		return nil
	}

	binary, err := routerdBinaryPath()
	if err != nil {
		return err
	}

	unitPath, err := sup.Create(supervisor.UnitSpec{
		Label:      cfg.Label,
		Argv:       []string{binary, "-foreground"},
		WorkingDir: st.Paths().Home,
		StdoutPath: cfg.StdoutPath,
		StderrPath: cfg.StderrPath,
	})
	if err != nil {
		return err
	}
	cfg.PlistPath = unitPath
	return st.SaveRouterConfig(cfg)
}

// routerdBinaryPath locates the routerd binary beside this one, the way
// a packaged install places sibling binaries in the same directory.
func routerdBinaryPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve own executable: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "routerd")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if path, err := exec.LookPath("routerd"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("routerd binary not found next to admind or on PATH")
}
