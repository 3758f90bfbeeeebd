// Package config resolves the on-disk layout for the control plane and
// loads the global, non-backend-specific settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/llamafleet/llamafleet/internal/pathutil"
)

// GlobalConfig is the process-wide singleton: the models directory, the
// inference binary, a default port base and default tuning values. The
// Default* fields are loaded and persisted only: backend creation does
// not read them, so a new backend gets its tuning values from the
// request and its port from the Port Allocator's fixed range.
type GlobalConfig struct {
	ModelsDirectory  string `json:"modelsDirectory"`
	DefaultPortBase  int    `json:"defaultPortBase"`
	DefaultThreads   int    `json:"defaultThreads"`
	DefaultCtxSize   int    `json:"defaultCtxSize"`
	DefaultGPULayers int    `json:"defaultGpuLayers"`
	InferenceBinary  string `json:"inferenceBinary"`
}

// DefaultGlobalConfig returns the configuration used the first time the
// store is opened against an empty home directory.
func DefaultGlobalConfig(home string) *GlobalConfig {
	return &GlobalConfig{
		ModelsDirectory:  filepath.Join(home, "models"),
		DefaultPortBase:  9000,
		DefaultThreads:   4,
		DefaultCtxSize:   4096,
		DefaultGPULayers: 0,
		InferenceBinary:  "llama-server",
	}
}

// LoadGlobalConfig reads config.json, overlaying it onto defaults so a
// partially-written file (e.g. from an older version) still produces a
// complete config. A missing file is not an error: defaults are returned.
func LoadGlobalConfig(path, home string) (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig(home)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read global config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse global config: %w", err)
	}
	return cfg, nil
}

// Paths is the persisted-state layout, rooted at LLAMAFLEET_HOME
// (defaulting to ~/.llamafleet).
type Paths struct {
	Home       string
	ConfigFile string
	ServersDir string
	RouterFile string
	AdminFile  string
	LogsDir    string
	HistoryDir string
	RouterLog  string
	UnitsDir   string
}

// ResolvePaths computes Paths from the environment. LLAMAFLEET_HOME
// overrides the default ~/.llamafleet location, with "~/" expansion via
// pathutil.ResolvePath so an operator can set it the same way they'd
// type a path on the command line; this is how tests point the whole
// store at a temp directory.
func ResolvePaths() (*Paths, error) {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}

	home := os.Getenv("LLAMAFLEET_HOME")
	if home == "" {
		home = filepath.Join(userHome, ".llamafleet")
	} else {
		resolved, err := pathutil.ResolvePath(home, userHome)
		if err != nil {
			return nil, fmt.Errorf("resolve LLAMAFLEET_HOME: %w", err)
		}
		home = resolved
	}
	return PathsFor(home), nil
}

// ResolveModelsDirectory resolves cfg's configured models directory
// against home, expanding a leading "~/" and joining a relative path
// onto home, the same resolution ResolvePaths gives LLAMAFLEET_HOME.
func ResolveModelsDirectory(cfg *GlobalConfig, home string) (string, error) {
	return pathutil.ResolvePath(cfg.ModelsDirectory, home)
}

// PathsFor builds a Paths rooted at an explicit directory.
func PathsFor(home string) *Paths {
	logsDir := filepath.Join(home, "logs")
	return &Paths{
		Home:       home,
		ConfigFile: filepath.Join(home, "config.json"),
		ServersDir: filepath.Join(home, "config", "servers"),
		RouterFile: filepath.Join(home, "config", "router.json"),
		AdminFile:  filepath.Join(home, "config", "admin.json"),
		LogsDir:    logsDir,
		HistoryDir: filepath.Join(home, "history"),
		RouterLog:  filepath.Join(logsDir, "router.log"),
		UnitsDir:   filepath.Join(home, "units"),
	}
}

// EnsureDirectories creates every directory the store writes into.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.Home,
		filepath.Join(p.Home, "config"),
		p.ServersDir,
		p.LogsDir,
		p.HistoryDir,
		p.UnitsDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
