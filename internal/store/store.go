package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/config"
)

// Store is the in-process facade over the persisted-state directory
// tree. All writes go through atomicWriteFile; reads are plain JSON
// parses and a corrupt file is logged and skipped rather than aborting
// enumeration.
type Store struct {
	mu     sync.Mutex
	paths  *config.Paths
	logger *slog.Logger
}

// New opens the store rooted at paths, creating any missing directories.
func New(paths *config.Paths, logger *slog.Logger) (*Store, error) {
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{paths: paths, logger: logger}, nil
}

func (s *Store) Paths() *config.Paths { return s.paths }

// ModelsDirectory satisfies catalog.ModelsDirProvider. The configured
// value is resolved against the state-directory home so a relative path
// or a leading "~/" behaves the same way LLAMAFLEET_HOME itself does.
func (s *Store) ModelsDirectory() (string, error) {
	cfg, err := s.GlobalConfig()
	if err != nil {
		return "", err
	}
	return config.ResolveModelsDirectory(cfg, s.paths.Home)
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, then renames it into place. The rename is the linearization
// point for any config change: readers see either the previous complete
// file or the new one, never a partial write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return atomicWriteFile(path, data)
}

// ---- GlobalConfig ----

func (s *Store) GlobalConfig() (*config.GlobalConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.LoadGlobalConfig(s.paths.ConfigFile, s.paths.Home)
}

func (s *Store) SaveGlobalConfig(cfg *config.GlobalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.paths.ConfigFile, cfg)
}

// ---- BackendConfig ----

func (s *Store) backendPath(id string) string {
	return filepath.Join(s.paths.ServersDir, id+".json")
}

// ListBackends enumerates every persisted backend config. A corrupt
// entry is logged and skipped; it never aborts the whole listing.
func (s *Store) ListBackends() ([]*BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBackendsLocked()
}

func (s *Store) listBackendsLocked() ([]*BackendConfig, error) {
	entries, err := os.ReadDir(s.paths.ServersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read servers dir: %w", err)
	}

	var out []*BackendConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.paths.ServersDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skip unreadable backend config", "path", path, "err", err)
			continue
		}
		var cfg BackendConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			s.logger.Warn("skip corrupt backend config", "path", path, "err", err)
			continue
		}
		out = append(out, &cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetBackend(id string) (*BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBackendLocked(id)
}

func (s *Store) getBackendLocked(id string) (*BackendConfig, error) {
	data, err := os.ReadFile(s.backendPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("backend %q not found", id)
		}
		return nil, fmt.Errorf("read backend %s: %w", id, err)
	}
	var cfg BackendConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse backend %s: %w", id, err)
	}
	return &cfg, nil
}

// SaveBackend persists cfg, overwriting any existing file for the same id.
func (s *Store) SaveBackend(cfg *BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.backendPath(cfg.ID), cfg)
}

// DeleteBackend removes the persisted config. Deleting an absent config
// is not an error: callers treat delete as idempotent the same way the
// Supervisor Adapter's unload/stop are idempotent.
func (s *Store) DeleteBackend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.backendPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete backend %s: %w", id, err)
	}
	return nil
}

// FindByIdentifier resolves an operator-supplied identifier, trying in
// order: numeric port match, exact id, exact alias, then a
// case-insensitive substring match on modelName or id.
func (s *Store) FindByIdentifier(ident string) (*BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backends, err := s.listBackendsLocked()
	if err != nil {
		return nil, err
	}

	if port, err := strconv.Atoi(ident); err == nil {
		for _, b := range backends {
			if b.Port == port {
				return b, nil
			}
		}
	}
	for _, b := range backends {
		if b.ID == ident {
			return b, nil
		}
	}
	for _, b := range backends {
		if b.Alias != "" && b.Alias == ident {
			return b, nil
		}
	}
	lower := strings.ToLower(ident)
	for _, b := range backends {
		if strings.Contains(strings.ToLower(b.ModelName), lower) || strings.Contains(strings.ToLower(b.ID), lower) {
			return b, nil
		}
	}
	return nil, apperr.NotFound("no backend matches %q", ident)
}

// GetUsedPorts returns every port currently claimed by a persisted
// backend or singleton, for the Port Allocator to avoid.
func (s *Store) GetUsedPorts() (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[int]bool)
	backends, err := s.listBackendsLocked()
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		used[b.Port] = true
	}
	if router, err := s.loadRouterConfigLocked(); err == nil && router.Port != 0 {
		used[router.Port] = true
	}
	if admin, err := s.loadAdminConfigLocked(); err == nil && admin.Port != 0 {
		used[admin.Port] = true
	}
	return used, nil
}

// ServerExistsForModel looks up a backend by exact absolute model path,
// never by basename.
func (s *Store) ServerExistsForModel(absPath string) (*BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backends, err := s.listBackendsLocked()
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		if b.ModelPath == absPath {
			return b, nil
		}
	}
	return nil, nil
}

// ---- RouterConfig / AdminConfig singletons ----

func (s *Store) RouterConfig() (*RouterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRouterConfigLocked()
}

func (s *Store) loadRouterConfigLocked() (*RouterConfig, error) {
	data, err := os.ReadFile(s.paths.RouterFile)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultRouterConfig(s.paths), nil
		}
		return nil, fmt.Errorf("read router config: %w", err)
	}
	var cfg RouterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse router config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) SaveRouterConfig(cfg *RouterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.paths.RouterFile, cfg)
}

func defaultRouterConfig(paths *config.Paths) *RouterConfig {
	return &RouterConfig{SingletonConfig: SingletonConfig{
		Port:                  8000,
		Host:                  "127.0.0.1",
		Label:                 "llamafleet.router",
		PlistPath:             filepath.Join(paths.UnitsDir, "llamafleet.router.plist"),
		StdoutPath:            filepath.Join(paths.LogsDir, "router.stdout"),
		StderrPath:            filepath.Join(paths.LogsDir, "router.stderr"),
		RequestTimeoutSeconds: 120,
		Status:                StatusStopped,
	}}
}

func (s *Store) AdminConfig() (*AdminConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAdminConfigLocked()
}

func (s *Store) loadAdminConfigLocked() (*AdminConfig, error) {
	data, err := os.ReadFile(s.paths.AdminFile)
	if err != nil {
		if os.IsNotExist(err) {
			cfg, genErr := defaultAdminConfig(s.paths)
			if genErr != nil {
				return nil, genErr
			}
			// Persist immediately: apiKey is generated once on first
			// start, not regenerated on every load.
			if err := writeJSON(s.paths.AdminFile, cfg); err != nil {
				return nil, fmt.Errorf("persist generated admin config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read admin config: %w", err)
	}
	var cfg AdminConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse admin config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) SaveAdminConfig(cfg *AdminConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.paths.AdminFile, cfg)
}

// RotateAPIKey generates a fresh 64-hex-character key, persists it, and
// returns the updated config. The apiKey is otherwise immutable once
// generated.
func (s *Store) RotateAPIKey() (*AdminConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.loadAdminConfigLocked()
	if err != nil {
		return nil, err
	}
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	if err := writeJSON(s.paths.AdminFile, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultAdminConfig(paths *config.Paths) (*AdminConfig, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	return &AdminConfig{
		SingletonConfig: SingletonConfig{
			Port:                  8001,
			Host:                  "127.0.0.1",
			Label:                 "llamafleet.admin",
			PlistPath:             filepath.Join(paths.UnitsDir, "llamafleet.admin.plist"),
			StdoutPath:            filepath.Join(paths.LogsDir, "admin.stdout"),
			StderrPath:            filepath.Join(paths.LogsDir, "admin.stderr"),
			RequestTimeoutSeconds: 120,
			Status:                StatusStopped,
		},
		APIKey: key,
	}, nil
}

// generateAPIKey returns 32 bytes of entropy rendered as 64 hex
// characters.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
