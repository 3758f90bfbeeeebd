// Package catalog scans the models directory, recognizes multi-file
// sharded sets, and resolves a name or path to an entry-point model
// file.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
)

// shardPattern matches <base>(-part)?-NNNNN-of-NNNNN.gguf, case
// insensitive. Capture groups: 1=base, 3=index, 4=count.
var shardPattern = regexp.MustCompile(`(?i)^(.*?)(-part)?-(\d{5})-of-(\d{5})\.gguf$`)

// ParseShard reports whether filename matches the sharded-model naming
// convention, returning its base name, 1-based index, and total shard
// count. Exported so internal/download can detect a sharded request
// without duplicating the pattern.
func ParseShard(filename string) (base string, index, count int, ok bool) {
	m := shardPattern.FindStringSubmatch(filename)
	if m == nil {
		return "", 0, 0, false
	}
	idx, _ := strconv.Atoi(m[3])
	cnt, _ := strconv.Atoi(m[4])
	return m[1], idx, cnt, true
}

// ShardFilename renders the canonical filename for shard index of count
// shards of base, matching the casing/format the hub convention uses.
func ShardFilename(base string, index, count int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.gguf", base, index, count)
}

// ModelInfo is derived from disk, never persisted.
type ModelInfo struct {
	Filename      string
	Path          string
	Size          int64
	Modified      time.Time
	IsSharded     bool
	ShardCount    int
	ShardPaths    []string
	BaseModelName string
	Exists        bool
}

type Catalog struct {
	modelsDir func() (string, error)
}

// ModelsDirProvider is the seam through which the catalog learns the
// models directory without importing the store package directly.
type ModelsDirProvider interface {
	ModelsDirectory() (string, error)
}

func New(provider ModelsDirProvider) *Catalog {
	return &Catalog{modelsDir: provider.ModelsDirectory}
}

type shardMatch struct {
	full  string
	path  string
	base  string
	index int
	count int
	size  int64
	mod   time.Time
}

// Scan recursively walks the models directory for .gguf files,
// aggregating sharded sets into a single entry keyed on the first shard.
func (c *Catalog) Scan() ([]*ModelInfo, error) {
	dir, err := c.modelsDir()
	if err != nil {
		return nil, err
	}

	var plain []*ModelInfo
	shardsByBase := map[string][]shardMatch{}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries, mirrors store's corrupt-file tolerance
		}
		if info.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(info.Name()), ".gguf") {
			return nil
		}

		if m := shardPattern.FindStringSubmatch(info.Name()); m != nil {
			idx, _ := strconv.Atoi(m[3])
			count, _ := strconv.Atoi(m[4])
			shardsByBase[strings.ToLower(m[1])] = append(shardsByBase[strings.ToLower(m[1])], shardMatch{
				full: info.Name(), path: path, base: m[1], index: idx, count: count,
				size: info.Size(), mod: info.ModTime(),
			})
			return nil
		}

		plain = append(plain, &ModelInfo{
			Filename: info.Name(),
			Path:     path,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Exists:   true,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan models dir: %w", err)
	}

	var out []*ModelInfo
	out = append(out, plain...)

	for _, shards := range shardsByBase {
		sort.Slice(shards, func(i, j int) bool { return shards[i].index < shards[j].index })
		count := shards[0].count
		var total int64
		paths := make([]string, 0, len(shards))
		present := map[int]bool{}
		// The index-1 shard is the entry point; when it's missing the
		// lowest present shard stands in so the incomplete set still
		// shows up in listings (with Exists=false).
		first := shards[0]
		for _, s := range shards {
			present[s.index] = true
			total += s.size
			if s.index == 1 {
				first = s
			}
		}
		// order shardPaths by index regardless of directory order
		ordered := make([]string, count)
		for _, s := range shards {
			if s.index >= 1 && s.index <= count {
				ordered[s.index-1] = s.path
			}
		}
		for _, p := range ordered {
			if p != "" {
				paths = append(paths, p)
			}
		}

		exists := len(present) == count
		out = append(out, &ModelInfo{
			Filename:      first.full,
			Path:          first.path,
			Size:          total,
			Modified:      first.mod,
			IsSharded:     true,
			ShardCount:    count,
			ShardPaths:    paths,
			BaseModelName: first.base,
			Exists:        exists,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Resolve returns the absolute path of the entry-point file for name,
// trying in order: absolute path, <modelsDir>/<name>, <name>.gguf, a
// scan for baseModelName==name, a scan for filename-without-extension.
func (c *Catalog) Resolve(name string) (string, error) {
	dir, err := c.modelsDir()
	if err != nil {
		return "", err
	}

	if filepath.IsAbs(name) {
		if fileExists(name) {
			return name, nil
		}
	}

	candidate := filepath.Join(dir, name)
	if fileExists(candidate) {
		return candidate, nil
	}

	withExt := filepath.Join(dir, name+".gguf")
	if fileExists(withExt) {
		return withExt, nil
	}

	models, err := c.Scan()
	if err != nil {
		return "", err
	}
	for _, m := range models {
		if m.IsSharded && m.BaseModelName == name {
			return m.Path, nil
		}
	}
	for _, m := range models {
		base := strings.TrimSuffix(m.Filename, filepath.Ext(m.Filename))
		if base == name {
			return m.Path, nil
		}
	}

	return "", apperr.NotFound("model %q not found", name)
}

// Find resolves name exactly as Resolve does, but returns the full
// ModelInfo (including shard membership) rather than a bare path, for
// callers — Model Management's cascade delete — that need to know
// whether the entry is sharded.
func (c *Catalog) Find(name string) (*ModelInfo, error) {
	path, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := c.FindByPath(path)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, apperr.NotFound("model %q not found", name)
	}
	return info, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// FindByPath returns the ModelInfo whose entry path or shard set
// contains absPath, used by Model Management's cascade check.
func (c *Catalog) FindByPath(absPath string) (*ModelInfo, error) {
	models, err := c.Scan()
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.Path == absPath {
			return m, nil
		}
	}
	for _, m := range models {
		for _, shard := range m.ShardPaths {
			if shard == absPath {
				return m, nil
			}
		}
	}
	return nil, nil
}
