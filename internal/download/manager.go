package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
)

const (
	defaultHubBase  = "https://huggingface.co"
	maxRedirects    = 10
	evictionAge     = 5 * time.Minute
	janitorInterval = 60 * time.Second
	speedWindow     = 500 * time.Millisecond
)

// ModelsDirProvider mirrors catalog.ModelsDirProvider; declared again
// here (rather than importing catalog's interface) because the only
// thing this package needs from it is the destination directory.
type ModelsDirProvider interface {
	ModelsDirectory() (string, error)
}

// Manager runs downloads as independent background tasks, each with its
// own cancellation token, and auto-evicts finished jobs.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	provider ModelsDirProvider
	client   *http.Client
	hubBase  string
	logger   *slog.Logger

	stopJanitor context.CancelFunc
}

func New(provider ModelsDirProvider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		jobs:     make(map[string]*Job),
		provider: provider,
		client:   &http.Client{Timeout: 0, CheckRedirect: noFollow},
		hubBase:  defaultHubBase,
		logger:   logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopJanitor = cancel
	go m.runJanitor(ctx)
	return m
}

func noFollow(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }

// Close stops the background eviction janitor.
func (m *Manager) Close() { m.stopJanitor() }

// Create allocates a job id, returns it immediately, and launches the
// download on a background goroutine. The filename must be a bare name:
// anything carrying a path separator or ".." is rejected before a job
// is even created, and every file operation below additionally goes
// through an os.Root confined to the models directory.
func (m *Manager) Create(repo, filename string) (string, error) {
	if repo == "" || filename == "" {
		return "", apperr.Validation("repo and filename are required")
	}
	if strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return "", apperr.Validation("filename %q must not contain path separators or \"..\"", filename)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		Repo:      repo,
		Filename:  filename,
		status:    StatusPending,
		createdAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.run(ctx, job)

	return job.ID, nil
}

// Get returns a point-in-time snapshot of one job.
func (m *Manager) Get(id string) (*JobView, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("download job %q not found", id)
	}
	return job.snapshot(), nil
}

// List returns every tracked job, oldest first.
func (m *Manager) List() []*JobView {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].createdAt.Before(jobs[b].createdAt) })
	out := make([]*JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Cancel flips the job's cancellation token. A job already in a
// terminal state cannot be cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("download job %q not found", id)
	}
	if job.isTerminal() {
		return apperr.Conflict("JOB_ALREADY_FINISHED", "job %q already finished", id)
	}
	job.cancel()
	return nil
}

func (m *Manager) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictFinished()
		}
	}
}

func (m *Manager) evictFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, job := range m.jobs {
		view := job.snapshot()
		if view.CompletedAt != nil && now.Sub(*view.CompletedAt) > evictionAge {
			delete(m.jobs, id)
		}
	}
}

// openModelsRoot opens the models directory with OS-level path
// confinement, so even a hostile filename cannot write outside it.
func (m *Manager) openModelsRoot() (*os.Root, error) {
	dir, err := m.provider.ModelsDirectory()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open models dir: %w", err)
	}
	return root, nil
}

// run executes one job end to end: redirect-following, shard expansion,
// streaming write with progress, and terminal-state bookkeeping.
func (m *Manager) run(ctx context.Context, job *Job) {
	job.setStatus(StatusDownloading)

	err := m.download(ctx, job)

	switch {
	case err == nil:
		job.setStatus(StatusCompleted)
	case ctx.Err() != nil:
		job.setStatus(StatusCancelled)
	default:
		job.setError(err.Error())
		job.setStatus(StatusFailed)
	}
}

func (m *Manager) download(ctx context.Context, job *Job) error {
	root, err := m.openModelsRoot()
	if err != nil {
		return err
	}
	defer root.Close()

	if base, index, count, ok := catalog.ParseShard(job.Filename); ok && index == 1 {
		return m.downloadShardSet(ctx, root, job, base, count)
	}
	return m.downloadOne(ctx, root, job, job.Repo, job.Filename)
}

// downloadShardSet enumerates the hub listing, asserts the expected
// shard count is present, then downloads each shard sequentially, in
// index order, as a single file; any failure unlinks every shard
// already written.
func (m *Manager) downloadShardSet(ctx context.Context, root *os.Root, job *Job, base string, count int) error {
	siblings, err := m.listRepoFiles(ctx, job.Repo)
	if err != nil {
		return fmt.Errorf("list repo files: %w", err)
	}

	var shardFiles []string
	for i := 1; i <= count; i++ {
		name := catalog.ShardFilename(base, i, count)
		found := false
		for _, s := range siblings {
			if strings.EqualFold(s, name) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("shard %d/%d (%s) not present in repo listing", i, count, name)
		}
		shardFiles = append(shardFiles, name)
	}

	var written []string
	for _, name := range shardFiles {
		if err := m.downloadOne(ctx, root, job, job.Repo, name); err != nil {
			_ = root.Remove(name)
			_ = root.Remove(name + ".part")
			for _, prev := range written {
				_ = root.Remove(prev)
			}
			return err
		}
		written = append(written, name)
	}
	return nil
}

// hubSibling is the subset of the hub's /api/models/{repo} response
// this package needs.
type hubSibling struct {
	Filename string `json:"rfilename"`
}

type hubModelResponse struct {
	Siblings []hubSibling `json:"siblings"`
}

func (m *Manager) listRepoFiles(ctx context.Context, repo string) ([]string, error) {
	url := fmt.Sprintf("%s/api/models/%s", m.hubBase, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub repo listing returned %d", resp.StatusCode)
	}
	var parsed hubModelResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse repo listing: %w", err)
	}
	names := make([]string, 0, len(parsed.Siblings))
	for _, s := range parsed.Siblings {
		names = append(names, s.Filename)
	}
	return names, nil
}

// downloadOne resolves the entry URL, follows redirects, and streams
// the body to disk with progress reporting, every file operation
// confined to root. For a shard of a set, progress still tracks the
// shard's own byte count, which is monotonic per shard and good enough
// for an operator-facing percentage.
func (m *Manager) downloadOne(ctx context.Context, root *os.Root, job *Job, repo, filename string) error {
	resumeFrom := int64(0)
	if info, err := root.Stat(filename + ".part"); err == nil {
		resumeFrom = info.Size()
	}

	entryURL := fmt.Sprintf("%s/%s/resolve/main/%s", m.hubBase, repo, filename)
	resp, err := m.followRedirects(ctx, entryURL, resumeFrom)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range request (or none was sent): any
		// partial bytes on disk are for a response we can't resume.
		resumeFrom = 0
	case http.StatusPartialContent:
		if resumeFrom > 0 {
			if start, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); !ok || start != resumeFrom {
				// The server answered from the wrong offset: drop this
				// response and fetch the whole file again.
				resp.Body.Close()
				resumeFrom = 0
				resp, err = m.followRedirects(ctx, entryURL, 0)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("download %s: unexpected status %d", filename, resp.StatusCode)
				}
			}
		}
	default:
		return fmt.Errorf("download %s: unexpected status %d", filename, resp.StatusCode)
	}

	total := resp.ContentLength
	if total >= 0 && resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		total += resumeFrom
	}

	return m.streamToFile(ctx, job, resp.Body, root, filename, resumeFrom, total)
}

// followRedirects manually walks 301/302/307/308 hops (the client has
// redirect-following disabled) up to maxRedirects. A resumeFrom > 0
// sends a Range request so an interrupted previous attempt's .part file
// can be appended to instead of restarted; a redirect hop preserves the
// same Range header so the new location still resumes from the right
// offset.
func (m *Manager) followRedirects(ctx context.Context, url string, resumeFrom int64) (*http.Response, error) {
	for hop := 0; hop < maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if resumeFrom > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, fmt.Errorf("redirect without Location header")
			}
			next, err := req.URL.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
			}
			url = next.String()
			continue
		default:
			return resp, nil
		}
	}
	return nil, fmt.Errorf("too many redirects (> %d)", maxRedirects)
}

// streamToFile writes body to filename via a .part sidecar (renamed
// into place on success), reporting progress from a ~500ms moving
// window. resumeFrom > 0 appends to an existing .part file rather than
// truncating it. All file operations go through root.
func (m *Manager) streamToFile(ctx context.Context, job *Job, body io.Reader, root *os.Root, filename string, resumeFrom, total int64) error {
	partName := filename + ".part"
	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := root.OpenFile(partName, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	defer f.Close()

	downloaded := resumeFrom
	var windowStart = time.Now()
	var windowBytes int64
	buf := make([]byte, 256*1024)

	for {
		if err := ctx.Err(); err != nil {
			root.Remove(partName)
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write part file: %w", werr)
			}
			downloaded += int64(n)
			windowBytes += int64(n)

			if elapsed := time.Since(windowStart); elapsed >= speedWindow {
				speed := float64(windowBytes) / elapsed.Seconds()
				pct := float64(0)
				if total > 0 {
					pct = float64(downloaded) / float64(total) * 100
				}
				job.setProgress(Progress{Downloaded: downloaded, Total: total, Percentage: pct, Speed: speed})
				windowStart = time.Now()
				windowBytes = 0
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				// Cancellation destroys the in-flight request, which
				// surfaces here as a read error; the partial is unlinked
				// the same as a cancel caught at the chunk boundary.
				root.Remove(partName)
				return ctx.Err()
			}
			return fmt.Errorf("read response body: %w", readErr)
		}
	}

	job.setProgress(Progress{Downloaded: downloaded, Total: total, Percentage: 100, Speed: 0})

	if err := f.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	if err := root.Rename(partName, filename); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// parseContentRangeStart parses a "bytes X-Y/Z" Content-Range header,
// returning X so downloadOne can confirm a 206 response actually
// resumed from the offset it asked for.
func parseContentRangeStart(header string) (int64, bool) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(header, prefix)
	dash := strings.Index(rest, "-")
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
