package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/raulk/clock"

	"github.com/kilnlabs/kiln/internal/domain"
)

// ModelStatus is one row of the store's status report.
type ModelStatus struct {
	Engine    string `json:"engine"`
	Ready     bool   `json:"ready"`
	SizeBytes int64  `json:"size_bytes"`
}

// entry tracks one configured model's readiness. ready is closed once
// validation finished; err is the terminal outcome, valid after close.
type entry struct {
	ready   chan struct{}
	err     error
	started bool
	size    int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option { return func(s *Store) { s.clk = clk } }

// WithLogger injects the structured logger.
func WithLogger(log *slog.Logger) Option { return func(s *Store) { s.log = log } }

// WithHTTPClient overrides the download client.
func WithHTTPClient(c *http.Client) Option { return func(s *Store) { s.client = c } }

// Store reports, for each configured model, whether its on-disk files
// exist and pass checksum, and downloads the ones that don't.
type Store struct {
	dir    string
	cfgs   map[string]domain.ModelConfig
	clk    clock.Clock
	log    *slog.Logger
	client *http.Client
	db     *DB

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New builds a store rooted at dir (model files live under dir/models).
func New(dir string, cfgs map[string]domain.ModelConfig, opts ...Option) (*Store, error) {
	db, err := OpenDB(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:     dir,
		cfgs:    cfgs,
		clk:     clock.New(),
		log:     slog.Default(),
		client:  http.DefaultClient,
		db:      db,
		entries: make(map[string]*entry, len(cfgs)),
	}
	for _, o := range opts {
		o(s)
	}
	for id := range cfgs {
		s.entries[id] = &entry{ready: make(chan struct{})}
	}
	return s, nil
}

// DB exposes the metadata database for status surfaces.
func (s *Store) DB() *DB { return s.db }

// Start validates on-disk files and kicks off downloads for every model
// whose prepare mode is blocking or async. On-demand models wait for
// their first EnsureReady.
func (s *Store) Start(ctx context.Context) error {
	for id, cfg := range s.cfgs {
		if cfg.Prepare == domain.PrepareOnDemand {
			continue
		}
		s.begin(ctx, id)
	}
	return nil
}

// Stop waits for in-flight downloads to settle and closes the metadata
// database.
func (s *Store) Stop() error {
	s.wg.Wait()
	return s.db.Close()
}

// Path returns the on-disk location of a model's file.
func (s *Store) Path(id string) string {
	cfg, ok := s.cfgs[id]
	if !ok {
		return ""
	}
	if cfg.Location != "" {
		return cfg.Location
	}
	return s.downloadPath(cfg)
}

// downloadPath lays files out as models/<namespace>/<repo>/<file>,
// derived from the URL path.
func (s *Store) downloadPath(cfg domain.ModelConfig) string {
	ns, repo, file := "default", cfg.ID, "model.bin"
	if u, err := url.Parse(cfg.URL); err == nil {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segs) >= 1 {
			file = segs[len(segs)-1]
		}
		if len(segs) >= 3 {
			ns, repo = segs[0], segs[1]
		}
	}
	return filepath.Join(s.dir, "models", ns, repo, file)
}

// sidecarPath marks an in-progress download for path.
func sidecarPath(path string) string { return path + ".downloading" }

// EnsureReady blocks until the model's files exist and pass checksum,
// starting the download first for on-demand entries.
func (s *Store) EnsureReady(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", domain.ErrUnknownModel, id)
	}
	s.mu.Unlock()

	s.begin(ctx, id)

	select {
	case <-e.ready:
		return e.err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for model %q: %v", domain.ErrModelNotReady, id, ctx.Err())
	}
}

// Status reports every configured model.
func (s *Store) Status() map[string]ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ModelStatus, len(s.cfgs))
	for id, cfg := range s.cfgs {
		e := s.entries[id]
		ready := false
		select {
		case <-e.ready:
			ready = e.err == nil
		default:
		}
		out[id] = ModelStatus{Engine: cfg.Engine, Ready: ready, SizeBytes: e.size}
	}
	return out
}

// begin starts validation/download for a model exactly once.
func (s *Store) begin(ctx context.Context, id string) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.started {
		s.mu.Unlock()
		return
	}
	e.started = true
	s.mu.Unlock()

	cfg := s.cfgs[id]
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.materialize(ctx, cfg)
		s.mu.Lock()
		e.err = err
		if err == nil {
			if st, statErr := os.Stat(s.Path(id)); statErr == nil {
				e.size = st.Size()
			}
		}
		s.mu.Unlock()
		close(e.ready)
		if err != nil {
			s.log.Warn("model not ready", "model", id, "error", err)
		} else {
			s.log.Info("model ready", "model", id, "path", s.Path(id))
		}
	}()
}

// materialize makes the model's file valid on disk: local files are
// verified in place; remote files are downloaded unless a previous
// complete download passes validation.
func (s *Store) materialize(ctx context.Context, cfg domain.ModelConfig) error {
	path := s.Path(cfg.ID)

	if cfg.Location != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: model %q: %v", domain.ErrModelNotReady, cfg.ID, err)
		}
		if err := s.verify(path, cfg.Checksum); err != nil {
			return err
		}
		return s.record(cfg, path)
	}

	// A live sidecar means the previous download never completed:
	// revalidate by checksum, or start over.
	if _, err := os.Stat(path); err == nil {
		if _, sidecar := os.Stat(sidecarPath(path)); sidecar == nil {
			if cfg.Checksum != "" && s.verify(path, cfg.Checksum) == nil {
				os.Remove(sidecarPath(path))
				return s.record(cfg, path)
			}
			os.Remove(path)
		} else {
			if err := s.verify(path, cfg.Checksum); err != nil {
				return err
			}
			return s.record(cfg, path)
		}
	}

	if err := s.download(ctx, cfg, path); err != nil {
		return err
	}
	if err := s.verify(path, cfg.Checksum); err != nil {
		return err
	}
	return s.record(cfg, path)
}

// verify checks a file against an expected "sha256:<hex>" digest.
func (s *Store) verify(path, checksum string) error {
	if checksum == "" {
		return nil
	}
	want := strings.TrimPrefix(checksum, "sha256:")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelNotReady, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelNotReady, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: %s: got sha256:%s, want %s", domain.ErrChecksumMismatch, filepath.Base(path), got, checksum)
	}
	return nil
}

// record persists validated metadata.
func (s *Store) record(cfg domain.ModelConfig, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelNotReady, err)
	}
	return s.db.Upsert(ModelRecord{
		ID:          cfg.ID,
		Engine:      cfg.Engine,
		Path:        path,
		Digest:      cfg.Checksum,
		SizeBytes:   st.Size(),
		ValidatedAt: s.clk.Now(),
	})
}
