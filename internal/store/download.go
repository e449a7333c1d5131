package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"

	"github.com/kilnlabs/kiln/internal/domain"
	"github.com/kilnlabs/kiln/internal/metrics"
)

// download fetches cfg.URL into path. The sidecar is created before any
// bytes land and removed only after the rename, so a crash mid-download
// leaves an unmistakable marker. Transient HTTP failures retry with
// exponential backoff.
func (s *Store) download(ctx context.Context, cfg domain.ModelConfig, path string) error {
	if cfg.URL == "" {
		return fmt.Errorf("%w: model %q has no url", domain.ErrModelNotReady, cfg.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrModelNotReady, err)
	}

	sidecar := sidecarPath(path)
	if err := os.WriteFile(sidecar, []byte(cfg.URL), 0o644); err != nil {
		return fmt.Errorf("%w: write sidecar: %v", domain.ErrModelNotReady, err)
	}

	tmp := path + ".partial"
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.fetch(ctx, cfg, tmp)
	}, backoff.WithMaxTries(4), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: download %q: %v", domain.ErrModelNotReady, cfg.ID, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", domain.ErrModelNotReady, err)
	}
	os.Remove(sidecar)
	return nil
}

// fetch performs one download attempt into tmp.
func (s *Store) fetch(ctx context.Context, cfg domain.ModelConfig, tmp string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", cfg.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("http %d fetching %s", resp.StatusCode, cfg.URL))
		}
		return fmt.Errorf("http %d fetching %s", resp.StatusCode, cfg.URL)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	metrics.DownloadBytes.WithLabelValues(cfg.ID).Add(float64(n))
	return nil
}
