package bucketd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/parley-run/parley/internal/bucket"
)

// QuotaFile declares buckets the service should pre-register. Operators edit
// it while the service runs; changes are merged conservatively, so quotas can
// only be tightened without a restart.
type QuotaFile struct {
	Buckets []QuotaEntry `yaml:"buckets"`
}

type QuotaEntry struct {
	Name       string      `yaml:"name"`
	Type       bucket.Kind `yaml:"type"`
	Capacity   float64     `yaml:"capacity"`
	RefillRate float64     `yaml:"refill_rate"`
}

// LoadQuotas registers every bucket declared in the file.
func (s *Server) LoadQuotas(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read quota file: %w", err)
	}
	var qf QuotaFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return fmt.Errorf("parse quota file: %w", err)
	}
	for _, q := range qf.Buckets {
		if q.Name == "" || (q.Type != bucket.KindRequests && q.Type != bucket.KindTokens) {
			return fmt.Errorf("quota entry %q: name and a valid type are required", q.Name)
		}
		_, info, existing := s.store.CreateOrMerge(q.Name, q.Type, q.Capacity, q.RefillRate)
		if s.logger != nil {
			s.logger.Printf("quota_loaded name=%s type=%s existing=%t capacity=%g rate=%g",
				q.Name, q.Type, existing, info.Capacity, info.RefillRate)
		}
	}
	return nil
}

// WatchQuotas reloads the quota file whenever it changes, until ctx is done.
// Reload errors are logged and the previous state stays in effect.
func (s *Server) WatchQuotas(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files by rename, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.logger != nil {
				s.logger.Printf("quota_watch_error error=%v", err)
			}
		case <-debounce:
			debounce = nil
			if err := s.LoadQuotas(path); err != nil {
				if s.logger != nil {
					s.logger.Printf("quota_reload_failed error=%v", err)
				}
			}
		}
	}
}
