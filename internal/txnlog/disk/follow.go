package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// Follow visits every existing entry and then every entry appended later,
// until ctx ends or visit returns an error. Returning txnlog.ErrStopScan from
// visit ends Follow without error.
func (s *Store) Follow(ctx context.Context, visit func(txnlog.Entry) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("disk: create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("disk: watch %q: %w", dir, err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("disk: open %q: %w", s.path, err)
	}
	defer f.Close()

	var offset int64
	drain := func() error {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("disk: seek %q: %w", s.path, err)
		}
		n, err := readEntries(ctx, f, s.path, s.logger, visit)
		offset += n
		return err
	}
	finish := func(err error) error {
		if errors.Is(err, txnlog.ErrStopScan) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	if err := drain(); err != nil {
		return finish(err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write) {
				continue
			}
			if err := drain(); err != nil {
				return finish(err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("txnlog.disk.follow.watch_error", "path", s.path, "error", werr)
		}
	}
}
