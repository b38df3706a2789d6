// Package disk stores transaction logs as JSON-lines files, one file per log
// name, under a root directory.
package disk

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// Extension is the file suffix of every log file.
const Extension = ".jsonl"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Name string
	// NoSync skips the fdatasync after each append. Only for tests and demos.
	NoSync bool
	Logger pslog.Logger
}

// Store implements txnlog.Store on one append-only file.
type Store struct {
	path   string
	noSync bool
	logger pslog.Logger

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New opens (creating if needed) the log file for cfg.Name under cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if err := validName(cfg.Name); err != nil {
		return nil, err
	}
	root := filepath.Clean(cfg.Root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", root, err)
	}
	path := filepath.Join(root, cfg.Name+Extension)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %q: %w", path, err)
	}
	s := &Store{
		path:   path,
		noSync: cfg.NoSync,
		logger: loggingutil.EnsureLogger(cfg.Logger),
		file:   file,
	}
	if err := s.repairTail(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

// repairTail cuts a trailing line without newline, left by a crash during
// Append, so the next append starts on a fresh line.
func (s *Store) repairTail() error {
	if err := lockFile(s.file); err != nil {
		return fmt.Errorf("disk: lock %q: %w", s.path, err)
	}
	defer func() {
		if err := unlockFile(s.file); err != nil {
			s.logger.Warn("txnlog.disk.unlock.error", "path", s.path, "error", err)
		}
	}()
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("disk: stat %q: %w", s.path, err)
	}
	keep, err := lastLineEnd(s.file, info.Size())
	if err != nil {
		return fmt.Errorf("disk: read %q: %w", s.path, err)
	}
	if keep == info.Size() {
		return nil
	}
	if err := s.file.Truncate(keep); err != nil {
		return fmt.Errorf("disk: truncate %q: %w", s.path, err)
	}
	if err := syncFile(s.file); err != nil {
		return fmt.Errorf("disk: sync %q: %w", s.path, err)
	}
	s.logger.Warn("txnlog.disk.torn_tail.truncated", "path", s.path, "bytes", info.Size()-keep, "size", keep)
	return nil
}

// lastLineEnd returns the offset just past the last newline in the first
// size bytes of r, or 0 when there is none.
func lastLineEnd(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := max(end-chunk, 0)
		n, err := r.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("disk: log name required")
	}
	if !txnlog.ValidName(name) {
		return fmt.Errorf("disk: invalid log name %q", name)
	}
	return nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Append writes entry as one line and syncs it to disk. An advisory lock
// serialises writers from other processes sharing the file.
func (s *Store) Append(ctx context.Context, entry txnlog.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := txnlog.Encode(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("disk: %w", txn.ErrClosed)
	}
	if err := lockFile(s.file); err != nil {
		return fmt.Errorf("disk: lock %q: %w", s.path, err)
	}
	defer func() {
		if err := unlockFile(s.file); err != nil {
			s.logger.Warn("txnlog.disk.unlock.error", "path", s.path, "error", err)
		}
	}()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("disk: append %q: %w", s.path, err)
	}
	if s.noSync {
		return nil
	}
	if err := syncFile(s.file); err != nil {
		return fmt.Errorf("disk: sync %q: %w", s.path, err)
	}
	return nil
}

// Scan reads the file from the start.
func (s *Store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("disk: %w", txn.ErrClosed)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("disk: open %q: %w", s.path, err)
	}
	defer f.Close()
	_, err = readEntries(ctx, f, s.path, s.logger, visit)
	if errors.Is(err, txnlog.ErrStopScan) {
		return nil
	}
	return err
}

// readEntries decodes complete lines from r and returns the number of bytes
// consumed. A trailing line without newline is left unread: it is either
// still being written or was torn by a crash.
func readEntries(ctx context.Context, r io.Reader, path string, logger pslog.Logger, visit func(txnlog.Entry) error) (int64, error) {
	reader := bufio.NewReader(r)
	var consumed int64
	for {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				logger.Debug("txnlog.disk.partial_line", "path", path, "bytes", len(line))
			}
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("disk: read %q: %w", path, err)
		}
		consumed += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		entry, err := txnlog.Decode(trimmed)
		if err != nil {
			return consumed, fmt.Errorf("disk: %q at offset %d: %w", path, consumed-int64(len(line)), err)
		}
		if err := visit(entry); err != nil {
			return consumed, err
		}
	}
}

// Close releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Names lists the logs stored under root.
func Names(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: list %q: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}
