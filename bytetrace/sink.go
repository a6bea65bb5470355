package bytetrace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatedSuffix is appended to a log path to name its single backup.
const RotatedSuffix = ".1"

// RotatingFile is an append-only file that moves its content to a single backup once a write would exceed the
// size limit.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64
}

// OpenRotatingFile opens or creates the file for appending.
func OpenRotatingFile(path string, maxBytes int64) (*RotatingFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir failed: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log failed: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log failed: %w", err)
	}
	return &RotatingFile{path: path, maxBytes: maxBytes, f: f, size: info.Size()}, nil
}

// Path returns the active file path.
func (r *RotatingFile) Path() string {
	return r.path
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate replaces the backup with the current content and starts an empty file. Caller must hold the lock.
func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log for rotation failed: %w", err)
	}
	r.f = nil
	backup := r.path + RotatedSuffix
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove log backup failed: %w", err)
	} else if err := os.Rename(r.path, backup); err != nil {
		return fmt.Errorf("rotate log failed: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen log failed: %w", err)
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// LogStreams holds the sinks of the verbose stream (every snapshot) and the diff stream (changed snapshots and
// control flow records).
type LogStreams struct {
	Verbose io.Writer
	Diff    io.Writer

	closers []io.Closer
}

// OpenLogStreams opens the configured rotating files. When the config enables the console, the diff stream is also
// mirrored to console, which is never closed by the streams.
func OpenLogStreams(cfg *Config, console io.Writer) (*LogStreams, error) {
	verbose, err := OpenRotatingFile(cfg.VerboseLogPath, cfg.LogMaxBytes)
	if err != nil {
		return nil, err
	}
	diff, err := OpenRotatingFile(cfg.DiffLogPath, cfg.LogMaxBytes)
	if err != nil {
		_ = verbose.Close()
		return nil, err
	}

	streams := &LogStreams{Verbose: verbose, closers: []io.Closer{verbose}}
	if cfg.Console && console != nil {
		tee := TeeWriter(diff, uncloseable{console})
		streams.Diff = tee
		streams.closers = append(streams.closers, tee)
	} else {
		streams.Diff = diff
		streams.closers = append(streams.closers, diff)
	}
	return streams, nil
}

// NewBufferStreams creates streams writing to in-memory buffers.
func NewBufferStreams() (*LogStreams, *LockedBuffer, *LockedBuffer) {
	verbose, diff := &LockedBuffer{}, &LockedBuffer{}
	return &LogStreams{Verbose: verbose, Diff: diff}, verbose, diff
}

// Close closes every opened file.
func (s *LogStreams) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
