package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ io.WriteCloser = (*RotatingFile)(nil)

const backupTimeFormat = "20060102T150405.000"

// RotatingFile is an append-only log file that is moved aside once it would
// grow past MaxBytes. Backups are named <name>-<timestamp><ext>, optionally
// gzipped, and only the newest MaxBackups are kept.
type RotatingFile struct {
	Path       string
	MaxBytes   int64 // 0 means 10 MiB
	MaxBackups int   // 0 keeps every backup
	Compress   bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	wg     sync.WaitGroup // Pending compress/cleanup work
	postMu sync.Mutex     // Serializes compress/cleanup runs
	now    func() time.Time
}

// NewRotatingFile creates a RotatingFile sized in megabytes, the unit used
// in the config file.
func NewRotatingFile(path string, maxSizeMB, maxBackups int, compress bool) *RotatingFile {
	return &RotatingFile{
		Path:       path,
		MaxBytes:   int64(maxSizeMB) * 1024 * 1024,
		MaxBackups: maxBackups,
		Compress:   compress,
	}
}

func (r *RotatingFile) limit() int64 {
	if r.MaxBytes <= 0 {
		return 10 * 1024 * 1024
	}
	return r.MaxBytes
}

func (r *RotatingFile) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Write appends p, rotating first when p would not fit. A single write larger
// than the limit is written to a fresh file rather than rejected.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit() {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file and waits for background compression.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	var err error
	if r.f != nil {
		err = r.f.Close()
		r.f = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

// open appends to an existing file or creates it.
func (r *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(r.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *RotatingFile) rotate() error {
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			return err
		}
		r.f = nil
	}

	backup := r.backupPath(r.clock())
	if err := os.Rename(r.Path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.postMu.Lock()
		defer r.postMu.Unlock()
		if r.Compress {
			if err := gzipFile(backup); err == nil {
				os.Remove(backup)
			}
		}
		r.prune()
	}()

	return r.open()
}

func (r *RotatingFile) splitName() (dir, stem, ext string) {
	dir = filepath.Dir(r.Path)
	base := filepath.Base(r.Path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (r *RotatingFile) backupPath(t time.Time) string {
	dir, stem, ext := r.splitName()
	return filepath.Join(dir, stem+"-"+t.Format(backupTimeFormat)+ext)
}

// Backups lists rotated files, oldest first.
func (r *RotatingFile) Backups() ([]string, error) {
	dir, stem, ext := r.splitName()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type backup struct {
		at   time.Time
		path string
	}
	var found []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".gz")
		if !strings.HasPrefix(name, stem+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, stem+"-"), ext)
		at, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		found = append(found, backup{at: at, path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	out := make([]string, len(found))
	for i, b := range found {
		out[i] = b.path
	}
	return out, nil
}

// prune removes the oldest backups beyond MaxBackups.
func (r *RotatingFile) prune() {
	if r.MaxBackups <= 0 {
		return
	}
	backups, err := r.Backups()
	if err != nil || len(backups) <= r.MaxBackups {
		return
	}
	for _, p := range backups[:len(backups)-r.MaxBackups] {
		os.Remove(p)
	}
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(src + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
