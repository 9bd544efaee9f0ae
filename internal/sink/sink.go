// Package sink provides destinations for downloaded plaintext.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/internxt/drive-web-sub008/internal/metrics"
)

// Writer receives one object. Close commits it; Abort discards it.
type Writer interface {
	io.WriteCloser
	Abort(err error) error
}

// Opener opens a Writer for an object of the declared size.
type Opener interface {
	Open(ctx context.Context, name string, size int64) (Writer, error)
}

// Target is a parsed download destination.
type Target struct {
	Bucket string // empty for local files
	Name   string
}

// ParseTarget accepts a local path or s3://bucket/key.
func ParseTarget(out string) (Target, error) {
	rest, ok := strings.CutPrefix(out, "s3://")
	if !ok {
		if out == "" {
			return Target{}, fmt.Errorf("empty output path")
		}
		return Target{Name: out}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Target{}, fmt.Errorf("invalid s3 target %q: want s3://bucket/key", out)
	}
	return Target{Bucket: bucket, Name: key}, nil
}

// IsS3 reports whether the target names an S3 object.
func (t Target) IsS3() bool {
	return t.Bucket != ""
}

// Files writes objects to the local filesystem under Dir.
type Files struct {
	Dir string
}

// Open creates a temporary file next to the final path. Close renames it in place.
func (f Files) Open(ctx context.Context, name string, size int64) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := name
	if f.Dir != "" && !filepath.IsAbs(name) {
		path = filepath.Join(f.Dir, name)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &fileWriter{f: tmp, path: path, size: size, start: time.Now()}, nil
}

type fileWriter struct {
	f       *os.File
	path    string
	size    int64
	written int64
	start   time.Time
	done    bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.size >= 0 && w.written != w.size {
		w.discard()
		metrics.RecordSinkOperation("file", time.Since(w.start), false)
		return fmt.Errorf("wrote %d bytes, expected %d", w.written, w.size)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		metrics.RecordSinkOperation("file", time.Since(w.start), false)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		metrics.RecordSinkOperation("file", time.Since(w.start), false)
		return fmt.Errorf("rename: %w", err)
	}
	metrics.RecordSinkOperation("file", time.Since(w.start), true)
	return nil
}

func (w *fileWriter) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	w.discard()
	metrics.RecordSinkOperation("file", time.Since(w.start), false)
	return nil
}

func (w *fileWriter) discard() {
	w.f.Close()
	os.Remove(w.f.Name())
}
