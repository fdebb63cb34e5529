package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/pool"
)

const artifactExt = ".parquet"

// Backend stores named tree artifacts.
type Backend interface {
	// Kind names the backend for logs and metrics ("local", "s3").
	Kind() string
	// Write stores data under name, replacing any previous artifact.
	Write(ctx context.Context, name string, data []byte) error
	// Read returns a reader for the artifact or a NotFoundError.
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns the stored artifact names in lexical order.
	List(ctx context.Context) ([]string, error)
	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, name string) error
}

// ValidateName rejects artifact names that would escape the backend's namespace.
func ValidateName(name string) error {
	switch {
	case name == "":
		return core.NewInvalidArgumentError("name", "artifact name is required")
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return core.NewInvalidArgumentError("name", fmt.Sprintf("invalid artifact name %q", name))
	}
	return nil
}

// SaveTree encodes rows as parquet and writes them to the backend under name.
func SaveTree(ctx context.Context, b Backend, name string, rows []core.Row, opts WriteOptions) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := WriteParquet(buf, rows, opts); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	start := time.Now()
	if err := b.Write(ctx, name, buf.Bytes()); err != nil {
		return err
	}
	metrics.ArtifactDurationSeconds.WithLabelValues(b.Kind(), "write").Observe(time.Since(start).Seconds())
	metrics.ArtifactBytes.WithLabelValues("write").Observe(float64(buf.Len()))
	return nil
}

// LoadTree reads and decodes the artifact stored under name.
func LoadTree(ctx context.Context, b Backend, name string) ([]core.Row, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	start := time.Now()
	rc, err := b.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, NewBackendError(b.Kind(), "read", name, err)
	}
	metrics.ArtifactDurationSeconds.WithLabelValues(b.Kind(), "read").Observe(time.Since(start).Seconds())
	metrics.ArtifactBytes.WithLabelValues("read").Observe(float64(len(data)))

	return ReadParquet(bytes.NewReader(data), int64(len(data)))
}

// LocalBackend keeps artifacts as <dir>/<name>.parquet.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates dir if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, core.NewInvalidArgumentError("dir", "data path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewBackendError("local", "init", dir, err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) Kind() string { return "local" }

// Dir returns the artifact directory.
func (b *LocalBackend) Dir() string { return b.dir }

func (b *LocalBackend) path(name string) string {
	return filepath.Join(b.dir, name+artifactExt)
}

// Write stages data in a temp file in the same directory and renames it into
// place, so readers never observe a partial artifact.
func (b *LocalBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.path(name)
	tmp, err := os.CreateTemp(b.dir, "."+name+"-*.tmp")
	if err != nil {
		return NewBackendError(b.Kind(), "write", target, err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return NewBackendError(b.Kind(), "write", target, cause)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return NewBackendError(b.Kind(), "write", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return NewBackendError(b.Kind(), "write", target, err)
	}
	return nil
}

func (b *LocalBackend) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Name: name}
	}
	if err != nil {
		return nil, NewBackendError(b.Kind(), "read", b.path(name), err)
	}
	return f, nil
}

func (b *LocalBackend) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, NewBackendError(b.Kind(), "list", b.dir, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, artifactExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, artifactExt))
	}
	sort.Strings(names)
	return names, nil
}

func (b *LocalBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewBackendError(b.Kind(), "delete", b.path(name), err)
	}
	return nil
}
