package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDir is where checkpoints are kept unless configured otherwise.
	DefaultDir = "deployments/checkpoints"

	// TestDir mirrors DefaultDir for isolated test runs.
	TestDir = "deployments/test/checkpoints"
)

// FileStore keeps one JSON document per checkpoint at
// <dir>/<network>/<id>.json. Writes go through a temporary file and a
// rename so a crash never leaves a half-written record behind.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileLogger sets the logger that reports unreadable records skipped
// by List.
func WithFileLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = l
	}
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes cp, replacing any previous version.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	path, err := s.path(cp.ID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("save checkpoint %s: encode: %w", cp.ID, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save checkpoint %s: write: %w", cp.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save checkpoint %s: sync: %w", cp.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save checkpoint %s: close: %w", cp.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save checkpoint %s: rename: %w", cp.ID, err)
	}
	return nil
}

// Load reads the checkpoint with the given ID. An ID that does not parse
// cannot name a record and yields ErrNotFound.
func (s *FileStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	cp, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if cp.ID != id {
		return nil, fmt.Errorf("%w: %s holds checkpoint %q", ErrCorrupt, path, cp.ID)
	}
	return cp, nil
}

// List returns all checkpoints stored for network.
func (s *FileStore) List(_ context.Context, network string) ([]*Checkpoint, error) {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	dir := filepath.Join(s.dir, n)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", n, err)
	}

	out := make([]*Checkpoint, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		cp, err := readFile(filepath.Join(dir, e.Name()))
		if errors.Is(err, ErrCorrupt) {
			s.logger.Warn("skipping unreadable checkpoint",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		if cp.Network != n {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes the checkpoint with the given ID. Missing records are not
// an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) path(id string) (string, error) {
	network, _, err := ParseID(id)
	if err != nil {
		return "", err
	}
	n, err := NormalizeNetwork(network)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, n, id+".json"), nil
}

func readFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	// Indented files carry indented options; keep the in-memory form compact.
	if len(cp.Options) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, cp.Options); err != nil {
			return nil, fmt.Errorf("%w: %s: options: %v", ErrCorrupt, path, err)
		}
		cp.Options = buf.Bytes()
	}
	return &cp, nil
}
