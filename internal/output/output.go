// Package output writes workflow results to a local file or, for s3://
// paths, to a MinIO/S3 bucket.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Writer stores a result document at path.
type Writer interface {
	Write(ctx context.Context, path string, data []byte) error
}

// FileSink writes results to the local filesystem.
type FileSink struct{}

// Write creates the parent directories and replaces path atomically.
func (FileSink) Write(_ context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".output-*")
	if err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write output %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	return nil
}

// Router sends s3:// paths to S3 and everything else to File. A nil S3
// writer rejects s3:// paths.
type Router struct {
	File Writer
	S3   Writer
}

// Write dispatches on the path scheme.
func (r Router) Write(ctx context.Context, path string, data []byte) error {
	if strings.HasPrefix(path, S3Scheme) {
		if r.S3 == nil {
			return fmt.Errorf("write output %s: object storage is not configured", path)
		}
		return r.S3.Write(ctx, path, data)
	}
	if r.File == nil {
		return FileSink{}.Write(ctx, path, data)
	}
	return r.File.Write(ctx, path, data)
}
