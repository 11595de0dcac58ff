package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath rejects snapshot names that would escape the archive root.
var ErrUnsafePath = errors.New("archive: unsafe path")

// FileSink writes snapshots below a local directory, one subdirectory per store.
type FileSink struct {
	root string
}

// NewFileSink constructs FileSink rooted at dir.
func NewFileSink(dir string) (*FileSink, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: resolve %s: %w", dir, err)
	}
	return &FileSink{root: root}, nil
}

// Put implements Sink. Files are written to a temporary name and renamed.
func (s *FileSink) Put(ctx context.Context, snap Snapshot) (Receipt, error) {
	dir, err := s.resolve(snap.StoreID)
	if err != nil {
		return Receipt{}, err
	}
	artifacts, err := encode(snap)
	if err != nil {
		return Receipt{}, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Receipt{}, fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}

	receipt := Receipt{Location: dir}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		path := filepath.Join(dir, a.name)
		if !s.within(path) {
			return Receipt{}, fmt.Errorf("%w: %s", ErrUnsafePath, a.name)
		}
		tmp := path + ".partial"
		if err := os.WriteFile(tmp, a.body, 0o640); err != nil {
			return Receipt{}, fmt.Errorf("archive: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return Receipt{}, fmt.Errorf("archive: rename %s: %w", path, err)
		}
		receipt.Objects = append(receipt.Objects, path)
		receipt.Bytes += int64(len(a.body))
	}
	return receipt, nil
}

func (s *FileSink) resolve(storeID string) (string, error) {
	if storeID == "" || strings.ContainsAny(storeID, `/\`) || storeID == "." || storeID == ".." {
		return "", fmt.Errorf("%w: store %q", ErrUnsafePath, storeID)
	}
	dir := filepath.Join(s.root, storeID)
	if !s.within(dir) {
		return "", fmt.Errorf("%w: store %q", ErrUnsafePath, storeID)
	}
	return dir, nil
}

func (s *FileSink) within(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
