// Package storage is the attachment blob boundary. Requests keep only an
// opaque storage_ref; the bytes live behind a Store.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Ref identifies a stored blob plus the metadata captured at upload time.
type Ref struct {
	StorageRef   string
	MimeType     string
	OriginalName string
}

// Store persists attachment bytes. Save must honor ctx cancellation so a slow
// backend surfaces as a timeout rather than a hang.
type Store interface {
	Save(ctx context.Context, originalName, mimeType string, r io.Reader) (Ref, error)
	Open(ctx context.Context, storageRef string) (io.ReadCloser, error)
}

// Disk stores blobs as flat files under Root, named by a fresh UUID plus the
// original extension.
type Disk struct {
	Root string
}

func NewDisk(root string) (Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Disk{}, err
	}
	return Disk{Root: root}, nil
}

func (d Disk) Save(ctx context.Context, originalName, mimeType string, r io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	name := uuid.New().String()
	if ext := filepath.Ext(originalName); ext != "" && len(ext) <= 8 {
		name += strings.ToLower(ext)
	}
	path := filepath.Join(d.Root, name)
	f, err := os.Create(path)
	if err != nil {
		return Ref{}, fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return Ref{}, fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Ref{}, err
	}
	return Ref{StorageRef: name, MimeType: mimeType, OriginalName: filepath.Base(originalName)}, nil
}

// Open returns the blob bytes. The ref is treated as a bare file name; path
// separators are rejected.
func (d Disk) Open(_ context.Context, storageRef string) (io.ReadCloser, error) {
	if storageRef == "" || storageRef != filepath.Base(storageRef) {
		return nil, fmt.Errorf("invalid storage ref %q", storageRef)
	}
	return os.Open(filepath.Join(d.Root, storageRef))
}
