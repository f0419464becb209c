package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/qflow-run/qflow/internal/cryptoutil"
	"github.com/qflow-run/qflow/internal/qerrors"
)

// BlobStore is the content-addressed persistence boundary the ledger and the
// engine's result capture write large payloads through (spec §6: "the core
// calls a content-addressed blob interface put(bytes) → digest and
// get(digest) → bytes"). Identical bytes always map to the same digest, so
// writes are idempotent.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
}

// MemoryBlobStore is an in-process BlobStore for tests and single-node runs.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores data under its SHA-256 digest.
func (m *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	digest := hex.EncodeToString(cryptoutil.Hash256(data))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[digest]; !ok {
		m.blobs[digest] = append([]byte(nil), data...)
	}
	return digest, nil
}

// Get returns the bytes stored under digest.
func (m *MemoryBlobStore) Get(_ context.Context, digest string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[digest]
	if !ok {
		return nil, qerrors.New(qerrors.KindExecutionNotFound, "no blob for digest "+digest)
	}
	return append([]byte(nil), data...), nil
}

// FileBlobStore stores each blob under <root>/<digest[:2]>/<digest>, sharded
// by prefix so one directory never accumulates every blob.
type FileBlobStore struct {
	root string
}

// OpenFileBlobStore creates root if needed and returns a FileBlobStore.
func OpenFileBlobStore(root string) (*FileBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBlobStore{root: root}, nil
}

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (f *FileBlobStore) pathFor(digest string) (string, error) {
	// Digests may arrive from persisted .cid files or import payloads; only
	// a well-formed hex SHA-256 maps to a path, anything else (including
	// path-traversal shapes) is rejected outright.
	if !digestPattern.MatchString(digest) {
		return "", qerrors.New(qerrors.KindParseError, "malformed blob digest: "+digest)
	}
	return filepath.Join(f.root, digest[:2], digest), nil
}

// Put stores data under its SHA-256 digest, skipping the write if the blob
// already exists (content addressing makes rewrites redundant).
func (f *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	digest := hex.EncodeToString(cryptoutil.Hash256(data))
	path, err := f.pathFor(digest)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard dir: %w", err)
	}
	// A uniquely-named temp file per writer keeps concurrent Puts of the
	// same new content from publishing each other's partial writes; either
	// rename yields the same bytes.
	tmp, err := os.CreateTemp(filepath.Dir(path), digest+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create blob temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return digest, nil
}

// Get returns the bytes stored under digest.
func (f *FileBlobStore) Get(_ context.Context, digest string) ([]byte, error) {
	path, err := f.pathFor(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qerrors.New(qerrors.KindExecutionNotFound, "no blob for digest "+digest)
		}
		return nil, err
	}
	return data, nil
}
