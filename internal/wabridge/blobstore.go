package wabridge

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore holds opaque payloads too large or too churn-heavy for the
// state snapshot, keyed by caller-chosen refs.
type BlobStore interface {
	Put(ref string, data []byte) error
	Get(ref string) ([]byte, error)
	Delete(ref string) error
}

type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (b *MemoryBlobStore) Put(ref string, data []byte) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[ref] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlobStore) Get(ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobStore) Delete(ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, ref)
	return nil
}

// FileBlobStore keeps each blob as one file under a root directory. Refs
// are hex-encoded in the filename so any ref string is a safe path.
type FileBlobStore struct {
	root string
}

func NewFileBlobStore(root string) (*FileBlobStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FileBlobStore{root: root}, nil
}

func (b *FileBlobStore) path(ref string) string {
	return filepath.Join(b.root, hex.EncodeToString([]byte(ref))+".blob")
}

func (b *FileBlobStore) Put(ref string, data []byte) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidInput
	}
	path := b.path(ref)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBlobStore) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(b.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FileBlobStore) Delete(ref string) error {
	err := os.Remove(b.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// BuildBlobStoreFromDSN resolves a blob store from a DSN. Supported
// schemes: memory, file (path is the root directory), postgres.
func BuildBlobStoreFromDSN(dsn string) (BlobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBlobStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBlobStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBlobStore(path)
	case "postgres", "postgresql":
		return NewPostgresBlobStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

// BuildStateBackendFromDSN resolves a state backend from a DSN. Supported
// schemes: memory, file (path is the snapshot file), postgres. An empty
// DSN means no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *storeSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*storeSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryStateBackend) Save(snapshot *storeSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(in *storeSnapshot) (*storeSnapshot, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var clone storeSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}
