package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. It's used by tests,
// and by mem:// URLs for ephemeral deployments.
type MemoryStore struct {
	URL      *url.URL
	Content  map[string][]byte
	ModTimes map[string]time.Time
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	var ms = &MemoryStore{
		URL:      ep,
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
	}
	return ms
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) SignGet(path string, d time.Duration) (string, error) {
	var u = m.URL.JoinPath(path)
	u.Scheme = "memory" // Use a custom scheme to indicate in-memory storage.
	return u.String(), nil
}

func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, exists = m.Content[path]
	return exists, nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("path not found: %s: %w", path, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && !(err == io.EOF && contentLength == 0) {
		return fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Content[path] = buf
	m.ModTimes[path] = time.Now()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	// Snapshot matching entries so that |callback| may itself use the store.
	m.mu.RLock()
	var paths []string
	var times []time.Time
	for fullPath := range m.Content {
		if strings.HasPrefix(fullPath, prefix) {
			paths = append(paths, fullPath)
			times = append(times, m.ModTimes[fullPath])
		}
	}
	m.mu.RUnlock()

	for i, fullPath := range paths {
		var modTime = times[i]
		if modTime.IsZero() {
			modTime = time.Unix(1652140800, 0)
		}
		if err := callback(strings.TrimPrefix(fullPath, prefix), modTime); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Content[path]; !ok {
		return fmt.Errorf("path not found: %s: %w", path, fs.ErrNotExist)
	}
	delete(m.Content, path)
	delete(m.ModTimes, path)
	return nil
}

func (m *MemoryStore) IsAuthError(err error) bool { return false }

func (m *MemoryStore) IsNotFound(err error) bool { return errors.Is(err, fs.ErrNotExist) }
