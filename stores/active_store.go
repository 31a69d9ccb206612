package stores

import (
	"context"
	"io"
	"time"
)

// ActiveStore wraps a Store implementation with instrumentation.
// ActiveStore is itself a Store.
type ActiveStore struct {
	Key   string // Redacted URL from which this ActiveStore was built.
	Store Store
}

// NewActiveStore returns an ActiveStore of the Store, labeled by |key|.
// Use Get() for proper initialization and caching. Tests may use this to
// instrument fixture Stores.
func NewActiveStore(key string, store Store) *ActiveStore {
	return &ActiveStore{Key: key, Store: store}
}

// Provider returns the name of the wrapped Store's backend.
func (s *ActiveStore) Provider() string { return s.Store.Provider() }

// SignGet returns a pre-signed URL for GET operations with the given duration.
func (s *ActiveStore) SignGet(path string, d time.Duration) (string, error) {
	var started = time.Now()
	var signed, err = s.Store.SignGet(path, d)
	s.observe("signget", started, err)
	return signed, err
}

// Exists checks if content exists at the given path.
func (s *ActiveStore) Exists(ctx context.Context, path string) (bool, error) {
	var started = time.Now()
	var exists, err = s.Store.Exists(ctx, path)
	s.observe("exists", started, err)
	return exists, err
}

// Get returns an io.ReadCloser for content at the given path.
func (s *ActiveStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var started = time.Now()
	var rc, err = s.Store.Get(ctx, path)
	s.observe("get", started, err)
	return rc, err
}

// Put durably writes content to the store at the given path.
func (s *ActiveStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var started = time.Now()
	var err = s.Store.Put(ctx, path, content, contentLength, contentEncoding)
	s.observe("put", started, err)

	if err == nil && contentLength > 0 {
		var encoding = contentEncoding
		if encoding == "" {
			encoding = "none"
		}
		storePutBytesTotal.WithLabelValues(s.Key, encoding).Add(float64(contentLength))
	}
	return err
}

// List enumerates all objects under the given prefix.
func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var started = time.Now()

	var itemCount int64
	var err = s.Store.List(ctx, prefix, func(path string, modTime time.Time) error {
		itemCount++
		return callback(path, modTime)
	})
	s.observe("list", started, err)
	storeListItems.WithLabelValues(s.Key).Observe(float64(itemCount))

	return err
}

// Remove content at the given path.
func (s *ActiveStore) Remove(ctx context.Context, path string) error {
	var started = time.Now()
	var err = s.Store.Remove(ctx, path)
	s.observe("remove", started, err)
	return err
}

// IsAuthError delegates to the wrapped Store.
func (s *ActiveStore) IsAuthError(err error) bool { return s.Store.IsAuthError(err) }

// IsNotFound delegates to the wrapped Store.
func (s *ActiveStore) IsNotFound(err error) bool { return s.Store.IsNotFound(err) }

func (s *ActiveStore) observe(op string, started time.Time, err error) {
	var status = "success"
	if err != nil && s.Store.IsNotFound(err) {
		status = "not_found"
	} else if err != nil {
		status = "error"
	}
	storeOperationTotal.WithLabelValues(s.Key, op, status).Inc()
	storeOperationDuration.WithLabelValues(s.Key, op, status).Observe(time.Since(started).Seconds())
}

var _ Store = (*ActiveStore)(nil)
