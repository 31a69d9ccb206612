package stores

import (
	"context"
	"io"
	"time"
)

// HookStore is a Store which delegates to another Store, except for
// operations having a hook. Tests of Store clients use hooks to inject
// faults into an otherwise working Store, typically a MemoryStore.
type HookStore struct {
	Store

	OnSignGet func(path string, d time.Duration) (string, error)
	OnExists  func(ctx context.Context, path string) (bool, error)
	OnGet     func(ctx context.Context, path string) (io.ReadCloser, error)
	OnPut     func(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	OnList    func(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error
	OnRemove  func(ctx context.Context, path string) error
}

func (h *HookStore) SignGet(path string, d time.Duration) (string, error) {
	if h.OnSignGet != nil {
		return h.OnSignGet(path, d)
	}
	return h.Store.SignGet(path, d)
}

func (h *HookStore) Exists(ctx context.Context, path string) (bool, error) {
	if h.OnExists != nil {
		return h.OnExists(ctx, path)
	}
	return h.Store.Exists(ctx, path)
}

func (h *HookStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if h.OnGet != nil {
		return h.OnGet(ctx, path)
	}
	return h.Store.Get(ctx, path)
}

func (h *HookStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	if h.OnPut != nil {
		return h.OnPut(ctx, path, content, contentLength, contentEncoding)
	}
	return h.Store.Put(ctx, path, content, contentLength, contentEncoding)
}

func (h *HookStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	if h.OnList != nil {
		return h.OnList(ctx, prefix, callback)
	}
	return h.Store.List(ctx, prefix, callback)
}

func (h *HookStore) Remove(ctx context.Context, path string) error {
	if h.OnRemove != nil {
		return h.OnRemove(ctx, path)
	}
	return h.Store.Remove(ctx, path)
}

var _ Store = (*HookStore)(nil)
