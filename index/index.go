// Package index maintains an append-only sidecar index mapping entity keys
// to the IDs of snapshots which include them. The index is a single JSON
// document persisted as a whole object of a stores.Store.
//
// All reads and read-modify-write updates of an Indexer are serialized
// through a single goroutine. Before each update the stored document is
// re-read and unioned with the in-memory document, so that concurrent
// appends by other processes aren't lost (though they may race).
package index

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/stores"
)

// DefaultPath is the object path of the index document.
const DefaultPath = "entity-index.json"

// ErrClosed is returned by operations of a closed Indexer.
var ErrClosed = errors.New("indexer is closed")

// Document is the persisted index.
type Document struct {
	// Entries maps entity keys to snapshot IDs, sorted newest first.
	Entries     map[string][]string `json:"entries"`
	LastUpdated time.Time           `json:"lastUpdated"`
}

// RebuildFunc derives the index entries from the snapshots themselves.
// It's invoked when the stored document is missing, empty, or unparsable.
type RebuildFunc func(ctx context.Context) (map[string][]string, error)

// Indexer owns the index document.
type Indexer struct {
	store   stores.Store
	path    string
	rebuild RebuildFunc
	now     func() time.Time

	reqCh chan request
	done  chan struct{}
	exit  chan struct{}
}

type request struct {
	ctx context.Context
	// fn is applied to the current Document. If it returns true, the
	// Document was modified and is written back.
	fn     func(doc *Document) bool
	reload bool
	errCh  chan error
}

// NewIndexer returns an Indexer of the document at |path| of |store|,
// which rebuilds through |rebuild| (which may be nil).
func NewIndexer(store stores.Store, path string, rebuild RebuildFunc) *Indexer {
	if path == "" {
		path = DefaultPath
	}
	var ix = &Indexer{
		store:   store,
		path:    path,
		rebuild: rebuild,
		now:     time.Now,
		reqCh:   make(chan request),
		done:    make(chan struct{}),
		exit:    make(chan struct{}),
	}
	go ix.serve()
	return ix
}

// Append records that snapshot |id| includes entity |keys|.
func (ix *Indexer) Append(ctx context.Context, id string, keys ...string) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	return ix.do(ctx, true, func(doc *Document) bool {
		var modified bool
		for _, key := range keys {
			var ids, added = insertID(doc.Entries[key], id)
			if added {
				doc.Entries[key] = ids
				modified = true
			}
		}
		return modified
	})
}

// Remove drops snapshot |id| from every entry, as when it's deleted.
func (ix *Indexer) Remove(ctx context.Context, id string) error {
	return ix.do(ctx, true, func(doc *Document) bool {
		var modified bool
		for key, ids := range doc.Entries {
			for i := range ids {
				if ids[i] == id {
					doc.Entries[key] = append(ids[:i:i], ids[i+1:]...)
					modified = true
					break
				}
			}
			if len(doc.Entries[key]) == 0 {
				delete(doc.Entries, key)
			}
		}
		return modified
	})
}

// Lookup returns the IDs of snapshots including entity |key|, newest first.
func (ix *Indexer) Lookup(ctx context.Context, key string) (ids []string, err error) {
	err = ix.do(ctx, false, func(doc *Document) bool {
		ids = append([]string(nil), doc.Entries[key]...)
		return false
	})
	return
}

// Keys returns the sorted entity keys of the index.
func (ix *Indexer) Keys(ctx context.Context) (keys []string, err error) {
	err = ix.do(ctx, false, func(doc *Document) bool {
		for key := range doc.Entries {
			keys = append(keys, key)
		}
		return false
	})
	sort.Strings(keys)
	return
}

// Rebuild replaces the index with entries derived through the RebuildFunc.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	if ix.rebuild == nil {
		return errors.New("indexer has no RebuildFunc")
	}
	var entries, err = ix.rebuild(ctx)
	if err != nil {
		return pkgerrors.WithMessage(err, "rebuilding index")
	}
	return ix.do(ctx, false, func(doc *Document) bool {
		doc.Entries = normalize(entries)
		return true
	})
}

// Close stops the Indexer's goroutine. Pending requests are completed first.
func (ix *Indexer) Close() {
	select {
	case <-ix.done:
	default:
		close(ix.done)
	}
	<-ix.exit
}

func (ix *Indexer) do(ctx context.Context, reload bool, fn func(*Document) bool) error {
	var req = request{ctx: ctx, fn: fn, reload: reload, errCh: make(chan error, 1)}

	select {
	case ix.reqCh <- req:
	case <-ix.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.errCh
}

func (ix *Indexer) serve() {
	defer close(ix.exit)
	var doc *Document // Cached document, or nil if not yet loaded.

	for {
		var req request
		select {
		case req = <-ix.reqCh:
		case <-ix.done:
			return
		}

		if doc == nil || req.reload {
			var loaded, err = ix.load(req.ctx)
			if err != nil {
				req.errCh <- err
				continue
			}
			doc = merge(doc, loaded)
		}

		if !req.fn(doc) {
			req.errCh <- nil
			continue
		}
		doc.LastUpdated = ix.now().UTC()

		var body, err = json.Marshal(doc)
		if err == nil {
			err = stores.PutBytes(req.ctx, ix.store, ix.path, body, "")
		}
		if err != nil {
			doc = nil // Re-load on next request.
			err = pkgerrors.WithMessage(err, "writing index")
		}
		req.errCh <- err
	}
}

// load the stored Document, rebuilding it if it's missing, empty or unparsable.
func (ix *Indexer) load(ctx context.Context) (*Document, error) {
	var body, err = stores.ReadAll(ctx, ix.store, ix.path)
	if err != nil && !ix.store.IsNotFound(err) {
		return nil, pkgerrors.WithMessage(err, "reading index")
	}

	var doc = new(Document)
	if len(body) != 0 {
		if err = json.Unmarshal(body, doc); err != nil {
			log.WithFields(log.Fields{
				"path": ix.path,
				"err":  err,
			}).Warn("entity index is unparsable; rebuilding")
			doc = new(Document)
		}
	}
	if len(doc.Entries) != 0 || ix.rebuild == nil {
		doc.Entries = normalize(doc.Entries)
		return doc, nil
	}

	entries, err := ix.rebuild(ctx)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "rebuilding index")
	}
	doc.Entries = normalize(entries)

	log.WithFields(log.Fields{
		"path":    ix.path,
		"entries": len(doc.Entries),
	}).Info("rebuilt entity index")

	return doc, nil
}

// merge unions Document |b| into |a|, returning the result.
func merge(a, b *Document) *Document {
	if a == nil {
		return b
	}
	for key, ids := range b.Entries {
		for _, id := range ids {
			a.Entries[key], _ = insertID(a.Entries[key], id)
		}
	}
	if b.LastUpdated.After(a.LastUpdated) {
		a.LastUpdated = b.LastUpdated
	}
	return a
}

func normalize(entries map[string][]string) map[string][]string {
	var out = make(map[string][]string, len(entries))
	for key, ids := range entries {
		for _, id := range ids {
			out[key], _ = insertID(out[key], id)
		}
	}
	return out
}

// insertID inserts |id| into |ids| sorted newest first, if not present.
func insertID(ids []string, id string) ([]string, bool) {
	var i = sort.Search(len(ids), func(i int) bool { return ids[i] <= id })
	if i != len(ids) && ids[i] == id {
		return ids, false
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids, true
}
