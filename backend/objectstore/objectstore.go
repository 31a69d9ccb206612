// Package objectstore implements a backend.Backend over a stores.Store.
// Objects are laid out beneath the store's prefix as:
//
//	snapshots/<id>.json[.gz|.sz|.zst]   whole snapshot body
//	entity_<key>/<id>.json              one entity's record
//	current.json                        pointer
//	backups/<name>                      backups
//
// Entity objects of a snapshot are written before its body, so the body's
// presence implies the snapshot is complete. Every write replaces a whole
// object, and is thus atomic with respect to readers.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/codecs"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/stores"
	"golang.org/x/sync/errgroup"
)

const (
	snapshotsPrefix = "snapshots/"
	backupsPrefix   = "backups/"
	entityPrefix    = "entity_"
	pointerName     = "current.json"
	snapshotExt     = ".json"
)

// Config of a Backend.
type Config struct {
	// Codec with which snapshot bodies are compressed. Bodies written with
	// any codec remain readable.
	Codec codecs.Codec
	// EntityObjects enables the per-entity object layout.
	EntityObjects bool
	// Concurrency of entity object writes.
	Concurrency int
}

// Backend is a backend.Backend of objects in a stores.Store.
type Backend struct {
	store stores.Store
	cfg   Config
}

// New returns a Backend over Store |s|.
func New(s stores.Store, cfg Config) (*Backend, error) {
	if cfg.Codec == "" {
		cfg.Codec = codecs.None
	}
	if err := cfg.Codec.Validate(); err != nil {
		return nil, &backend.ConfigurationError{Backend: s.Provider(), Message: "invalid codec", Err: err}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Backend{store: s, cfg: cfg}, nil
}

// QueryArgs are the query arguments of an object-store backend URL. They're
// removed before the URL is passed to stores.Get.
type QueryArgs struct {
	// Codec of written snapshot bodies ("none", "gzip", "snappy", "zstd").
	Codec string
	// Entities enables per-entity objects. It defaults to true.
	Entities *bool
}

// Open returns a Backend of the stores.Store at URL |ep|, such as
// s3://bucket/prefix/?codec=gzip. Codec and Entities arguments are
// consumed, and remaining arguments are passed through to the store.
func Open(_ context.Context, ep *url.URL) (backend.Backend, error) {
	var q = ep.Query()
	var args = QueryArgs{Codec: q.Get("codec")}

	if e := q.Get("entities"); e != "" {
		var v = e == "true" || e == "1"
		args.Entities = &v
	}
	q.Del("codec")
	q.Del("entities")

	var cp = *ep
	cp.RawQuery = q.Encode()

	var store, err = stores.Get(&cp)
	if err != nil {
		return nil, &backend.ConfigurationError{Backend: ep.Scheme, Message: "constructing store", Err: err}
	}

	var cfg = Config{Codec: codecs.Codec(args.Codec), EntityObjects: true}
	if args.Entities != nil {
		cfg.EntityObjects = *args.Entities
	}
	return New(store, cfg)
}

func (b *Backend) Provider() string { return b.store.Provider() }

// Store returns the Backend's stores.Store.
func (b *Backend) Store() stores.Store { return b.store }

func (b *Backend) WriteSnapshot(ctx context.Context, id string, body []byte) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}

	var prior []string
	if b.cfg.EntityObjects {
		prior = b.entityKeys(ctx, id)

		if snap, err := pb.DecodeSnapshot(body); err == nil {
			if err = b.writeEntities(ctx, id, snap.Payload.Entities); err != nil {
				return err
			}
			prior = subtractKeys(prior, snap.EntityKeys())
		}
	}

	var encoded, err = codecs.Compress(body, b.cfg.Codec)
	if err != nil {
		return err
	}
	var name = snapshotsPrefix + id + snapshotExt + b.cfg.Codec.Extension()

	if err = stores.PutBytes(ctx, b.store, name, encoded, b.cfg.Codec.ContentEncoding()); err != nil {
		return b.mapErr(err)
	}

	// Remove bodies of this ID written under other codecs, which would
	// otherwise shadow or be shadowed by this one.
	for _, codec := range allCodecs {
		if codec == b.cfg.Codec {
			continue
		}
		var other = snapshotsPrefix + id + snapshotExt + codec.Extension()
		if err := b.store.Remove(ctx, other); err != nil && !b.store.IsNotFound(err) {
			return b.mapErr(err)
		}
	}
	// Entities of a replaced body which the new body doesn't have.
	b.removeEntities(ctx, id, prior)
	return nil
}

func (b *Backend) writeEntities(ctx context.Context, id string, entities []pb.Entity) error {
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(b.cfg.Concurrency)

	for _, entity := range entities {
		var entity = entity
		group.Go(func() error {
			var data = []byte(entity.Data)
			if len(data) == 0 {
				data = []byte("null")
			}
			if err := stores.PutBytes(groupCtx, b.store, entityName(entity.Key, id), data, ""); err != nil {
				return b.mapErr(fmt.Errorf("writing entity %s: %w", entity.Key, err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (b *Backend) ReadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return nil, err
	}

	// Try the configured codec first, then the others.
	for _, codec := range b.readOrder() {
		var raw, err = stores.ReadAll(ctx, b.store, snapshotsPrefix+id+snapshotExt+codec.Extension())
		if b.store.IsNotFound(err) {
			continue
		} else if err != nil {
			return nil, b.mapErr(err)
		}

		body, err := codecs.Decompress(raw, codec)
		if err != nil {
			return nil, &backend.CorruptionError{ID: id, Err: fmt.Errorf("decompressing %s: %w", codec, err)}
		}
		return body, nil
	}
	return nil, backend.ErrNotFound
}

// ReadEntity returns the record of entity |key| within snapshot |id|.
func (b *Backend) ReadEntity(ctx context.Context, key, id string) ([]byte, error) {
	if err := pb.ValidateToken(key, 1, 256); err != nil {
		return nil, err
	} else if err = pb.ValidateToken(id, 1, 128); err != nil {
		return nil, err
	}
	var body, err = stores.ReadAll(ctx, b.store, entityName(key, id))
	if err != nil {
		return nil, b.mapErr(err)
	}
	return body, nil
}

func (b *Backend) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	var seen = make(map[string]struct{})
	var ids []string

	var err = b.store.List(ctx, snapshotsPrefix, func(path string, _ time.Time) error {
		var base, _ = codecs.FromName(path)
		if strings.ContainsRune(base, '/') || strings.HasPrefix(base, ".") || !strings.HasSuffix(base, snapshotExt) {
			return nil // Foreign content.
		}
		var id = strings.TrimSuffix(base, snapshotExt)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, b.mapErr(err)
	}
	return ids, nil
}

// DeleteSnapshot removes the body of snapshot |id|, and then (best-effort)
// its entity objects.
func (b *Backend) DeleteSnapshot(ctx context.Context, id string) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}

	var keys = b.entityKeys(ctx, id)

	var removed bool
	for _, codec := range allCodecs {
		var name = snapshotsPrefix + id + snapshotExt + codec.Extension()

		if ok, err := b.store.Exists(ctx, name); err != nil {
			return b.mapErr(err)
		} else if !ok {
			continue
		} else if err = b.store.Remove(ctx, name); err != nil {
			return b.mapErr(err)
		}
		removed = true
	}
	if !removed {
		return backend.ErrNotFound
	}

	b.removeEntities(ctx, id, keys)
	return nil
}

func (b *Backend) WritePointer(ctx context.Context, body []byte) error {
	return b.mapErr(stores.PutBytes(ctx, b.store, pointerName, body, ""))
}

func (b *Backend) ReadPointer(ctx context.Context) ([]byte, error) {
	var body, err = stores.ReadAll(ctx, b.store, pointerName)
	if err != nil {
		return nil, b.mapErr(err)
	}
	return body, nil
}

func (b *Backend) DeletePointer(ctx context.Context) error {
	if ok, err := b.store.Exists(ctx, pointerName); err != nil {
		return b.mapErr(err)
	} else if !ok {
		return backend.ErrNotFound
	}
	return b.mapErr(b.store.Remove(ctx, pointerName))
}

func (b *Backend) WriteBackup(ctx context.Context, name string, body []byte) error {
	if err := pb.ValidateToken(name, 1, 256); err != nil {
		return err
	}
	return b.mapErr(stores.PutBytes(ctx, b.store, backupsPrefix+name, body, ""))
}

// CheckReady runs a health check of the Store.
func (b *Backend) CheckReady(ctx context.Context) error {
	return b.mapErr(stores.CheckHealth(ctx, b.store))
}

// SignSnapshotURL returns a pre-signed URL through which the encoded body
// of snapshot |id| may be fetched for duration |d|.
func (b *Backend) SignSnapshotURL(ctx context.Context, id string, d time.Duration) (string, error) {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return "", err
	}
	for _, codec := range b.readOrder() {
		var name = snapshotsPrefix + id + snapshotExt + codec.Extension()

		if ok, err := b.store.Exists(ctx, name); err != nil {
			return "", b.mapErr(err)
		} else if ok {
			return b.store.SignGet(name, d)
		}
	}
	return "", backend.ErrNotFound
}

func (b *Backend) readOrder() []codecs.Codec {
	var out = []codecs.Codec{b.cfg.Codec}
	for _, c := range allCodecs {
		if c != b.cfg.Codec {
			out = append(out, c)
		}
	}
	return out
}

func (b *Backend) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case b.store.IsNotFound(err):
		return backend.ErrNotFound
	case b.store.IsAuthError(err):
		return &backend.ConfigurationError{
			Backend: b.store.Provider(),
			Message: "access denied or bucket missing",
			Err:     err,
		}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &backend.UnavailableError{Backend: b.store.Provider(), Op: "store", Err: err}
	}
}

// entityKeys returns the entity keys of the stored body of snapshot |id|,
// or nil if it's absent or unreadable.
func (b *Backend) entityKeys(ctx context.Context, id string) []string {
	if !b.cfg.EntityObjects {
		return nil
	}
	var body, err = b.ReadSnapshot(ctx, id)
	if err != nil {
		return nil
	}
	snap, err := pb.DecodeSnapshot(body)
	if err != nil {
		return nil
	}
	return snap.EntityKeys()
}

// removeEntities removes entity objects of snapshot |id|. Failures are logged.
func (b *Backend) removeEntities(ctx context.Context, id string, keys []string) {
	for _, key := range keys {
		if err := b.store.Remove(ctx, entityName(key, id)); err != nil && !b.store.IsNotFound(err) {
			log.WithFields(log.Fields{
				"id":  id,
				"key": key,
				"err": err,
			}).Warn("failed to remove stale entity object")
		}
	}
}

func subtractKeys(a, b []string) []string {
	var drop = make(map[string]struct{}, len(b))
	for _, k := range b {
		drop[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func entityName(key, id string) string {
	return entityPrefix + key + "/" + id + snapshotExt
}

var allCodecs = []codecs.Codec{codecs.None, codecs.Gzip, codecs.Snappy, codecs.Zstandard}

var _ backend.Backend = (*Backend)(nil)
