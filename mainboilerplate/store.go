package mainboilerplate

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/breaker"
	"go.snapstore.dev/core/index"
	"go.snapstore.dev/core/snapshotstore"
	"go.snapstore.dev/core/stores"
)

// StoreConfig configures a snapshotstore.Store and its backend.
type StoreConfig struct {
	URL       string        `long:"url" env:"URL" description:"Backend URL (eg, file:///var/lib/snapshots, s3://bucket/prefix/?codec=gzip, mongodb://host/db, sqlite:///path/to/db)"`
	CacheTTL  time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"1m" description:"Time-to-live of the cached latest snapshot"`
	CacheSize int           `long:"cache-size" env:"CACHE_SIZE" default:"64" description:"Number of snapshots cached in memory by ID"`
	Index     string        `long:"index" env:"INDEX" description:"Blob store URL of the entity index (eg, file:///var/lib/snapshots/, s3://bucket/prefix/). Disabled if empty"`

	Retention snapshotstore.RetentionConfig `group:"Retention" namespace:"retention" env-namespace:"RETENTION"`
	Breaker   breaker.Config                `group:"Breaker" namespace:"breaker" env-namespace:"BREAKER"`
}

// OpenStore opens the configured backend, guarded by a circuit breaker,
// and returns a Store of it. The returned closure releases the Store's
// backend and index.
func (c *StoreConfig) OpenStore(ctx context.Context) (*snapshotstore.Store, func(), error) {
	if c.URL == "" {
		return nil, nil, errors.New("expected backend URL (--store.url)")
	}
	var ep, err = url.Parse(c.URL)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "parsing backend URL")
	}

	inner, err := backend.Open(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	var guarded = backend.Guard(inner, c.Breaker)
	var closers = []func(){func() { closeBackend(inner) }}
	var closeAll = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var cfg = snapshotstore.Config{
		Backend:           guarded,
		CacheTTL:          c.CacheTTL,
		SnapshotCacheSize: c.CacheSize,
		Retention:         c.Retention,
	}
	if c.Index != "" {
		indexURL, err := url.Parse(c.Index)
		if err != nil {
			closeAll()
			return nil, nil, errors.WithMessage(err, "parsing index URL")
		}
		indexStore, err := stores.Get(indexURL)
		if err != nil {
			closeAll()
			return nil, nil, errors.WithMessage(err, "opening index store")
		}
		cfg.EntityIndex = index.NewIndexer(indexStore, index.DefaultPath,
			snapshotstore.EntityIndexRebuilder(guarded))
		closers = append(closers, cfg.EntityIndex.Close)
	}

	store, err := snapshotstore.New(cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"backend": inner.Provider(),
		"index":   c.Index != "",
	}).Debug("opened snapshot store")

	return store, closeAll, nil
}

// MustOpenStore is OpenStore, which panics on error.
func (c *StoreConfig) MustOpenStore(ctx context.Context) (*snapshotstore.Store, func()) {
	var store, closeFn, err = c.OpenStore(ctx)
	Must(err, "failed to open snapshot store", "url", redactURL(c.URL))
	return store, closeFn
}

func closeBackend(b backend.Backend) {
	var err error
	switch c := b.(type) {
	case interface{ Close(context.Context) error }:
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.Close(ctx)
	case io.Closer:
		err = c.Close()
	}
	if err != nil {
		log.WithFields(log.Fields{"backend": b.Provider(), "err": err}).Warn("failed to close backend")
	}
}

// redactURL returns |raw| with any password removed.
func redactURL(raw string) string {
	var ep, err = url.Parse(raw)
	if err != nil {
		return raw
	}
	return ep.Redacted()
}
