// Package snapshotstore is the public face of snapshot persistence. A Store
// owns the current-pointer protocol, in-memory caches, deduplication of
// concurrent reads, listing, and retention, and delegates document storage
// to a backend.Backend.
//
// A snapshot is committed by writing its body and then, if its status is
// "success", rewriting the pointer to reference it. The pointer resolves the
// latest successful snapshot without scanning. Should the pointer be missing
// or damaged, reads recover by validating the store, repairing the pointer,
// and scanning snapshots newest first.
//
// Snapshots returned by a Store may be shared with other callers, and must
// be treated as immutable.
package snapshotstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/index"
	"go.snapstore.dev/core/integrity"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/recovery"
	"golang.org/x/sync/singleflight"
)

// RetentionConfig bounds the snapshots kept by a Store.
type RetentionConfig struct {
	// MaxSnapshots is the number of newest snapshots which are kept until
	// they exceed MaxAgeDays.
	MaxSnapshots int `long:"max-snapshots" env:"MAX_SNAPSHOTS" default:"30" description:"Snapshots kept regardless of age, up to twice max-age-days"`
	// MaxAgeDays is the age beyond which snapshots ranked past MaxSnapshots
	// are removed. Snapshots older than twice MaxAgeDays are always removed.
	// Zero disables retention of valid snapshots.
	MaxAgeDays int `long:"max-age-days" env:"MAX_AGE_DAYS" default:"90" description:"Age in days beyond which snapshots are eligible for removal (zero disables)"`
}

// Config of a Store.
type Config struct {
	// Backend persisting documents. Typically a *backend.Guarded.
	Backend backend.Backend
	// CacheTTL bounds the age of a cached latest-successful snapshot.
	CacheTTL time.Duration
	// Retention of stored snapshots.
	Retention RetentionConfig
	// SnapshotCacheSize is the number of snapshots (and separately, their
	// Metadata) held in memory by ID.
	SnapshotCacheSize int
	// EntityIndex, if non-nil, is appended to with the entity keys of
	// each written snapshot.
	EntityIndex *index.Indexer
	// AutoRecovery Options of reads which find a missing or damaged pointer.
	// If zero-valued, recovery.ConservativeOptions are used.
	AutoRecovery *recovery.Options
	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time
}

// Defaults of Config.
const (
	DefaultCacheTTL          = time.Minute
	DefaultSnapshotCacheSize = 64
)

// ErrNoEntityIndex is returned by SnapshotsForEntity of a Store without an index.
var ErrNoEntityIndex = errors.New("store has no entity index")

// Store of snapshots.
type Store struct {
	backend   backend.Backend
	validator *integrity.Validator
	recovery  *recovery.Service
	index     *index.Indexer
	retention RetentionConfig
	autoOpts  recovery.Options
	ttl       time.Duration
	now       func() time.Time

	mu         sync.Mutex
	current    *cachedCurrent // Cached latest successful snapshot, or nil.
	generation uint64         // Incremented with each invalidation.

	snapshots *lru.Cache // ID => cachedSnapshot.
	metadata  *lru.Cache // ID => pb.Metadata.

	flights   singleflight.Group
	cleanupMu sync.Mutex
}

type cachedCurrent struct {
	snap        *pb.Snapshot
	at          time.Time
	fingerprint string
}

type cachedSnapshot struct {
	snap *pb.Snapshot
	size int64
}

// New returns a Store of Config |cfg|.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("expected Backend")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SnapshotCacheSize <= 0 {
		cfg.SnapshotCacheSize = DefaultSnapshotCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	var opts = recovery.ConservativeOptions()
	if cfg.AutoRecovery != nil {
		opts = *cfg.AutoRecovery
	}

	var s = &Store{
		backend:   cfg.Backend,
		validator: integrity.NewValidator(cfg.Backend),
		index:     cfg.EntityIndex,
		retention: cfg.Retention,
		autoOpts:  opts,
		ttl:       cfg.CacheTTL,
		now:       cfg.Clock,
	}
	s.recovery = recovery.NewService(cfg.Backend, s.validator)
	s.recovery.SetClock(cfg.Clock)

	var err error
	if s.snapshots, err = lru.New(cfg.SnapshotCacheSize); err != nil {
		return nil, err
	} else if s.metadata, err = lru.New(cfg.SnapshotCacheSize); err != nil {
		return nil, err
	}
	return s, nil
}

// Backend returns the Store's backend.Backend.
func (s *Store) Backend() backend.Backend { return s.backend }

// InvalidateCaches drops all cached state, such that subsequent reads are
// served from the backend.
func (s *Store) InvalidateCaches() {
	s.invalidateCurrent()
	s.snapshots.Purge()
	s.metadata.Purge()
}

// invalidateCurrent drops the cached latest snapshot. Fetches begun before
// invalidation won't populate the cache.
func (s *Store) invalidateCurrent() {
	s.mu.Lock()
	s.current = nil
	s.generation++
	s.mu.Unlock()
}

func (s *Store) invalidateID(id string) {
	s.snapshots.Remove(id)
	s.metadata.Remove(id)
}

func (s *Store) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// flightKey qualifies |key| with the current generation, so that a read
// begun after an invalidation never joins a fetch begun before it.
func (s *Store) flightKey(key string) string {
	return key + "@" + strconv.FormatUint(s.currentGeneration(), 10)
}

// flight runs |fn| once for concurrent callers of |key|. |fn| isn't
// cancelled by the cancellation of any one caller.
func (s *Store) flight(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var detached = context.WithoutCancel(ctx)
	var ch = s.flights.DoChan(key, func() (interface{}, error) { return fn(detached) })

	select {
	case res := <-ch:
		if res.Shared {
			readsDeduplicatedTotal.WithLabelValues(keyKind(key)).Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fingerprint returns the backend's pointer fingerprint, or empty if the
// backend can't produce one.
func (s *Store) fingerprint(ctx context.Context) string {
	var f, ok = s.backend.(backend.Fingerprinter)
	if !ok {
		return ""
	}
	var fp, err = f.PointerFingerprint(ctx)
	if err != nil {
		if !errors.Is(err, backend.ErrUnsupported) {
			log.WithField("err", err).Debug("failed to fingerprint pointer")
		}
		return ""
	}
	return fp
}

// readSnapshot returns the validated snapshot |id|, from cache if possible.
// It returns (nil, nil) if the snapshot doesn't exist, and a
// *backend.CorruptionError if it's invalid.
func (s *Store) readSnapshot(ctx context.Context, id string) (*cachedSnapshot, error) {
	if v, ok := s.snapshots.Get(id); ok {
		cacheRequestsTotal.WithLabelValues("snapshot", "hit").Inc()
		var cs = v.(cachedSnapshot)
		return &cs, nil
	}
	cacheRequestsTotal.WithLabelValues("snapshot", "miss").Inc()

	var body, err = s.backend.ReadSnapshot(ctx, id)
	if backend.IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var report = integrity.CheckBody(id, body, integrity.SnapshotReport{SizeBytes: int64(len(body))})
	if !report.IsValid {
		return nil, &backend.CorruptionError{ID: id, Err: fmt.Errorf("%v", report.Issues)}
	}

	var cs = cachedSnapshot{snap: report.Snapshot, size: report.SizeBytes}
	s.snapshots.Add(id, cs)
	s.metadata.Add(id, pb.BuildMetadata(cs.snap, cs.size))
	return &cs, nil
}

// readMetadata returns the Metadata of snapshot |id|, from cache if possible.
func (s *Store) readMetadata(ctx context.Context, id string) (*pb.Metadata, error) {
	if v, ok := s.metadata.Get(id); ok {
		cacheRequestsTotal.WithLabelValues("metadata", "hit").Inc()
		var md = v.(pb.Metadata)
		return &md, nil
	}
	cacheRequestsTotal.WithLabelValues("metadata", "miss").Inc()

	var cs, err = s.readSnapshot(ctx, id)
	if cs == nil || err != nil {
		return nil, err
	}
	var md = pb.BuildMetadata(cs.snap, cs.size)
	return &md, nil
}

func logConfigurationError(op string, err error) {
	if backend.IsConfiguration(err) {
		log.WithFields(log.Fields{
			"op":  op,
			"err": err,
		}).Error("snapshot backend is misconfigured and requires operator action")
	}
}
