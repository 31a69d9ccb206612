package snapshotstore

import (
	"context"
	"errors"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
	"golang.org/x/sync/errgroup"
)

// GetLatestSuccessful returns the newest snapshot of status "success". It
// returns (nil, nil) if there is none. A missing or damaged pointer is
// recovered from, and isn't returned as an error. A misconfigured backend
// is logged for operators, and also reads as (nil, nil). Errors are
// returned only if the backend is unavailable.
func (s *Store) GetLatestSuccessful(ctx context.Context) (*pb.Snapshot, error) {
	if snap, ok := s.cachedLatest(ctx); ok {
		cacheRequestsTotal.WithLabelValues("current", "hit").Inc()
		return snap, nil
	}
	cacheRequestsTotal.WithLabelValues("current", "miss").Inc()

	var gen = s.currentGeneration()
	var v, err = s.flight(ctx, "current@"+strconv.FormatUint(gen, 10),
		func(ctx context.Context) (interface{}, error) {
			var fp = s.fingerprint(ctx)

			var snap, err = s.resolveLatest(ctx)
			if err != nil || snap == nil {
				return nil, err
			}

			s.mu.Lock()
			if s.generation == gen {
				s.current = &cachedCurrent{snap: snap, at: s.now(), fingerprint: fp}
			}
			s.mu.Unlock()
			return snap, nil
		})

	if err != nil {
		return nil, safeRead("get_latest_successful", err)
	} else if v == nil {
		return nil, nil
	}
	return v.(*pb.Snapshot), nil
}

// cachedLatest returns the cached latest snapshot if it's within its TTL,
// and the pointer fingerprint is unchanged.
func (s *Store) cachedLatest(ctx context.Context) (*pb.Snapshot, bool) {
	s.mu.Lock()
	var cur = s.current
	s.mu.Unlock()

	if cur == nil || s.now().Sub(cur.at) >= s.ttl {
		return nil, false
	}
	if cur.fingerprint != "" && s.fingerprint(ctx) != cur.fingerprint {
		log.WithField("id", cur.snap.ID).Debug("pointer changed since cached; refreshing")
		return nil, false
	}
	return cur.snap, true
}

// resolveLatest reads the pointer and its target, falling back to recovery
// and a scan of snapshots if either is missing or damaged.
func (s *Store) resolveLatest(ctx context.Context) (*pb.Snapshot, error) {
	var snap, err = s.viaPointer(ctx)
	if snap != nil || (err != nil && !recoverable(err)) {
		return snap, err
	}
	if err != nil {
		log.WithField("err", err).Warn("current pointer is unusable; recovering")
	}

	var res, recErr = s.recovery.Recover(ctx, s.autoOpts)
	if recErr != nil {
		if !recoverable(recErr) {
			return nil, recErr
		}
		log.WithField("err", recErr).Warn("automatic recovery failed")
	} else {
		if res.RecoveryType.IsPointerRepair() && res.PointerTarget != "" {
			pointerRepairsTotal.Inc()
		}
		s.snapshots.Purge()
		s.metadata.Purge()
		if snap, err = s.viaPointer(ctx); snap != nil || (err != nil && !recoverable(err)) {
			return snap, err
		}
	}
	return s.scanLatest(ctx, true)
}

// viaPointer returns the valid, successful snapshot referenced by the
// pointer. It returns (nil, nil) if there is no pointer, and a
// recoverable error if the pointer or its target is damaged.
func (s *Store) viaPointer(ctx context.Context) (*pb.Snapshot, error) {
	var body, err = s.backend.ReadPointer(ctx)
	if backend.IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	ptr, err := pb.DecodePointer(body)
	if err == nil {
		err = ptr.Validate()
	}
	if err != nil {
		return nil, &backend.CorruptionError{ID: "pointer", Err: err}
	}

	cs, err := s.readSnapshot(ctx, ptr.SnapshotID)
	if err != nil {
		return nil, err
	} else if cs == nil {
		return nil, &backend.CorruptionError{ID: "pointer",
			Err: errors.New("references missing snapshot " + ptr.SnapshotID)}
	} else if !cs.snap.IsSuccess() {
		return nil, &backend.CorruptionError{ID: "pointer",
			Err: errors.New("references snapshot " + ptr.SnapshotID + " having status " + string(cs.snap.Status))}
	}
	return cs.snap, nil
}

// scanLatest returns the newest valid snapshot, restricted to status
// "success" if |successOnly|. A backend LatestFinder is consulted first.
// If |successOnly| and the pointer doesn't reference the result, it's rewritten.
func (s *Store) scanLatest(ctx context.Context, successOnly bool) (*pb.Snapshot, error) {
	if successOnly {
		if lf, ok := s.backend.(backend.LatestFinder); ok {
			var id, err = lf.LatestSuccessfulID(ctx)
			if err == nil {
				if cs, err := s.readSnapshot(ctx, id); err == nil && cs != nil && cs.snap.IsSuccess() {
					s.repairPointer(ctx, cs.snap)
					return cs.snap, nil
				}
			} else if backend.IsConfiguration(err) {
				logConfigurationError("latest_successful_id", err)
			} else if !backend.IsNotFound(err) && !errors.Is(err, backend.ErrUnsupported) && !recoverable(err) {
				return nil, err
			}
		}
	}

	var ids, err = s.backend.ListSnapshotIDs(ctx)
	if err != nil {
		return nil, err
	}
	pb.SortIDsDescending(ids)

	for _, id := range ids {
		var cs, err = s.readSnapshot(ctx, id)
		if backend.IsCorruption(err) {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("skipping corrupted snapshot")
			continue
		} else if err != nil {
			return nil, err
		} else if cs == nil || (successOnly && !cs.snap.IsSuccess()) {
			continue
		}

		if successOnly {
			s.repairPointer(ctx, cs.snap)
		}
		return cs.snap, nil
	}
	return nil, nil
}

// repairPointer rewrites the pointer to reference |snap|, unless it already
// does or it references a newer valid successful snapshot. Failures are logged.
func (s *Store) repairPointer(ctx context.Context, snap *pb.Snapshot) {
	if newer, err := s.newerPointerTarget(ctx, snap.ID); err != nil {
		log.WithFields(log.Fields{"id": snap.ID, "err": err}).Warn("failed to read pointer for repair")
		return
	} else if newer != "" {
		log.WithFields(log.Fields{"id": snap.ID, "current": newer}).Debug("pointer references a newer snapshot")
		return
	}
	if body, err := s.backend.ReadPointer(ctx); err == nil {
		if ptr, err := pb.DecodePointer(body); err == nil && ptr.Validate() == nil &&
			ptr.SnapshotID == snap.ID &&
			ptr.SchemaVersion == snap.SchemaVersion &&
			ptr.CalculationVersion == snap.CalculationVersion {
			return
		}
	}

	var body, err = pb.EncodePointer(pb.NewPointer(snap, s.now()))
	if err == nil {
		err = s.backend.WritePointer(ctx, body)
	}
	if err != nil {
		log.WithFields(log.Fields{"id": snap.ID, "err": err}).Warn("failed to repair pointer")
		return
	}
	pointerRepairsTotal.Inc()
	log.WithField("id", snap.ID).Info("repaired pointer")
}

// safeRead returns |err| unless it's a *backend.ConfigurationError, which
// is logged for operators and read as an absent result.
func safeRead(op string, err error) error {
	if backend.IsConfiguration(err) {
		logConfigurationError(op, err)
		return nil
	}
	return err
}

// recoverable returns true if |err| is a missing or damaged document,
// rather than a failure of the backend itself.
func recoverable(err error) bool {
	return backend.IsNotFound(err) || backend.IsCorruption(err)
}

// GetLatest returns the newest valid snapshot regardless of status, or
// (nil, nil) if there is none. It doesn't consult or repair the pointer.
func (s *Store) GetLatest(ctx context.Context) (*pb.Snapshot, error) {
	var v, err = s.flight(ctx, s.flightKey("latest"), func(ctx context.Context) (interface{}, error) {
		var snap, err = s.scanLatest(ctx, false)
		if snap == nil {
			return nil, err
		}
		return snap, err
	})
	if err != nil {
		return nil, safeRead("get_latest", err)
	} else if v == nil {
		return nil, nil
	}
	return v.(*pb.Snapshot), nil
}

// GetSnapshot returns snapshot |id|, or (nil, nil) if it doesn't exist. A
// snapshot which exists but fails validation is a *backend.CorruptionError.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*pb.Snapshot, error) {
	if err := pb.ValidateID(id); err != nil {
		return nil, pb.ExtendContext(err, "ID")
	}
	var v, err = s.flight(ctx, s.flightKey("snapshot:"+id), func(ctx context.Context) (interface{}, error) {
		var cs, err = s.readSnapshot(ctx, id)
		if cs == nil {
			return nil, err
		}
		return cs.snap, err
	})
	if err != nil {
		return nil, safeRead("get_snapshot", err)
	} else if v == nil {
		return nil, nil
	}
	return v.(*pb.Snapshot), nil
}

// GetMetadata returns the Metadata of snapshot |id|, or (nil, nil) if it
// doesn't exist.
func (s *Store) GetMetadata(ctx context.Context, id string) (*pb.Metadata, error) {
	if err := pb.ValidateID(id); err != nil {
		return nil, pb.ExtendContext(err, "ID")
	}
	var md, err = s.readMetadata(ctx, id)
	if err != nil {
		return nil, safeRead("get_metadata", err)
	}
	return md, nil
}

// GetManifest returns the Manifest of snapshot |id|, or (nil, nil) if it
// doesn't exist.
func (s *Store) GetManifest(ctx context.Context, id string) (*pb.Manifest, error) {
	var snap, err = s.GetSnapshot(ctx, id)
	if snap == nil {
		return nil, err
	}
	var m = pb.BuildManifest(snap)
	return &m, nil
}

// ListSnapshots returns the Metadata of snapshots matching |filter|, newest
// first. At most |limit| are returned, or all of them if |limit| <= 0.
// Corrupted snapshots are skipped. A misconfigured backend lists nothing.
func (s *Store) ListSnapshots(ctx context.Context, limit int, filter pb.ListFilter) ([]pb.Metadata, error) {
	var v, err = s.flight(ctx, s.flightKey("list"), s.listAll)
	if err != nil {
		if err = safeRead("list_snapshots", err); err == nil {
			return []pb.Metadata{}, nil
		}
		return nil, err
	}

	var out = []pb.Metadata{}
	for _, md := range v.([]pb.Metadata) {
		if !filter.Matches(md) {
			continue
		}
		out = append(out, md)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// listAll returns the Metadata of every valid snapshot, newest first.
func (s *Store) listAll(ctx context.Context) (interface{}, error) {
	var ids, err = s.backend.ListSnapshotIDs(ctx)
	if err != nil {
		return nil, err
	}

	var all = make([]*pb.Metadata, len(ids))
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(listConcurrency)

	for i, id := range ids {
		var i, id = i, id
		group.Go(func() error {
			var md, err = s.readMetadata(groupCtx, id)
			if backend.IsCorruption(err) {
				log.WithFields(log.Fields{"id": id, "err": err}).Warn("skipping corrupted snapshot")
				return nil
			} else if err != nil {
				return err
			}
			all[i] = md // Nil if removed since listed.
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return nil, err
	}

	var out = make([]pb.Metadata, 0, len(all))
	for _, md := range all {
		if md != nil {
			out = append(out, *md)
		}
	}
	sortMetadata(out)
	return out, nil
}

// sortMetadata orders by descending CreatedAt, and then descending ID.
func sortMetadata(md []pb.Metadata) {
	sort.SliceStable(md, func(i, j int) bool {
		if !md[i].CreatedAt.Equal(md[j].CreatedAt) {
			return md[i].CreatedAt.After(md[j].CreatedAt)
		}
		return md[i].ID > md[j].ID
	})
}

const listConcurrency = 8
