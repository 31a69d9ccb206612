package snapshotstore

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/index"
	"go.snapstore.dev/core/integrity"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/recovery"
)

// IsReady returns true if the backend is reachable and writable.
func (s *Store) IsReady(ctx context.Context) bool {
	var err = s.CheckReady(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"backend": s.backend.Provider(),
			"err":     err,
		}).Warn("snapshot backend is not ready")
	}
	return err == nil
}

// CheckReady returns the reason the backend isn't ready, or nil.
func (s *Store) CheckReady(ctx context.Context) error {
	var err = s.backend.CheckReady(ctx)
	logConfigurationError("check_ready", err)
	return err
}

// ValidateIntegrity validates the pointer and every snapshot, without
// modifying the store.
func (s *Store) ValidateIntegrity(ctx context.Context) (integrity.StoreReport, error) {
	return s.validator.ValidateStore(ctx)
}

// RecoverFromCorruption repairs the store under Options |opts|. Caches are
// invalidated afterwards.
func (s *Store) RecoverFromCorruption(ctx context.Context, opts recovery.Options) (recovery.Result, error) {
	var res, err = s.recovery.Recover(ctx, opts)
	s.InvalidateCaches()

	if err == nil && res.RecoveryType.IsPointerRepair() && res.PointerTarget != "" {
		pointerRepairsTotal.Inc()
	}
	return res, err
}

// GetRecoveryGuidance advises an operator of the repair of the store.
func (s *Store) GetRecoveryGuidance(ctx context.Context) (recovery.Guidance, error) {
	return s.recovery.Guidance(ctx)
}

// SnapshotsForEntity returns the IDs of snapshots containing entity |key|,
// newest first. It requires a Config.EntityIndex.
func (s *Store) SnapshotsForEntity(ctx context.Context, key string) ([]string, error) {
	if s.index == nil {
		return nil, ErrNoEntityIndex
	} else if err := pb.ValidateToken(key, 1, 256); err != nil {
		return nil, pb.ExtendContext(err, "Key")
	}
	return s.index.Lookup(ctx, key)
}

// EntityIndexRebuilder returns an index.RebuildFunc which builds index
// entries from every valid snapshot of Backend |b|.
func EntityIndexRebuilder(b backend.Backend) index.RebuildFunc {
	return func(ctx context.Context) (map[string][]string, error) {
		var ids, err = b.ListSnapshotIDs(ctx)
		if err != nil {
			return nil, err
		}
		var entries = make(map[string][]string)

		for _, id := range ids {
			var body, err = b.ReadSnapshot(ctx, id)
			if backend.IsNotFound(err) || backend.IsCorruption(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			var report = integrity.CheckBody(id, body, integrity.SnapshotReport{})
			if !report.IsValid {
				continue
			}
			for _, key := range report.Snapshot.EntityKeys() {
				entries[key] = append(entries[key], id)
			}
		}
		return entries, nil
	}
}
