package snapshotstore

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

// WriteResult is the outcome of a successful WriteSnapshot.
type WriteResult struct {
	// PointerUpdated is true if the pointer now references the snapshot.
	PointerUpdated bool `json:"pointerUpdated" yaml:"pointerUpdated"`
	// Cleanup is the report of the retention pass which followed the write.
	Cleanup CleanupReport `json:"cleanup" yaml:"cleanup"`
	// Warnings are non-fatal failures of the write's follow-up steps.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// WriteSnapshot persists Snapshot |snap|. If its status is "success" the
// pointer is then updated to reference it, unless the pointer already
// references a newer valid snapshot. Failures to write the body or the
// pointer are returned. Failures of index maintenance and retention are
// reported as WriteResult warnings.
func (s *Store) WriteSnapshot(ctx context.Context, snap *pb.Snapshot) (WriteResult, error) {
	var res WriteResult

	if snap == nil {
		return res, pb.NewValidationError("expected Snapshot")
	} else if err := snap.Validate(); err != nil {
		return res, err
	}
	var body, err = pb.EncodeSnapshot(snap)
	if err != nil {
		return res, err
	}

	if err = s.backend.WriteSnapshot(ctx, snap.ID, body); err != nil {
		writesTotal.WithLabelValues("failed").Inc()
		return res, s.opError("write_snapshot", snap.ID, err)
	}
	s.invalidateID(snap.ID)

	var fields = log.Fields{
		"id":       snap.ID,
		"status":   snap.Status,
		"entities": len(snap.Payload.Entities),
		"size":     len(body),
	}

	if snap.IsSuccess() {
		var newer, err = s.newerPointerTarget(ctx, snap.ID)
		if err != nil {
			s.invalidateCurrent()
			return res, s.opError("read_pointer", "", err)
		}

		if newer != "" {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("pointer retained at newer snapshot %s", newer))
		} else {
			if body, err = pb.EncodePointer(pb.NewPointer(snap, s.now())); err != nil {
				return res, err
			} else if err = s.backend.WritePointer(ctx, body); err != nil {
				s.invalidateCurrent()
				writesTotal.WithLabelValues("failed").Inc()
				return res, s.opError("write_pointer", snap.ID, err)
			}
			res.PointerUpdated = true
		}
	}
	s.invalidateCurrent()
	writesTotal.WithLabelValues(string(snap.Status)).Inc()
	log.WithFields(fields).WithField("pointerUpdated", res.PointerUpdated).Info("wrote snapshot")

	if s.index != nil {
		if err = s.index.Append(ctx, snap.ID, snap.EntityKeys()...); err != nil {
			log.WithFields(log.Fields{"id": snap.ID, "err": err}).Warn("failed to update entity index")
			res.Warnings = append(res.Warnings, fmt.Sprintf("updating entity index: %s", err))
		}
	}

	res.Cleanup = s.Cleanup(ctx)
	return res, nil
}

// newerPointerTarget returns the ID referenced by the pointer if it's a
// valid successful snapshot newer than |id|, or empty.
func (s *Store) newerPointerTarget(ctx context.Context, id string) (string, error) {
	var body, err = s.backend.ReadPointer(ctx)
	if backend.IsNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	ptr, err := pb.DecodePointer(body)
	if err != nil || ptr.Validate() != nil || ptr.SnapshotID <= id {
		return "", nil
	}

	cs, err := s.readSnapshot(ctx, ptr.SnapshotID)
	if err != nil && !backend.IsCorruption(err) {
		return "", err
	} else if cs == nil || !cs.snap.IsSuccess() {
		return "", nil
	}
	return ptr.SnapshotID, nil
}

// DeleteSnapshot administratively removes snapshot |id|. It returns
// backend.ErrNotFound if there is no such snapshot. If the pointer
// referenced |id|, it's repaired to reference the next newest successful
// snapshot, or removed if there is none.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if err := pb.ValidateID(id); err != nil {
		return pb.ExtendContext(err, "ID")
	}

	var wasCurrent bool
	if body, err := s.backend.ReadPointer(ctx); err == nil {
		if ptr, err := pb.DecodePointer(body); err == nil {
			wasCurrent = ptr.SnapshotID == id
		}
	}

	if err := s.backend.DeleteSnapshot(ctx, id); backend.IsNotFound(err) {
		return err
	} else if err != nil {
		return s.opError("delete_snapshot", id, err)
	}
	s.invalidateID(id)
	s.invalidateCurrent()
	log.WithFields(log.Fields{"id": id, "current": wasCurrent}).Info("deleted snapshot")

	if s.index != nil {
		if err := s.index.Remove(ctx, id); err != nil {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to update entity index")
		}
	}
	if wasCurrent {
		if _, err := s.RecoverFromCorruption(ctx, s.autoOpts); err != nil {
			return s.opError("repair_pointer", id, err)
		}
	}
	return nil
}

// opError wraps |err| with the backend and operation, unless it's already
// attributed or describes the backend's availability.
func (s *Store) opError(op, id string, err error) error {
	var oe *backend.OpError
	var ue *backend.UnavailableError
	var ce *backend.ConfigurationError

	if errors.As(err, &oe) || errors.As(err, &ue) || errors.As(err, &ce) {
		return err
	}
	return &backend.OpError{Backend: s.backend.Provider(), Op: op, ID: id, Err: err}
}
