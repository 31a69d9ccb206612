package snapshotstore

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

// CleanupReport is the outcome of a retention pass. Failures are recorded
// as Warnings rather than returned.
type CleanupReport struct {
	// Deleted snapshots, newest first.
	Deleted []string `json:"deleted" yaml:"deleted"`
	// Kept snapshots, newest first.
	Kept     []string `json:"kept" yaml:"kept"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Cleanup applies the Store's RetentionConfig. The newest successful
// snapshot and the pointer target are always kept. Otherwise a snapshot is
// removed if it's older than MaxAgeDays and at least MaxSnapshots newer
// snapshots are kept, or if it's older than twice MaxAgeDays. Corrupted
// snapshots are removed. Concurrent calls are serialized.
func (s *Store) Cleanup(ctx context.Context) CleanupReport {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	var report = CleanupReport{Deleted: []string{}, Kept: []string{}}
	var warn = func(format string, args ...interface{}) {
		var msg = fmt.Sprintf(format, args...)
		report.Warnings = append(report.Warnings, msg)
		log.Warn("retention: " + msg)
	}

	var ids, err = s.backend.ListSnapshotIDs(ctx)
	if err != nil {
		warn("listing snapshots: %s", err)
		return report
	}
	pb.SortIDsDescending(ids)

	var pointerID string
	if body, err := s.backend.ReadPointer(ctx); err == nil {
		if ptr, err := pb.DecodePointer(body); err == nil {
			pointerID = ptr.SnapshotID
		}
	} else if !backend.IsNotFound(err) {
		// Without knowing the pointer target, nothing can be safely removed.
		warn("reading pointer: %s", err)
		report.Kept = append(report.Kept, ids...)
		return report
	}

	var now, maxAge = s.now(), time.Duration(s.retention.MaxAgeDays) * 24 * time.Hour
	var rank int
	var keptSuccess bool
	var deletions []string

	for _, id := range ids {
		var md, err = s.readMetadata(ctx, id)

		switch {
		case backend.IsCorruption(err):
			if id == pointerID {
				warn("snapshot %s is corrupted, but referenced by the pointer", id)
				report.Kept = append(report.Kept, id)
			} else {
				deletions = append(deletions, id)
			}
			continue
		case err != nil:
			warn("reading snapshot %s: %s", id, err)
			report.Kept = append(report.Kept, id)
			continue
		case md == nil:
			continue // Removed since listed.
		}

		var protected = id == pointerID || (!keptSuccess && md.Status == pb.StatusSuccess)
		if md.Status == pb.StatusSuccess {
			keptSuccess = true
		}
		var age = now.Sub(md.CreatedAt)

		if !protected && s.retention.MaxAgeDays > 0 &&
			((age > maxAge && rank >= s.retention.MaxSnapshots) || age > 2*maxAge) {
			deletions = append(deletions, id)
		} else {
			report.Kept = append(report.Kept, id)
		}
		rank++
	}

	for _, id := range deletions {
		if err := s.backend.DeleteSnapshot(ctx, id); err != nil && !backend.IsNotFound(err) {
			warn("deleting snapshot %s: %s", id, err)
			continue
		}
		s.invalidateID(id)
		report.Deleted = append(report.Deleted, id)
		cleanupDeletionsTotal.Inc()

		if s.index != nil {
			if err := s.index.Remove(ctx, id); err != nil {
				warn("removing snapshot %s from entity index: %s", id, err)
			}
		}
	}

	if len(report.Deleted) != 0 {
		log.WithFields(log.Fields{
			"deleted": report.Deleted,
			"kept":    len(report.Kept),
		}).Info("retention removed snapshots")
	}
	return report
}
