// Package integrity inspects stored snapshots and the current pointer for
// structural and consistency corruption. It's purely diagnostic: nothing in
// this package mutates a backend.
package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
	"golang.org/x/sync/errgroup"
)

// IssueCode enumerates kinds of corruption.
type IssueCode string

const (
	// CodeUnreadable is a document which exists, but can't be read.
	CodeUnreadable IssueCode = "unreadable"
	// CodeNotFound is a document which doesn't exist.
	CodeNotFound IssueCode = "not-found"
	// CodeUnparsable is a document which can't be decoded.
	CodeUnparsable IssueCode = "unparsable"
	// CodeStructure is a decoded document which fails validation.
	CodeStructure IssueCode = "structure"
	// CodeIDMismatch is a snapshot whose ID differs from the ID it's stored under.
	CodeIDMismatch IssueCode = "id-mismatch"
)

// Issue is a single finding of a validation.
type Issue struct {
	Code    IssueCode `json:"code" yaml:"code"`
	Message string    `json:"message" yaml:"message"`
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s", i.Code, i.Message) }

// SnapshotReport is the validation outcome of one snapshot.
type SnapshotReport struct {
	ID      string    `json:"id" yaml:"id"`
	IsValid bool      `json:"isValid" yaml:"isValid"`
	Issues  []Issue   `json:"issues,omitempty" yaml:"issues,omitempty"`
	Status  pb.Status `json:"status,omitempty" yaml:"status,omitempty"`
	// Size of the encoded snapshot.
	SizeBytes int64 `json:"sizeBytes" yaml:"sizeBytes"`
	// Snapshot is the decoded snapshot, if IsValid.
	Snapshot *pb.Snapshot `json:"-" yaml:"-"`
	// Err is the backend error which prevented reading the snapshot, if any.
	Err error `json:"-" yaml:"-"`
}

// PointerReport is the validation outcome of the current pointer.
type PointerReport struct {
	Present   bool       `json:"present" yaml:"present"`
	Parseable bool       `json:"parseable" yaml:"parseable"`
	Pointer   pb.Pointer `json:"pointer" yaml:"pointer"`
	// TargetExists is true if the referenced snapshot exists.
	TargetExists bool `json:"targetExists" yaml:"targetExists"`
	// TargetSuccess is true if the referenced snapshot has status "success".
	TargetSuccess bool `json:"targetSuccess" yaml:"targetSuccess"`
	// TargetValid is true if the referenced snapshot passes validation.
	TargetValid bool `json:"targetValid" yaml:"targetValid"`
	// VersionMismatch is true if the pointer's versions differ from those
	// of its target.
	VersionMismatch bool    `json:"versionMismatch" yaml:"versionMismatch"`
	Issues          []Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// IsValid returns true if the pointer is present, parseable, and references
// a valid snapshot of status "success".
func (r PointerReport) IsValid() bool {
	return r.Present && r.Parseable && r.TargetExists && r.TargetValid && r.TargetSuccess
}

// StoreReport aggregates validations of the pointer and every snapshot.
type StoreReport struct {
	Pointer   PointerReport    `json:"pointer" yaml:"pointer"`
	Snapshots []SnapshotReport `json:"snapshots" yaml:"snapshots"`
	// ValidIDs and CorruptedIDs are sorted newest first.
	ValidIDs     []string `json:"validIds" yaml:"validIds"`
	CorruptedIDs []string `json:"corruptedIds" yaml:"corruptedIds"`
	// LatestSuccessfulID is the newest valid snapshot having status
	// "success", or empty if there is none.
	LatestSuccessfulID string    `json:"latestSuccessfulId,omitempty" yaml:"latestSuccessfulId,omitempty"`
	IsHealthy          bool      `json:"isHealthy" yaml:"isHealthy"`
	Issues             []string  `json:"issues,omitempty" yaml:"issues,omitempty"`
	CheckedAt          time.Time `json:"checkedAt" yaml:"checkedAt"`
}

// Snapshot returns the SnapshotReport of |id|, if there is one.
func (r *StoreReport) Snapshot(id string) (SnapshotReport, bool) {
	for _, s := range r.Snapshots {
		if s.ID == id {
			return s, true
		}
	}
	return SnapshotReport{}, false
}

// Validator validates the documents of a backend.Backend.
type Validator struct {
	backend backend.Backend
	// Concurrency of snapshot reads during ValidateStore.
	Concurrency int
	now         func() time.Time
}

// NewValidator returns a Validator of Backend |b|.
func NewValidator(b backend.Backend) *Validator {
	return &Validator{backend: b, Concurrency: 4, now: time.Now}
}

// ValidateSnapshot reads and validates snapshot |id|.
func (v *Validator) ValidateSnapshot(ctx context.Context, id string) SnapshotReport {
	var report = SnapshotReport{ID: id}

	var body, err = v.backend.ReadSnapshot(ctx, id)
	switch {
	case backend.IsNotFound(err):
		report.Issues = append(report.Issues, Issue{CodeNotFound, fmt.Sprintf("snapshot %s does not exist", id)})
		return report
	case backend.IsCorruption(err):
		report.Issues = append(report.Issues, Issue{CodeUnparsable, err.Error()})
		return report
	case err != nil:
		report.Issues = append(report.Issues, Issue{CodeUnreadable, err.Error()})
		report.Err = err
		return report
	}
	report.SizeBytes = int64(len(body))

	return CheckBody(id, body, report)
}

// CheckBody validates the encoded |body| of snapshot |id|, adding findings
// to |report|.
func CheckBody(id string, body []byte, report SnapshotReport) SnapshotReport {
	report.ID = id

	var snap, err = pb.DecodeSnapshot(body)
	if err != nil {
		report.Issues = append(report.Issues, Issue{CodeUnparsable, err.Error()})
		return report
	}
	report.Status = snap.Status

	if err = snap.Validate(); err != nil {
		report.Issues = append(report.Issues, Issue{CodeStructure, err.Error()})
	}
	if snap.ID != id {
		report.Issues = append(report.Issues, Issue{CodeIDMismatch,
			fmt.Sprintf("snapshot stored as %s has ID %s", id, snap.ID)})
	}

	if report.IsValid = len(report.Issues) == 0; report.IsValid {
		report.Snapshot = snap
	}
	return report
}

// ValidatePointer reads and validates the current pointer, and its target.
func (v *Validator) ValidatePointer(ctx context.Context) (PointerReport, error) {
	return v.pointerOf(ctx, new(StoreReport))
}

func (v *Validator) crossCheck(report *PointerReport, target SnapshotReport) {
	var id = report.Pointer.SnapshotID

	for _, issue := range target.Issues {
		if issue.Code == CodeNotFound {
			report.Issues = append(report.Issues, Issue{CodeNotFound,
				fmt.Sprintf("pointer references missing snapshot %s", id)})
			return
		}
	}
	report.TargetExists = true
	report.TargetSuccess = target.Status == pb.StatusSuccess
	report.TargetValid = target.IsValid

	if !report.TargetValid {
		report.Issues = append(report.Issues, Issue{CodeStructure,
			fmt.Sprintf("pointer references corrupted snapshot %s", id)})
	} else if !report.TargetSuccess {
		report.Issues = append(report.Issues, Issue{CodeStructure,
			fmt.Sprintf("pointer references snapshot %s having status %s", id, target.Status)})
	}
	if target.Snapshot != nil &&
		(target.Snapshot.SchemaVersion != report.Pointer.SchemaVersion ||
			target.Snapshot.CalculationVersion != report.Pointer.CalculationVersion) {
		report.VersionMismatch = true
		report.Issues = append(report.Issues, Issue{CodeStructure, fmt.Sprintf(
			"pointer versions (%s, %s) differ from snapshot %s (%s, %s)",
			report.Pointer.SchemaVersion, report.Pointer.CalculationVersion, id,
			target.Snapshot.SchemaVersion, target.Snapshot.CalculationVersion)})
	}
}

// ValidateStore validates the pointer and every stored snapshot. An error is
// returned only if the backend couldn't be read.
func (v *Validator) ValidateStore(ctx context.Context) (StoreReport, error) {
	var report = StoreReport{CheckedAt: v.now().UTC()}

	var ids, err = v.backend.ListSnapshotIDs(ctx)
	if err != nil {
		return report, err
	}
	pb.SortIDsDescending(ids)

	report.Snapshots = make([]SnapshotReport, len(ids))
	var mu sync.Mutex
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(maxInt(v.Concurrency, 1))

	for i, id := range ids {
		var i, id = i, id
		group.Go(func() error {
			var r = v.ValidateSnapshot(groupCtx, id)
			if r.Err != nil {
				return r.Err
			}
			mu.Lock()
			report.Snapshots[i] = r
			mu.Unlock()
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return report, err
	}

	for _, r := range report.Snapshots {
		if r.IsValid {
			report.ValidIDs = append(report.ValidIDs, r.ID)
			if report.LatestSuccessfulID == "" && r.Status == pb.StatusSuccess {
				report.LatestSuccessfulID = r.ID
			}
		} else {
			report.CorruptedIDs = append(report.CorruptedIDs, r.ID)
			for _, issue := range r.Issues {
				report.Issues = append(report.Issues, fmt.Sprintf("snapshot %s: %s", r.ID, issue))
			}
		}
	}

	if report.Pointer, err = v.pointerOf(ctx, &report); err != nil {
		return report, err
	}
	for _, issue := range report.Pointer.Issues {
		report.Issues = append(report.Issues, fmt.Sprintf("pointer: %s", issue))
	}

	// A store without any snapshot and without a pointer is empty, not unhealthy.
	var empty = len(ids) == 0 && !report.Pointer.Present
	report.IsHealthy = len(report.CorruptedIDs) == 0 &&
		(empty || (report.Pointer.IsValid() && !report.Pointer.VersionMismatch))
	if empty {
		report.Issues = nil
	}

	if !report.IsHealthy {
		log.WithFields(log.Fields{
			"corrupted":  report.CorruptedIDs,
			"pointer":    report.Pointer.Pointer.SnapshotID,
			"pointerOK":  report.Pointer.IsValid(),
			"latestGood": report.LatestSuccessfulID,
		}).Debug("store validation found issues")
	}
	return report, nil
}

// pointerOf validates the pointer, re-using snapshot reports of |store|.
func (v *Validator) pointerOf(ctx context.Context, store *StoreReport) (PointerReport, error) {
	var report PointerReport

	var body, err = v.backend.ReadPointer(ctx)
	switch {
	case backend.IsNotFound(err):
		report.Issues = append(report.Issues, Issue{CodeNotFound, "pointer does not exist"})
		return report, nil
	case err != nil:
		return report, err
	}
	report.Present = true

	if report.Pointer, err = pb.DecodePointer(body); err != nil {
		report.Issues = append(report.Issues, Issue{CodeUnparsable, err.Error()})
		return report, nil
	} else if err = report.Pointer.Validate(); err != nil {
		report.Issues = append(report.Issues, Issue{CodeStructure, err.Error()})
		return report, nil
	}
	report.Parseable = true

	var target, ok = store.Snapshot(report.Pointer.SnapshotID)
	if !ok {
		target = v.ValidateSnapshot(ctx, report.Pointer.SnapshotID)
		if target.Err != nil {
			return report, target.Err
		}
	}
	v.crossCheck(&report, target)
	return report, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
