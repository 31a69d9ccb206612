// Package recovery repairs or safely discards corrupted store state using
// the findings of an integrity.Validator. Recovery rewrites or removes the
// current pointer, and may back up and remove corrupted snapshots. It never
// modifies the content of a snapshot, and never invents a pointer target.
package recovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/integrity"
	pb "go.snapstore.dev/core/protocol"
)

// Type classifies the corruption of a store.
type Type string

const (
	TypeNone                   Type = "none"
	TypePointerMissing         Type = "pointer-missing"
	TypePointerCorrupted       Type = "pointer-corrupted"
	TypePointerNonSuccess      Type = "pointer-non-success"
	TypePointerTargetMissing   Type = "pointer-target-missing"
	TypePointerTargetCorrupted Type = "pointer-target-corrupted"
	TypePointerVersionMismatch Type = "pointer-version-mismatch"
	TypeCorruptedSnapshots     Type = "corrupted-snapshots"
	TypeNoRecoverableSnapshot  Type = "no-recoverable-snapshot"
)

// IsPointerRepair returns true if the Type is repaired by rewriting or
// removing the pointer.
func (t Type) IsPointerRepair() bool {
	switch t {
	case TypePointerMissing, TypePointerCorrupted, TypePointerNonSuccess,
		TypePointerTargetMissing, TypePointerTargetCorrupted,
		TypePointerVersionMismatch, TypeNoRecoverableSnapshot:
		return true
	}
	return false
}

// Urgency of operator attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Options of a recovery attempt.
type Options struct {
	// CreateBackups writes a backup of each corrupted document before it's
	// rewritten or removed.
	CreateBackups bool `long:"backups" description:"Back up corrupted documents before modifying them"`
	// RemoveCorruptedFiles removes corrupted snapshots.
	RemoveCorruptedFiles bool `long:"remove-corrupted" description:"Remove corrupted snapshots (destructive)"`
	// ForceRecovery permits removals which would leave no snapshot at all,
	// and removal of snapshots whose backup failed.
	ForceRecovery bool `long:"force" description:"Permit removals which leave no snapshots, or whose backup failed"`
}

// ConservativeOptions create backups, and neither remove nor force.
func ConservativeOptions() Options { return Options{CreateBackups: true} }

// Result of a recovery attempt.
type Result struct {
	// Success is true if, after recovery, the pointer references a valid
	// snapshot of status "success", or the store holds no snapshots at all.
	Success               bool     `json:"success" yaml:"success"`
	RecoveryType          Type     `json:"recoveryType" yaml:"recoveryType"`
	ActionsTaken          []string `json:"actionsTaken" yaml:"actionsTaken"`
	RemainingIssues       []string `json:"remainingIssues" yaml:"remainingIssues"`
	ManualStepsRequired   []string `json:"manualStepsRequired" yaml:"manualStepsRequired"`
	Urgency               Urgency  `json:"urgency" yaml:"urgency"`
	EstimatedRecoveryTime string   `json:"estimatedRecoveryTime" yaml:"estimatedRecoveryTime"`
	// PointerTarget is the snapshot ID the pointer references after
	// recovery, or empty if there is no pointer.
	PointerTarget string `json:"pointerTarget,omitempty" yaml:"pointerTarget,omitempty"`
}

// Guidance is operator-facing advice for a store's current state.
type Guidance struct {
	RecoveryType          Type     `json:"recoveryType" yaml:"recoveryType"`
	Urgency               Urgency  `json:"urgency" yaml:"urgency"`
	EstimatedRecoveryTime string   `json:"estimatedRecoveryTime" yaml:"estimatedRecoveryTime"`
	CanAutoRecover        bool     `json:"canAutoRecover" yaml:"canAutoRecover"`
	Steps                 []string `json:"steps" yaml:"steps"`
	Issues                []string `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Classify the corruption described by StoreReport |r|. Pointer problems
// take precedence over corrupted snapshots not referenced by the pointer.
func Classify(r integrity.StoreReport) Type {
	var p = r.Pointer
	var pointerType = TypeNone

	switch {
	case !p.Present:
		if len(r.Snapshots) != 0 {
			pointerType = TypePointerMissing
		}
	case !p.Parseable:
		pointerType = TypePointerCorrupted
	case !p.TargetExists:
		pointerType = TypePointerTargetMissing
	case !p.TargetValid:
		pointerType = TypePointerTargetCorrupted
	case !p.TargetSuccess:
		pointerType = TypePointerNonSuccess
	case p.VersionMismatch:
		pointerType = TypePointerVersionMismatch
	}

	switch {
	case pointerType != TypeNone && pointerType != TypePointerVersionMismatch && r.LatestSuccessfulID == "":
		// The pointer can't be repaired, as nothing valid may be referenced.
		return TypeNoRecoverableSnapshot
	case pointerType != TypeNone:
		return pointerType
	case len(r.CorruptedIDs) != 0:
		return TypeCorruptedSnapshots
	}
	return TypeNone
}

// Service performs recoveries of a backend.Backend.
type Service struct {
	backend   backend.Backend
	validator *integrity.Validator
	now       func() time.Time
	// Backups written by this Service, keyed on document name and content
	// digest. A document which is unchanged since its last backup isn't
	// backed up again.
	backups *lru.Cache
}

// NewService returns a Service of Backend |b|, validated by |v|.
func NewService(b backend.Backend, v *integrity.Validator) *Service {
	var backups, _ = lru.New(backupCacheSize)
	return &Service{backend: b, validator: v, now: time.Now, backups: backups}
}

// SetClock replaces the Service's clock. It's intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Recover validates the store and repairs what it can under Options |opts|.
// An error is returned only if the store couldn't be validated: failures of
// individual repair actions are reported as RemainingIssues.
func (s *Service) Recover(ctx context.Context, opts Options) (Result, error) {
	var report, err = s.validator.ValidateStore(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.RecoverFrom(ctx, report, opts), nil
}

// RecoverFrom repairs the store described by StoreReport |report|.
func (s *Service) RecoverFrom(ctx context.Context, report integrity.StoreReport, opts Options) Result {
	var typ = Classify(report)
	var urgency, estimate = assess(typ)

	var res = Result{
		RecoveryType:          typ,
		Urgency:               urgency,
		EstimatedRecoveryTime: estimate,
		ActionsTaken:          []string{},
		RemainingIssues:       []string{},
		ManualStepsRequired:   []string{},
	}
	if report.Pointer.IsValid() {
		res.PointerTarget = report.Pointer.Pointer.SnapshotID
	}

	if typ.IsPointerRepair() {
		s.repairPointer(ctx, report, opts, &res)
	}
	if len(report.CorruptedIDs) != 0 {
		s.handleCorrupted(ctx, report, opts, &res)
	}

	res.Success = res.PointerTarget != "" || (len(report.Snapshots) == 0 && !report.Pointer.Present)
	if typ == TypeNone {
		res.Success = true
	}

	var fields = log.Fields{
		"type":          typ,
		"success":       res.Success,
		"actions":       res.ActionsTaken,
		"pointerTarget": res.PointerTarget,
	}
	switch {
	case typ == TypeNone:
	case !res.Success:
		log.WithFields(fields).WithField("remaining", res.RemainingIssues).Error("store recovery failed")
	default:
		log.WithFields(fields).Info("store recovery completed")
	}
	recoveryTotal.WithLabelValues(string(typ), strconv.FormatBool(res.Success)).Inc()

	return res
}

func (s *Service) repairPointer(ctx context.Context, report integrity.StoreReport, opts Options, res *Result) {
	var present = report.Pointer.Present

	if present && opts.CreateBackups {
		// The pointer is re-derived from stored snapshots, so a failed
		// backup doesn't block its repair.
		if name, err := s.backupPointer(ctx); err != nil {
			res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("backing up pointer: %s", err))
		} else if name != "" {
			res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("backed up pointer as %s", name))
		}
	}

	var id = report.LatestSuccessfulID

	// A snapshot committed since |report| was taken may already have moved
	// the pointer forward. It's never moved back.
	if newer := s.newerPointerTarget(ctx, id); newer != "" {
		res.PointerTarget = newer
		res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("retained pointer at newer snapshot %s", newer))
		return
	}

	if id == "" {
		res.PointerTarget = ""
		res.RemainingIssues = append(res.RemainingIssues, "no valid snapshot having status success exists")
		res.ManualStepsRequired = append(res.ManualStepsRequired,
			"Write a new successful snapshot, or restore one from backup")

		if !present {
			return
		}
		if err := s.backend.DeletePointer(ctx); err != nil && !backend.IsNotFound(err) {
			res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("removing pointer: %s", err))
		} else {
			res.ActionsTaken = append(res.ActionsTaken, "removed pointer which referenced no valid successful snapshot")
		}
		return
	}

	var target, _ = report.Snapshot(id)
	var body, err = pb.EncodePointer(pb.NewPointer(target.Snapshot, s.now()))
	if err == nil {
		err = s.backend.WritePointer(ctx, body)
	}
	if err != nil {
		res.PointerTarget = ""
		res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("rewriting pointer: %s", err))
		res.ManualStepsRequired = append(res.ManualStepsRequired,
			fmt.Sprintf("Check backend availability, then point the store at snapshot %s", id))
		return
	}
	res.PointerTarget = id
	res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("rewrote pointer to snapshot %s", id))
}

// newerPointerTarget returns the ID referenced by the current pointer if
// it's a valid successful snapshot greater than |id|, or empty.
func (s *Service) newerPointerTarget(ctx context.Context, id string) string {
	var body, err = s.backend.ReadPointer(ctx)
	if err != nil {
		return ""
	}
	ptr, err := pb.DecodePointer(body)
	if err != nil || ptr.Validate() != nil || ptr.SnapshotID <= id {
		return ""
	}
	var target = s.validator.ValidateSnapshot(ctx, ptr.SnapshotID)
	if !target.IsValid || target.Status != pb.StatusSuccess {
		return ""
	}
	return ptr.SnapshotID
}

func (s *Service) handleCorrupted(ctx context.Context, report integrity.StoreReport, opts Options, res *Result) {
	// Unless forced, never remove the last snapshots of a store.
	var mayRemove = opts.RemoveCorruptedFiles && (opts.ForceRecovery || len(report.ValidIDs) != 0)

	if opts.RemoveCorruptedFiles && !mayRemove {
		res.ManualStepsRequired = append(res.ManualStepsRequired,
			"Every stored snapshot is corrupted; re-run with --force to remove them")
	}

	for _, id := range report.CorruptedIDs {
		var backedUp = !opts.CreateBackups

		if opts.CreateBackups {
			if name, err := s.backupSnapshot(ctx, id); err != nil {
				res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("backing up snapshot %s: %s", id, err))
			} else {
				backedUp = true
				res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("backed up snapshot %s as %s", id, name))
			}
		}

		if !mayRemove || (!backedUp && !opts.ForceRecovery) {
			res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("snapshot %s is corrupted", id))
			continue
		}
		if err := s.backend.DeleteSnapshot(ctx, id); err != nil && !backend.IsNotFound(err) {
			res.RemainingIssues = append(res.RemainingIssues, fmt.Sprintf("removing snapshot %s: %s", id, err))
			continue
		}
		res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("removed corrupted snapshot %s", id))
	}

	if !opts.RemoveCorruptedFiles {
		res.ManualStepsRequired = append(res.ManualStepsRequired,
			"Inspect corrupted snapshots, then remove them or re-run recovery with --remove-corrupted")
	}
}

// backupPointer writes the raw pointer to a backup, returning its name, or
// an empty name if there's no pointer.
func (s *Service) backupPointer(ctx context.Context) (string, error) {
	var body, err = s.backend.ReadPointer(ctx)
	if backend.IsNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return s.backup(ctx, "current.json", body)
}

// backupSnapshot writes the raw body of snapshot |id| to a backup.
func (s *Service) backupSnapshot(ctx context.Context, id string) (string, error) {
	var body, err = s.backend.ReadSnapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return s.backup(ctx, id+".json", body)
}

// backup writes |body| of document |doc| to a backup, returning its name.
// If this Service already backed up identical content of |doc|, the name of
// that backup is returned instead.
func (s *Service) backup(ctx context.Context, doc string, body []byte) (string, error) {
	var sum = sha1.Sum(body)
	var key = doc + "@" + hex.EncodeToString(sum[:])

	if v, ok := s.backups.Get(key); ok {
		return v.(string), nil
	}
	var name = BackupName(doc, s.now())
	if err := s.backend.WriteBackup(ctx, name, body); err != nil {
		return "", err
	}
	s.backups.Add(key, name)
	return name, nil
}

// Guidance validates the store and advises an operator of its repair.
func (s *Service) Guidance(ctx context.Context) (Guidance, error) {
	var report, err = s.validator.ValidateStore(ctx)
	if err != nil {
		return Guidance{}, err
	}
	return GuidanceFor(report), nil
}

// GuidanceFor returns the Guidance of StoreReport |r|.
func GuidanceFor(r integrity.StoreReport) Guidance {
	var typ = Classify(r)
	var urgency, estimate = assess(typ)
	var g = Guidance{
		RecoveryType:          typ,
		Urgency:               urgency,
		EstimatedRecoveryTime: estimate,
		Issues:                r.Issues,
	}

	switch typ {
	case TypeNone:
		g.Steps = []string{"No action required"}
	case TypeNoRecoverableSnapshot:
		g.Steps = []string{
			"Confirm the producer pipeline is running and writing snapshots",
			"Restore a known-good snapshot from backup, or write a new successful snapshot",
			"Run recovery to remove the pointer, which references no valid successful snapshot",
		}
	case TypeCorruptedSnapshots:
		g.CanAutoRecover = true
		g.Steps = []string{
			fmt.Sprintf("Inspect corrupted snapshots %v", r.CorruptedIDs),
			"Run recovery with --backups --remove-corrupted to back up and remove them",
		}
	default:
		g.CanAutoRecover = true
		g.Steps = []string{
			fmt.Sprintf("Run recovery to point the store at snapshot %s", r.LatestSuccessfulID),
			"Investigate how the pointer came to be damaged (interrupted writes, manual edits)",
		}
		if len(r.CorruptedIDs) != 0 {
			g.Steps = append(g.Steps,
				fmt.Sprintf("Inspect corrupted snapshots %v, and remove them with --remove-corrupted", r.CorruptedIDs))
		}
	}
	return g
}

// BackupName returns the backup name of document |name| at time |now|.
func BackupName(name string, now time.Time) string {
	return fmt.Sprintf("%s.%d.bak", name, now.UnixNano())
}

const backupCacheSize = 1024

func assess(typ Type) (Urgency, string) {
	switch typ {
	case TypeNone:
		return UrgencyLow, "none"
	case TypePointerMissing, TypePointerVersionMismatch:
		return UrgencyMedium, "under 1 minute"
	case TypeCorruptedSnapshots:
		return UrgencyMedium, "1-5 minutes"
	case TypePointerCorrupted, TypePointerNonSuccess, TypePointerTargetMissing, TypePointerTargetCorrupted:
		return UrgencyHigh, "under 1 minute"
	default:
		return UrgencyCritical, "manual intervention required"
	}
}

var recoveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "snapstore_recovery_total",
	Help: "Total number of store recoveries, by recovery type and outcome",
}, []string{"type", "success"})
