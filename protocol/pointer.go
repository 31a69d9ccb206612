package protocol

import "time"

// Pointer references the latest successful Snapshot of a store.
type Pointer struct {
	SnapshotID         string    `json:"snapshotId"`
	UpdatedAt          time.Time `json:"updatedAt"`
	SchemaVersion      string    `json:"schemaVersion"`
	CalculationVersion string    `json:"calculationVersion"`
}

// NewPointer returns a Pointer referencing Snapshot |s|, updated at |now|.
func NewPointer(s *Snapshot, now time.Time) Pointer {
	return Pointer{
		SnapshotID:         s.ID,
		UpdatedAt:          now.UTC(),
		SchemaVersion:      s.SchemaVersion,
		CalculationVersion: s.CalculationVersion,
	}
}

// Validate returns an error if the Pointer is not well-formed.
func (p *Pointer) Validate() error {
	if err := ValidateID(p.SnapshotID); err != nil {
		return ExtendContext(err, "SnapshotID")
	} else if p.UpdatedAt.IsZero() {
		return NewValidationError("expected UpdatedAt")
	} else if p.SchemaVersion == "" {
		return NewValidationError("expected SchemaVersion")
	} else if p.CalculationVersion == "" {
		return NewValidationError("expected CalculationVersion")
	}
	return nil
}
