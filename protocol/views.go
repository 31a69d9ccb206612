package protocol

import "time"

// Manifest is a lightweight summary of a Snapshot's entity membership,
// used to enumerate entities without deserializing their records.
type Manifest struct {
	SnapshotID    string          `json:"snapshotId"`
	CreatedAt     time.Time       `json:"createdAt"`
	Entries       []ManifestEntry `json:"entries"`
	TotalEntities int             `json:"totalEntities"`
	TotalBytes    int64           `json:"totalBytes"`
}

// ManifestEntry is the Manifest record of a single entity.
type ManifestEntry struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
}

// BuildManifest projects the Manifest of Snapshot |s|.
func BuildManifest(s *Snapshot) Manifest {
	var m = Manifest{
		SnapshotID:    s.ID,
		CreatedAt:     s.CreatedAt,
		Entries:       make([]ManifestEntry, len(s.Payload.Entities)),
		TotalEntities: len(s.Payload.Entities),
	}
	for i, e := range s.Payload.Entities {
		m.Entries[i] = ManifestEntry{Key: e.Key, SizeBytes: int64(len(e.Data))}
		m.TotalBytes += int64(len(e.Data))
	}
	return m
}

// Metadata is a read-optimized projection of a Snapshot, sufficient for
// filtered listing and retention decisions.
type Metadata struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"createdAt"`
	SchemaVersion      string    `json:"schemaVersion"`
	CalculationVersion string    `json:"calculationVersion"`
	Status             Status    `json:"status"`
	EntityCount        int       `json:"entityCount"`
	ErrorCount         int       `json:"errorCount"`
	// SizeBytes is the encoded size of the Snapshot, if known.
	SizeBytes  int64  `json:"sizeBytes"`
	Source     string `json:"source,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// BuildMetadata projects the Metadata of Snapshot |s| having encoded |size|.
func BuildMetadata(s *Snapshot, size int64) Metadata {
	return Metadata{
		ID:                 s.ID,
		CreatedAt:          s.CreatedAt,
		SchemaVersion:      s.SchemaVersion,
		CalculationVersion: s.CalculationVersion,
		Status:             s.Status,
		EntityCount:        len(s.Payload.Entities),
		ErrorCount:         len(s.Errors),
		SizeBytes:          size,
		Source:             s.Payload.Metadata.Source,
		DurationMs:         s.Payload.Metadata.DurationMs,
	}
}

// ListFilter selects Snapshots by their Metadata. Zero-valued fields match all.
type ListFilter struct {
	Status             Status
	SchemaVersion      string
	CalculationVersion string
	// CreatedAfter, if non-zero, matches Snapshots created at or after the time.
	CreatedAfter time.Time
	// CreatedBefore, if non-zero, matches Snapshots created strictly before the time.
	CreatedBefore  time.Time
	MinEntityCount int
}

// Matches returns true if the Metadata satisfies the ListFilter.
func (f ListFilter) Matches(m Metadata) bool {
	switch {
	case f.Status != "" && m.Status != f.Status:
		return false
	case f.SchemaVersion != "" && m.SchemaVersion != f.SchemaVersion:
		return false
	case f.CalculationVersion != "" && m.CalculationVersion != f.CalculationVersion:
		return false
	case !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter):
		return false
	case !f.CreatedBefore.IsZero() && !m.CreatedAt.Before(f.CreatedBefore):
		return false
	case m.EntityCount < f.MinEntityCount:
		return false
	}
	return true
}
