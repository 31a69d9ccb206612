package protocol

import (
	"encoding/json"
	"time"
)

// Status of a Snapshot's production run.
type Status string

const (
	// StatusSuccess marks a complete Snapshot. Only successful Snapshots
	// may be referenced by the current Pointer.
	StatusSuccess Status = "success"
	// StatusPartial marks a Snapshot where some entities failed to collect.
	StatusPartial Status = "partial"
	// StatusFailed marks a Snapshot of a failed production run.
	StatusFailed Status = "failed"
)

// Validate returns an error if the Status is not a known value.
func (s Status) Validate() error {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return nil
	default:
		return NewValidationError("invalid status (%q)", string(s))
	}
}

// Snapshot is an immutable record of one collection run.
type Snapshot struct {
	// ID of the Snapshot, in canonical YYYY-MM-DD form.
	ID string `json:"id"`
	// CreatedAt is the time at which the producer created the Snapshot.
	CreatedAt time.Time `json:"createdAt"`
	// SchemaVersion of the persisted representation.
	SchemaVersion string `json:"schemaVersion"`
	// CalculationVersion of the computations which produced the Payload.
	// Consumers using cached rankings must reject mismatched versions.
	CalculationVersion string `json:"calculationVersion"`
	// Status of the production run.
	Status Status `json:"status"`
	// Errors accumulated during production, in order.
	Errors []string `json:"errors"`
	// Payload of per-entity records and production metadata.
	Payload Payload `json:"payload"`
}

// Payload is the computed content of a Snapshot.
type Payload struct {
	// Entities are per-entity records, in producer order.
	Entities []Entity `json:"entities"`
	// Metadata of the production run.
	Metadata PayloadMetadata `json:"metadata"`
	// Rankings are optional pre-computed rankings, opaque to the store.
	Rankings json.RawMessage `json:"rankings,omitempty"`
}

// Entity is the record of a single entity (eg, a district) within a Snapshot.
type Entity struct {
	// Key of the entity. Keys are unique within a Snapshot.
	Key string `json:"key"`
	// Data is the entity record, opaque to the store.
	Data json.RawMessage `json:"data,omitempty"`
}

// PayloadMetadata describes the production run of a Snapshot.
type PayloadMetadata struct {
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetchedAt"`
	DataAsOfDate string    `json:"dataAsOfDate,omitempty"`
	// EntityCount must equal the length of Payload.Entities.
	EntityCount int `json:"entityCount"`
	// ErrorCount must equal the length of Snapshot.Errors.
	ErrorCount int   `json:"errorCount"`
	DurationMs int64 `json:"durationMs"`
}

// Validate performs a structural check of the Snapshot. It does not validate
// the business semantics of entity records.
func (s *Snapshot) Validate() error {
	if err := ValidateID(s.ID); err != nil {
		return ExtendContext(err, "ID")
	} else if s.CreatedAt.IsZero() {
		return NewValidationError("expected CreatedAt")
	} else if s.SchemaVersion == "" {
		return NewValidationError("expected SchemaVersion")
	} else if s.CalculationVersion == "" {
		return NewValidationError("expected CalculationVersion")
	} else if err = s.Status.Validate(); err != nil {
		return ExtendContext(err, "Status")
	} else if err = s.Payload.Validate(); err != nil {
		return ExtendContext(err, "Payload")
	} else if c, l := s.Payload.Metadata.ErrorCount, len(s.Errors); c != l {
		return NewValidationError("Payload.Metadata.ErrorCount (%d) != len(Errors) (%d)", c, l)
	}
	return nil
}

// Validate returns an error if the Payload is not well-formed.
func (p *Payload) Validate() error {
	var seen = make(map[string]struct{}, len(p.Entities))

	for i, e := range p.Entities {
		if err := ValidateToken(e.Key, 1, 256); err != nil {
			return ExtendContext(err, "Entities[%d].Key", i)
		} else if _, ok := seen[e.Key]; ok {
			return NewValidationError("Entities[%d]: duplicate Key (%s)", i, e.Key)
		} else if len(e.Data) != 0 && !json.Valid(e.Data) {
			return NewValidationError("Entities[%d]: Data is not valid JSON", i)
		}
		seen[e.Key] = struct{}{}
	}
	if c, l := p.Metadata.EntityCount, len(p.Entities); c != l {
		return NewValidationError("Metadata.EntityCount (%d) != len(Entities) (%d)", c, l)
	} else if p.Metadata.ErrorCount < 0 || p.Metadata.DurationMs < 0 {
		return NewValidationError("Metadata has negative counts")
	} else if len(p.Rankings) != 0 && !json.Valid(p.Rankings) {
		return NewValidationError("Rankings is not valid JSON")
	}
	return nil
}

// IsSuccess returns true if the Snapshot has StatusSuccess.
func (s *Snapshot) IsSuccess() bool { return s.Status == StatusSuccess }

// EntityKeys returns the keys of the Snapshot's entities, in order.
func (s *Snapshot) EntityKeys() []string {
	var out = make([]string, len(s.Payload.Entities))
	for i, e := range s.Payload.Entities {
		out[i] = e.Key
	}
	return out
}
