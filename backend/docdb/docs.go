package docdb

import (
	"encoding/json"
	"fmt"
	"time"

	pb "go.snapstore.dev/core/protocol"
)

// rootDoc is the document of a snapshot in the snapshots collection.
// Entity records are held separately as entityDocs.
type rootDoc struct {
	ID                 string          `bson:"_id"`
	CreatedAt          time.Time       `bson:"createdAt"`
	SchemaVersion      string          `bson:"schemaVersion"`
	CalculationVersion string          `bson:"calculationVersion"`
	Status             string          `bson:"status"`
	Errors             []string        `bson:"errors"`
	Metadata           metadataDoc     `bson:"metadata"`
	Manifest           []manifestEntry `bson:"manifest"`
	Rankings           string          `bson:"rankings,omitempty"`
	EntityCount        int             `bson:"entityCount"`
	UpdatedAt          time.Time       `bson:"updatedAt"`
}

type metadataDoc struct {
	Source       string    `bson:"source"`
	FetchedAt    time.Time `bson:"fetchedAt"`
	DataAsOfDate string    `bson:"dataAsOfDate,omitempty"`
	EntityCount  int       `bson:"entityCount"`
	ErrorCount   int       `bson:"errorCount"`
	DurationMs   int64     `bson:"durationMs"`
}

type manifestEntry struct {
	Key       string `bson:"key"`
	SizeBytes int64  `bson:"sizeBytes"`
}

// entityDoc is the document of one entity of a snapshot. Data is the
// entity's JSON record, held as text so that it round-trips exactly.
type entityDoc struct {
	ID         string `bson:"_id"`
	SnapshotID string `bson:"snapshotId"`
	Key        string `bson:"key"`
	Ordinal    int    `bson:"ordinal"`
	Data       string `bson:"data"`
}

// metaDoc holds the pointer and backups in the snapshot_meta collection.
type metaDoc struct {
	ID        string    `bson:"_id"`
	Body      string    `bson:"body"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// decompose the snapshot |body| into its root and entity documents.
func decompose(id string, body []byte, now time.Time) (rootDoc, []interface{}, error) {
	var snap, err = pb.DecodeSnapshot(body)
	if err != nil {
		return rootDoc{}, nil, err
	}
	var md = snap.Payload.Metadata

	var root = rootDoc{
		ID:                 id,
		CreatedAt:          snap.CreatedAt.UTC(),
		SchemaVersion:      snap.SchemaVersion,
		CalculationVersion: snap.CalculationVersion,
		Status:             string(snap.Status),
		Errors:             snap.Errors,
		Metadata: metadataDoc{
			Source:       md.Source,
			FetchedAt:    md.FetchedAt.UTC(),
			DataAsOfDate: md.DataAsOfDate,
			EntityCount:  md.EntityCount,
			ErrorCount:   md.ErrorCount,
			DurationMs:   md.DurationMs,
		},
		Rankings:    string(snap.Payload.Rankings),
		EntityCount: len(snap.Payload.Entities),
		UpdatedAt:   now.UTC(),
	}
	if root.Errors == nil {
		root.Errors = []string{}
	}

	var entities = make([]interface{}, len(snap.Payload.Entities))
	for i, e := range snap.Payload.Entities {
		root.Manifest = append(root.Manifest, manifestEntry{Key: e.Key, SizeBytes: int64(len(e.Data))})
		entities[i] = entityDoc{
			ID:         entityDocID(id, e.Key),
			SnapshotID: id,
			Key:        e.Key,
			Ordinal:    i,
			Data:       string(e.Data),
		}
	}
	return root, entities, nil
}

// compose the encoded snapshot of a root document and its entity
// documents, which must be ordered on Ordinal.
func compose(root rootDoc, entities []entityDoc) ([]byte, error) {
	if len(entities) != root.EntityCount {
		return nil, fmt.Errorf("expected %d entity documents, but found %d", root.EntityCount, len(entities))
	}

	var snap = &pb.Snapshot{
		ID:                 root.ID,
		CreatedAt:          root.CreatedAt.UTC(),
		SchemaVersion:      root.SchemaVersion,
		CalculationVersion: root.CalculationVersion,
		Status:             pb.Status(root.Status),
		Errors:             root.Errors,
		Payload: pb.Payload{
			Entities: make([]pb.Entity, len(entities)),
			Metadata: pb.PayloadMetadata{
				Source:       root.Metadata.Source,
				FetchedAt:    root.Metadata.FetchedAt.UTC(),
				DataAsOfDate: root.Metadata.DataAsOfDate,
				EntityCount:  root.Metadata.EntityCount,
				ErrorCount:   root.Metadata.ErrorCount,
				DurationMs:   root.Metadata.DurationMs,
			},
		},
	}
	if root.Rankings != "" {
		snap.Payload.Rankings = json.RawMessage(root.Rankings)
	}
	for i, e := range entities {
		if e.Ordinal != i {
			return nil, fmt.Errorf("entity document %s has ordinal %d (expected %d)", e.ID, e.Ordinal, i)
		}
		snap.Payload.Entities[i] = pb.Entity{Key: e.Key, Data: json.RawMessage(e.Data)}
	}
	return pb.EncodeSnapshot(snap)
}

func entityDocID(id, key string) string { return id + "/" + key }
