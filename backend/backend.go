// Package backend defines the contract between the snapshot store and the
// systems which persist its documents, along with the taxonomy of errors a
// backend may return. Implementations live in sub-packages:
//
//   - backend/local persists files beneath a local directory.
//   - backend/objectstore persists objects in a stores.Store (S3, GCS, Azure).
//   - backend/docdb persists documents in MongoDB.
//   - backend/sqldb persists rows in a database/sql database.
//
// A backend deals only in encoded bodies. It never interprets a snapshot's
// status, and it never decides which snapshot is current.
package backend

import "context"

// Backend persists snapshot bodies keyed by ID, a single current-pointer
// document, and named backups of damaged documents.
//
// Every write replaces its document as a whole: a concurrent or subsequent
// reader observes either the previous body or the complete new body, and
// never a partial one.
type Backend interface {
	// Provider names the kind of Backend (eg, "local", "s3", "mongodb").
	Provider() string

	// WriteSnapshot durably writes the body of snapshot |id|, replacing any
	// existing body.
	WriteSnapshot(ctx context.Context, id string, body []byte) error
	// ReadSnapshot returns the body of snapshot |id|, or ErrNotFound.
	ReadSnapshot(ctx context.Context, id string) ([]byte, error)
	// ListSnapshotIDs returns the IDs of all stored snapshots, in no particular order.
	ListSnapshotIDs(ctx context.Context) ([]string, error)
	// DeleteSnapshot removes snapshot |id|, or returns ErrNotFound.
	DeleteSnapshot(ctx context.Context, id string) error

	// WritePointer durably writes the current-pointer document.
	WritePointer(ctx context.Context, body []byte) error
	// ReadPointer returns the current-pointer document, or ErrNotFound.
	ReadPointer(ctx context.Context) ([]byte, error)
	// DeletePointer removes the current-pointer document, or returns ErrNotFound.
	DeletePointer(ctx context.Context) error

	// WriteBackup durably writes |body| under backup |name|. Backups are
	// never read by the store, and exist for operator inspection.
	WriteBackup(ctx context.Context, name string, body []byte) error

	// CheckReady verifies the Backend is usable by writing and removing a
	// probe document.
	CheckReady(ctx context.Context) error
}

// Fingerprinter is an optional capability of a Backend which cheaply
// summarizes the modification state of the pointer document, such as its
// modification time and size. A changed fingerprint means the pointer may
// have been modified by another process.
type Fingerprinter interface {
	PointerFingerprint(ctx context.Context) (string, error)
}

// LatestFinder is an optional capability of a Backend which can natively
// query for the newest snapshot having status "success". It returns
// ErrNotFound if there is none.
type LatestFinder interface {
	LatestSuccessfulID(ctx context.Context) (string, error)
}
