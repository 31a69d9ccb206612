// Package protocol defines the data model persisted by snapshot stores:
// Snapshots, the current Pointer, and the read-optimized Manifest and
// Metadata projections of a Snapshot. It also provides structural
// validation and the canonical JSON encoding of each.
//
// Snapshots are keyed by an ID of the form YYYY-MM-DD, which doubles as their
// natural sort key. A Snapshot is written once and never mutated after a
// successful write. The Pointer is the only mutable document, and when present
// and well-formed it always references a Snapshot having StatusSuccess.
package protocol
