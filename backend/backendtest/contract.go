// Package backendtest provides a contract test-suite which every
// backend.Backend implementation runs, and fakes for testing Backend users.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

// RunContract runs the Backend contract test-suite. |newBackend| is invoked
// for each sub-test, and must return an empty Backend.
func RunContract(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	t.Run("MissingDocuments", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)

		var _, err = b.ReadSnapshot(ctx, "2024-01-15")
		require.True(t, backend.IsNotFound(err), "err: %v", err)
		_, err = b.ReadPointer(ctx)
		require.True(t, backend.IsNotFound(err), "err: %v", err)
		require.True(t, backend.IsNotFound(b.DeleteSnapshot(ctx, "2024-01-15")))
		require.True(t, backend.IsNotFound(b.DeletePointer(ctx)))

		ids, err := b.ListSnapshotIDs(ctx)
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("SnapshotLifecycle", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)

		for _, id := range []string{"2024-01-15", "2024-01-16", "2024-01-17"} {
			require.NoError(t, b.WriteSnapshot(ctx, id, Body(t, Snapshot(id, pb.StatusSuccess, 3))))
		}
		requireIDs(t, b, "2024-01-15", "2024-01-16", "2024-01-17")

		var body, err = b.ReadSnapshot(ctx, "2024-01-16")
		require.NoError(t, err)
		requireSnapshot(t, Snapshot("2024-01-16", pb.StatusSuccess, 3), body)

		// A re-write replaces the body as a whole.
		require.NoError(t, b.WriteSnapshot(ctx, "2024-01-16", Body(t, Snapshot("2024-01-16", pb.StatusPartial, 1))))
		body, err = b.ReadSnapshot(ctx, "2024-01-16")
		require.NoError(t, err)
		requireSnapshot(t, Snapshot("2024-01-16", pb.StatusPartial, 1), body)

		require.NoError(t, b.DeleteSnapshot(ctx, "2024-01-15"))
		_, err = b.ReadSnapshot(ctx, "2024-01-15")
		require.True(t, backend.IsNotFound(err), "err: %v", err)
		requireIDs(t, b, "2024-01-16", "2024-01-17")
	})

	t.Run("PointerLifecycle", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)

		var p1 = Pointer(t, Snapshot("2024-01-15", pb.StatusSuccess, 1))
		var p2 = Pointer(t, Snapshot("2024-01-16", pb.StatusSuccess, 1))

		require.NoError(t, b.WritePointer(ctx, p1))
		var body, err = b.ReadPointer(ctx)
		require.NoError(t, err)
		requirePointer(t, p1, body)

		require.NoError(t, b.WritePointer(ctx, p2))
		body, err = b.ReadPointer(ctx)
		require.NoError(t, err)
		requirePointer(t, p2, body)

		// Neither the pointer nor backups are listed as snapshots.
		require.NoError(t, b.WriteBackup(ctx, "current.json.bak", p1))
		requireIDs(t, b)

		require.NoError(t, b.DeletePointer(ctx))
		_, err = b.ReadPointer(ctx)
		require.True(t, backend.IsNotFound(err), "err: %v", err)
	})

	t.Run("Backups", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)
		var body = Body(t, Snapshot("2024-01-15", pb.StatusSuccess, 1))

		require.NoError(t, b.WriteBackup(ctx, "2024-01-15.json.1705300000.bak", body))
		require.NoError(t, b.WriteBackup(ctx, "2024-01-15.json.1705300000.bak", body)) // Idempotent.
		requireIDs(t, b)
	})

	t.Run("CheckReady", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)

		require.NoError(t, b.CheckReady(ctx))
		// The readiness probe leaves nothing behind.
		requireIDs(t, b)
		var _, err = b.ReadPointer(ctx)
		require.True(t, backend.IsNotFound(err), "err: %v", err)
	})

	t.Run("ConcurrentReadersDuringRewrite", func(t *testing.T) {
		var ctx, b = context.Background(), newBackend(t)
		var v1 = Snapshot("2024-01-15", pb.StatusSuccess, 5)
		var v2 = Snapshot("2024-01-15", pb.StatusSuccess, 9)
		require.NoError(t, b.WriteSnapshot(ctx, v1.ID, Body(t, v1)))

		var done = make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i != 20; i++ {
				var s = v1
				if i%2 == 0 {
					s = v2
				}
				assert.NoError(t, b.WriteSnapshot(ctx, s.ID, Body(t, s)))
			}
		}()

		// Readers observe one complete version or the other.
		for i := 0; i != 20; i++ {
			var body, err = b.ReadSnapshot(ctx, v1.ID)
			require.NoError(t, err)
			var s, decodeErr = pb.DecodeSnapshot(body)
			require.NoError(t, decodeErr)
			require.NoError(t, s.Validate())
			require.Contains(t, []int{5, 9}, len(s.Payload.Entities))
		}
		<-done
	})
}

// Snapshot returns a valid Snapshot fixture having |id|, |status|, and
// |entities| entities keyed E0, E1, ...
func Snapshot(id string, status pb.Status, entities int) *pb.Snapshot {
	var createdAt, err = pb.ParseID(id)
	if err != nil {
		createdAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	createdAt = createdAt.Add(6 * time.Hour)

	var s = &pb.Snapshot{
		ID:                 id,
		CreatedAt:          createdAt,
		SchemaVersion:      "1.0.0",
		CalculationVersion: "2.0.0",
		Status:             status,
		Errors:             []string{},
		Payload: pb.Payload{
			Metadata: pb.PayloadMetadata{
				Source:      "fixture",
				FetchedAt:   createdAt.Add(-time.Hour),
				EntityCount: entities,
				DurationMs:  1200,
			},
			Rankings: json.RawMessage(`{"top":["E0"]}`),
		},
	}
	for i := 0; i != entities; i++ {
		s.Payload.Entities = append(s.Payload.Entities, pb.Entity{
			Key:  fmt.Sprintf("E%d", i),
			Data: json.RawMessage(fmt.Sprintf(`{"rank":%d}`, i+1)),
		})
	}
	if status != pb.StatusSuccess {
		s.Errors = []string{"fetch of E99 timed out"}
		s.Payload.Metadata.ErrorCount = 1
	}
	return s
}

// Body returns the encoding of Snapshot |s|.
func Body(t require.TestingT, s *pb.Snapshot) []byte {
	var b, err = pb.EncodeSnapshot(s)
	require.NoError(t, err)
	return b
}

// Pointer returns the encoding of a Pointer to Snapshot |s|.
func Pointer(t require.TestingT, s *pb.Snapshot) []byte {
	var b, err = pb.EncodePointer(pb.NewPointer(s, s.CreatedAt.Add(time.Minute)))
	require.NoError(t, err)
	return b
}

func requireIDs(t *testing.T, b backend.Backend, expect ...string) {
	var ids, err = b.ListSnapshotIDs(context.Background())
	require.NoError(t, err)
	sort.Strings(ids)

	if len(expect) == 0 {
		require.Empty(t, ids)
	} else {
		require.Equal(t, expect, ids)
	}
}

// requireSnapshot compares decoded Snapshots, as backends which decompose
// documents needn't preserve the exact encoding.
func requireSnapshot(t *testing.T, expect *pb.Snapshot, body []byte) {
	var actual, err = pb.DecodeSnapshot(body)
	require.NoError(t, err)

	var e, _ = json.Marshal(expect)
	var a, _ = json.Marshal(actual)
	require.JSONEq(t, string(e), string(a))
}

func requirePointer(t *testing.T, expect, body []byte) {
	var e, err = pb.DecodePointer(expect)
	require.NoError(t, err)
	a, err := pb.DecodePointer(body)
	require.NoError(t, err)
	require.Equal(t, e.SnapshotID, a.SnapshotID)
	require.True(t, e.UpdatedAt.Equal(a.UpdatedAt))
}
