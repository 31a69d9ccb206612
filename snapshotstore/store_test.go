package snapshotstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/backend/backendtest"
	"go.snapstore.dev/core/backend/local"
	"go.snapstore.dev/core/backend/objectstore"
	"go.snapstore.dev/core/breaker"
	"go.snapstore.dev/core/codecs"
	"go.snapstore.dev/core/index"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/recovery"
	"go.snapstore.dev/core/stores"
)

func TestLatestSuccessfulSkipsFailedSnapshots(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})

	for _, spec := range []string{"2024-01-15", "2024-01-16:failed", "2024-01-17"} {
		var res, err = s.WriteSnapshot(ctx, fixture(spec))
		require.NoError(t, err)
		require.Equal(t, spec[10:] == "", res.PointerUpdated, spec)
		require.Empty(t, res.Cleanup.Deleted)
	}
	requirePointer(t, b, "2024-01-17")

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-17", snap.ID)

	// A newer partial snapshot leaves the pointer untouched.
	res, err := s.WriteSnapshot(ctx, fixture("2024-01-18:partial"))
	require.NoError(t, err)
	require.False(t, res.PointerUpdated)
	requirePointer(t, b, "2024-01-17")

	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-17", snap.ID)

	// GetLatest disregards status.
	snap, err = s.GetLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-18", snap.ID)
	require.Equal(t, pb.StatusPartial, snap.Status)
}

func TestNoSuccessfulSnapshot(t *testing.T) {
	var ctx, _, s, _ = newFixture(t, Config{})

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	_, err = s.WriteSnapshot(ctx, fixture("2024-01-15:failed"))
	require.NoError(t, err)

	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	snap, err = s.GetLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)
}

func TestRecoversFromDeletedPointer(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16", "2024-01-17:failed")

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)

	// Another process removes the pointer. The changed fingerprint
	// invalidates the cached snapshot.
	require.NoError(t, b.DeletePointer(ctx))

	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)
	requirePointer(t, b, "2024-01-16")
}

func TestRecoversFromCorruptedPointerTarget(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16")

	var lb = b.(*local.Backend)
	require.NoError(t, afero.WriteFile(lb.Fs(), lb.Root()+"/snapshots/2024-01-16.json", []byte(`{"id": "2024-01-16", "sta`), 0640))

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)
	requirePointer(t, b, "2024-01-15")

	// Conservative recovery backed up the pointer and the corrupted snapshot,
	// which is left in place.
	entries, err := afero.ReadDir(lb.Fs(), lb.Root()+"/backups")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Contains(t, entries[0].Name(), "2024-01-16.json.")
	require.Contains(t, entries[1].Name(), "current.json.")

	_, err = s.GetSnapshot(ctx, "2024-01-16")
	require.True(t, backend.IsCorruption(err), "err: %v", err)

	// ListSnapshots skips it.
	list, err := s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-15"}, metadataIDs(list))
}

func TestRecoversFromUnparsablePointer(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16")
	require.NoError(t, b.WritePointer(ctx, []byte("{garbage")))

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)
	requirePointer(t, b, "2024-01-16")
}

func TestCachedLatestSuccessful(t *testing.T) {
	var ctx = context.Background()
	var clock = newClock()
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty, Clock: clock.Now, CacheTTL: time.Minute})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")
	s.InvalidateCaches()
	faulty.ResetCalls()

	for i := 0; i != 3; i++ {
		var snap, err = s.GetLatestSuccessful(ctx)
		require.NoError(t, err)
		require.Equal(t, "2024-01-15", snap.ID)
	}
	require.Equal(t, 1, faulty.Calls(backendtest.OpReadPointer))
	require.Equal(t, 1, faulty.Calls(backendtest.OpReadSnapshot))

	// Once the TTL elapses the pointer is re-read, but the immutable
	// snapshot is served from cache.
	clock.advance(time.Minute)
	snap, err := s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)
	require.Equal(t, 2, faulty.Calls(backendtest.OpReadPointer))
	require.Equal(t, 1, faulty.Calls(backendtest.OpReadSnapshot))

	// A write invalidates the cache.
	writeAll(t, s, "2024-01-16")
	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)

	// As does an explicit invalidation.
	faulty.ResetCalls()
	s.InvalidateCaches()
	_, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, faulty.Calls(backendtest.OpReadPointer))
	require.Equal(t, 1, faulty.Calls(backendtest.OpReadSnapshot))
}

func TestObservesWritesOfOtherStores(t *testing.T) {
	var ctx, b, s1, _ = newFixture(t, Config{CacheTTL: time.Hour})
	var s2, err = New(Config{Backend: b, Clock: s1.now})
	require.NoError(t, err)

	writeAll(t, s1, "2024-01-15")
	snap, err := s1.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)

	// The pointer fingerprint changes, and s1 refreshes despite its TTL.
	writeAll(t, s2, "2024-01-16")
	snap, err = s1.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)
}

func TestConcurrentReaders(t *testing.T) {
	var ctx, _, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16", "2024-01-17:failed")

	var wg sync.WaitGroup
	for i := 0; i != 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				s.InvalidateCaches()
			}
			var snap, err = s.GetLatestSuccessful(ctx)
			if assert.NoError(t, err) {
				assert.Equal(t, "2024-01-16", snap.ID)
			}
			snap, err = s.GetSnapshot(ctx, "2024-01-15")
			if assert.NoError(t, err) {
				assert.Equal(t, "2024-01-15", snap.ID)
			}
		}(i)
	}
	wg.Wait()
}

func TestReaderCancellation(t *testing.T) {
	var _, _, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15")
	s.InvalidateCaches()

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var snap, err = s.GetLatestSuccessful(ctx)
	if err != nil {
		require.Equal(t, context.Canceled, err)
		require.Nil(t, snap)
	} else {
		require.Equal(t, "2024-01-15", snap.ID) // Flight completed first.
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	var snap = fixture("2024-01-15")

	for i := 0; i != 2; i++ {
		var res, err = s.WriteSnapshot(ctx, snap)
		require.NoError(t, err)
		require.True(t, res.PointerUpdated)
	}
	var ids, err = b.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-15"}, ids)

	out, err := s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.EntityKeys(), out.EntityKeys())
}

func TestWriteRejectsInvalidSnapshots(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})

	var snap = fixture("2024-01-15")
	snap.Payload.Metadata.EntityCount = 7

	var _, err = s.WriteSnapshot(ctx, snap)
	require.EqualError(t, err, "Payload: Metadata.EntityCount (7) != len(Entities) (2)")
	_, err = s.WriteSnapshot(ctx, nil)
	require.EqualError(t, err, "expected Snapshot")

	ids, err := b.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestWriteFailures(t *testing.T) {
	var ctx = context.Background()
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")

	faulty.Fail(backendtest.OpWriteSnapshot, errors.New("disk full"))
	_, err = s.WriteSnapshot(ctx, fixture("2024-01-16"))
	require.EqualError(t, err, "local write_snapshot 2024-01-16: disk full")
	faulty.Fail(backendtest.OpWriteSnapshot, nil)

	// A failed pointer write fails the write. The body exists, but the
	// pointer continues to reference the prior snapshot.
	faulty.Fail(backendtest.OpWritePointer, errors.New("quota exceeded"))
	_, err = s.WriteSnapshot(ctx, fixture("2024-01-16"))
	var oe *backend.OpError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, "write_pointer", oe.Op)
	require.EqualError(t, err, "local write_pointer 2024-01-16: quota exceeded")
	faulty.Fail(backendtest.OpWritePointer, nil)

	snap, err := s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)

	// Unavailability is passed through as-is.
	var unavailable = &backend.UnavailableError{Backend: "local", Op: "write_snapshot", Err: errors.New("breaker open")}
	faulty.Fail(backendtest.OpWriteSnapshot, unavailable)
	_, err = s.WriteSnapshot(ctx, fixture("2024-01-17"))
	require.Equal(t, unavailable, err)
	require.True(t, backend.IsRetryable(err))
}

func TestReadFailuresArePropagated(t *testing.T) {
	var ctx = context.Background()
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")
	s.InvalidateCaches()
	faulty.ResetCalls()

	faulty.Fail(backendtest.OpReadPointer, &backend.UnavailableError{Backend: "local", Op: "read_pointer", Err: errors.New("EIO")})
	snap, err := s.GetLatestSuccessful(ctx)
	require.Nil(t, snap)
	require.True(t, backend.IsRetryable(err), "err: %v", err)

	// A misconfigured backend reads as an empty store.
	faulty.Fail(backendtest.OpReadPointer, &backend.ConfigurationError{Backend: "local", Message: "permission denied"})
	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	// Recovery isn't attempted.
	require.Equal(t, 0, faulty.Calls(backendtest.OpWriteBackup))
	require.Equal(t, 0, faulty.Calls(backendtest.OpListSnapshotIDs))
}

func TestScanRepairDoesNotRegressPointer(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-16", "2024-01-17")

	// A scan which resolved 2024-01-16 before 2024-01-17 was committed.
	var stale, err = s.GetSnapshot(ctx, "2024-01-16")
	require.NoError(t, err)
	s.repairPointer(ctx, stale)
	requirePointer(t, b, "2024-01-17")

	// An older pointer is moved forward.
	latest, err := s.GetSnapshot(ctx, "2024-01-17")
	require.NoError(t, err)
	require.NoError(t, b.WritePointer(ctx, mustEncodePointer(t, stale)))
	s.repairPointer(ctx, latest)
	requirePointer(t, b, "2024-01-17")
}

func TestMisconfiguredBackendReadsAsEmpty(t *testing.T) {
	var ctx = context.Background()
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")
	s.InvalidateCaches()

	var denied = &backend.ConfigurationError{Backend: "local", Message: "permission denied"}
	faulty.Fail(backendtest.OpReadSnapshot, denied)
	faulty.Fail(backendtest.OpListSnapshotIDs, denied)

	snap, err := s.GetSnapshot(ctx, "2024-01-15")
	require.NoError(t, err)
	require.Nil(t, snap)

	md, err := s.GetMetadata(ctx, "2024-01-15")
	require.NoError(t, err)
	require.Nil(t, md)

	snap, err = s.GetLatest(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	list, err := s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.NotNil(t, list)
	require.Empty(t, list)

	// Once the backend is fixed, reads resume.
	faulty.Fail(backendtest.OpReadSnapshot, nil)
	faulty.Fail(backendtest.OpListSnapshotIDs, nil)

	snap, err = s.GetSnapshot(ctx, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)

	list, err = s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-15"}, metadataIDs(list))
}

func TestMisconfiguredLatestFinderFallsBackToScan(t *testing.T) {
	var ctx = context.Background()
	var lb = local.New(afero.NewMemMapFs(), "/store")
	var s, err = New(Config{Backend: &misconfiguredFinder{Backend: lb}, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15", "2024-01-16", "2024-01-17:failed")
	require.NoError(t, lb.DeletePointer(ctx))

	snap, err := s.scanLatest(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)
	requirePointer(t, lb, "2024-01-16")
}

func TestCorruptObjectsDoNotOpenBreaker(t *testing.T) {
	var ctx = context.Background()
	var ms = stores.NewMemoryStore(&url.URL{Scheme: "mem", Host: "bucket", Path: "/"})
	var ob, err = objectstore.New(ms, objectstore.Config{Codec: codecs.Gzip})
	require.NoError(t, err)
	var guarded = backend.Guard(ob, breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	s, err := New(Config{Backend: guarded, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-10")

	for _, id := range []string{"2024-01-11", "2024-01-12", "2024-01-13"} {
		ms.Content["snapshots/"+id+".json.gz"] = []byte("not gzip")
	}
	require.NoError(t, ob.DeletePointer(ctx))
	s.InvalidateCaches()

	snap, err := s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-10", snap.ID)
	require.Equal(t, breaker.Closed, guarded.Breaker().State())

	snap, err = s.GetSnapshot(ctx, "2024-01-10")
	require.NoError(t, err)
	require.Equal(t, "2024-01-10", snap.ID)

	list, err := s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-10"}, metadataIDs(list))
	require.Equal(t, breaker.Closed, guarded.Breaker().State())
}

func TestPollingUnrecoverableStoreBacksUpOnce(t *testing.T) {
	var ctx, b, s, clock = newFixture(t, Config{})
	writeAll(t, s, "2024-01-10:failed")

	var lb = b.(*local.Backend)
	require.NoError(t, afero.WriteFile(lb.Fs(), lb.Root()+"/snapshots/2024-01-11.json", []byte(`{"id": "2024-01-11", "sta`), 0640))

	for i := 0; i != 5; i++ {
		clock.advance(time.Minute)

		var snap, err = s.GetLatestSuccessful(ctx)
		require.NoError(t, err)
		require.Nil(t, snap)
	}

	entries, err := afero.ReadDir(lb.Fs(), lb.Root()+"/backups")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "2024-01-11.json.")
}

func TestListIsNotSharedAcrossWrites(t *testing.T) {
	var ctx = context.Background()
	var gated = &gatedBackend{Backend: local.New(afero.NewMemMapFs(), "/store")}
	var s, err = New(Config{Backend: gated, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")
	gated.entered, gated.release = make(chan struct{}), make(chan struct{})

	// Begin a listing which stalls within the backend.
	var stalled = make(chan []pb.Metadata, 1)
	go func() {
		var list, err = s.ListSnapshots(ctx, 0, pb.ListFilter{})
		assert.NoError(t, err)
		stalled <- list
	}()
	<-gated.entered

	_, err = s.WriteSnapshot(ctx, fixture("2024-01-16"))
	require.NoError(t, err)

	// A listing begun after the write observes it.
	list, err := s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-16", "2024-01-15"}, metadataIDs(list))

	snap, err := s.GetLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-16", snap.ID)

	close(gated.release)
	require.NotEmpty(t, <-stalled)
}

func TestBackfillDoesNotRegressPointer(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-17")

	var res, err = s.WriteSnapshot(ctx, fixture("2024-01-15"))
	require.NoError(t, err)
	require.False(t, res.PointerUpdated)
	require.Equal(t, []string{"pointer retained at newer snapshot 2024-01-17"}, res.Warnings)
	requirePointer(t, b, "2024-01-17")

	snap, err := s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-17", snap.ID)
}

func TestGetSnapshotAndViews(t *testing.T) {
	var ctx, _, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16:failed")

	var snap, err = s.GetSnapshot(ctx, "2024-01-16")
	require.NoError(t, err)
	require.Equal(t, pb.StatusFailed, snap.Status)

	snap, err = s.GetSnapshot(ctx, "2024-01-10")
	require.NoError(t, err)
	require.Nil(t, snap)

	_, err = s.GetSnapshot(ctx, "latest")
	require.EqualError(t, err, "ID: invalid length (6; expected 10)")

	md, err := s.GetMetadata(ctx, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, 2, md.EntityCount)
	require.Equal(t, pb.StatusSuccess, md.Status)
	require.NotZero(t, md.SizeBytes)

	md, err = s.GetMetadata(ctx, "2024-01-10")
	require.NoError(t, err)
	require.Nil(t, md)

	m, err := s.GetManifest(ctx, "2024-01-15")
	require.NoError(t, err)
	require.Equal(t, 2, m.TotalEntities)
	require.Equal(t, "E0", m.Entries[0].Key)

	m, err = s.GetManifest(ctx, "2024-01-10")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestListSnapshots(t *testing.T) {
	var ctx, _, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-13", "2024-01-14:failed", "2024-01-15", "2024-01-16:partial", "2024-01-17")

	var list, err = s.ListSnapshots(ctx, 0, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-17", "2024-01-16", "2024-01-15", "2024-01-14", "2024-01-13"}, metadataIDs(list))

	list, err = s.ListSnapshots(ctx, 2, pb.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-17", "2024-01-16"}, metadataIDs(list))

	list, err = s.ListSnapshots(ctx, 0, pb.ListFilter{Status: pb.StatusSuccess})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-17", "2024-01-15", "2024-01-13"}, metadataIDs(list))

	list, err = s.ListSnapshots(ctx, 0, pb.ListFilter{
		CreatedAfter:  time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		CreatedBefore: time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-15", "2024-01-14"}, metadataIDs(list))
}

func TestSortMetadataBreaksTiesByID(t *testing.T) {
	var at = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	var md = []pb.Metadata{
		{ID: "2024-01-14", CreatedAt: at},
		{ID: "2024-01-16", CreatedAt: at.Add(-time.Hour)},
		{ID: "2024-01-15", CreatedAt: at},
	}
	sortMetadata(md)
	require.Equal(t, []string{"2024-01-15", "2024-01-14", "2024-01-16"}, metadataIDs(md))
}

func TestDeleteSnapshot(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16", "2024-01-17")

	require.NoError(t, s.DeleteSnapshot(ctx, "2024-01-16"))
	requirePointer(t, b, "2024-01-17")

	// Deleting the pointer target repairs the pointer.
	require.NoError(t, s.DeleteSnapshot(ctx, "2024-01-17"))
	requirePointer(t, b, "2024-01-15")

	var snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", snap.ID)

	require.True(t, backend.IsNotFound(s.DeleteSnapshot(ctx, "2024-01-17")))

	// Deleting the last snapshot removes the pointer.
	require.NoError(t, s.DeleteSnapshot(ctx, "2024-01-15"))
	_, err = b.ReadPointer(ctx)
	require.True(t, backend.IsNotFound(err))

	snap, err = s.GetLatestSuccessful(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestRetentionFloor(t *testing.T) {
	var ctx, b, s, clock = newFixture(t, Config{Retention: RetentionConfig{MaxSnapshots: 1, MaxAgeDays: 7}})
	clock.set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	for day := 1; day <= 10; day++ {
		var id = fmt.Sprintf("2024-01-%02d", day)
		require.NoError(t, b.WriteSnapshot(ctx, id, backendtest.Body(t, fixture(id))))
	}
	var report = s.Cleanup(ctx)
	require.Empty(t, report.Warnings)
	require.Equal(t, []string{"2024-01-10"}, report.Kept)
	require.Len(t, report.Deleted, 9)

	var ids, err = b.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-10"}, ids)
}

func TestRetentionPolicy(t *testing.T) {
	var ctx, b, s, clock = newFixture(t, Config{Retention: RetentionConfig{MaxSnapshots: 30, MaxAgeDays: 7}})
	clock.set(time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC))

	for day := 1; day <= 10; day++ {
		var id = fmt.Sprintf("2024-01-%02d", day)
		require.NoError(t, b.WriteSnapshot(ctx, id, backendtest.Body(t, fixture(id))))
	}
	// The pointer target is kept regardless of age.
	require.NoError(t, b.WritePointer(ctx, backendtest.Pointer(t, fixture("2024-01-02"))))
	// A corrupted snapshot is removed.
	var lb = b.(*local.Backend)
	require.NoError(t, afero.WriteFile(lb.Fs(), lb.Root()+"/snapshots/2024-01-08.json", []byte("{"), 0640))

	var report = s.Cleanup(ctx)
	require.Empty(t, report.Warnings)
	// Snapshots older than twice MaxAgeDays are removed, though fewer
	// than MaxSnapshots exist.
	require.Equal(t, []string{"2024-01-08", "2024-01-06", "2024-01-05", "2024-01-04", "2024-01-03", "2024-01-01"}, report.Deleted)
	require.Equal(t, []string{"2024-01-10", "2024-01-09", "2024-01-07", "2024-01-02"}, report.Kept)

	// Zero MaxAgeDays disables removal of valid snapshots.
	s.retention = RetentionConfig{MaxSnapshots: 1}
	report = s.Cleanup(ctx)
	require.Empty(t, report.Deleted)
}

func TestRetentionKeepsNewestSuccess(t *testing.T) {
	var ctx, b, s, clock = newFixture(t, Config{Retention: RetentionConfig{MaxSnapshots: 1, MaxAgeDays: 1}})
	clock.set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	for _, spec := range []string{"2024-01-10", "2024-01-11", "2024-01-12:failed"} {
		var snap = fixture(spec)
		require.NoError(t, b.WriteSnapshot(ctx, snap.ID, backendtest.Body(t, snap)))
	}
	var report = s.Cleanup(ctx)
	require.Equal(t, []string{"2024-01-12", "2024-01-10"}, report.Deleted)
	require.Equal(t, []string{"2024-01-11"}, report.Kept)
}

func TestRetentionFailuresAreWarnings(t *testing.T) {
	var ctx = context.Background()
	var clock = newClock()
	clock.set(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty, Clock: clock.Now, Retention: RetentionConfig{MaxSnapshots: 1, MaxAgeDays: 1}})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15")

	faulty.Fail(backendtest.OpDeleteSnapshot, errors.New("permission denied"))
	res, err := s.WriteSnapshot(ctx, fixture("2024-01-16"))
	require.NoError(t, err)
	require.True(t, res.PointerUpdated)
	require.Empty(t, res.Cleanup.Deleted)
	require.Equal(t, []string{"deleting snapshot 2024-01-15: permission denied"}, res.Cleanup.Warnings)

	faulty.Fail(backendtest.OpListSnapshotIDs, errors.New("EIO"))
	var report = s.Cleanup(ctx)
	require.Equal(t, []string{"listing snapshots: EIO"}, report.Warnings)
}

func TestReadiness(t *testing.T) {
	var ctx = context.Background()
	var faulty = backendtest.NewFaulty(local.New(afero.NewMemMapFs(), "/store"))
	var s, err = New(Config{Backend: faulty})
	require.NoError(t, err)

	require.True(t, s.IsReady(ctx))
	faulty.Fail(backendtest.OpCheckReady, &backend.ConfigurationError{Backend: "local", Message: "read-only filesystem"})
	require.False(t, s.IsReady(ctx))
	require.EqualError(t, s.CheckReady(ctx), "local backend misconfigured: read-only filesystem")
}

func TestIntegrityAndRecovery(t *testing.T) {
	var ctx, b, s, _ = newFixture(t, Config{})
	writeAll(t, s, "2024-01-15", "2024-01-16")

	var report, err = s.ValidateIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy)

	var lb = b.(*local.Backend)
	require.NoError(t, afero.WriteFile(lb.Fs(), lb.Root()+"/snapshots/2024-01-15.json", []byte("{"), 0640))

	report, err = s.ValidateIntegrity(ctx)
	require.NoError(t, err)
	require.False(t, report.IsHealthy)
	require.Equal(t, []string{"2024-01-15"}, report.CorruptedIDs)

	guidance, err := s.GetRecoveryGuidance(ctx)
	require.NoError(t, err)
	require.Equal(t, recovery.TypeCorruptedSnapshots, guidance.RecoveryType)
	require.True(t, guidance.CanAutoRecover)

	res, err := s.RecoverFromCorruption(ctx, recovery.Options{CreateBackups: true, RemoveCorruptedFiles: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "2024-01-16", res.PointerTarget)

	report, err = s.ValidateIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Equal(t, []string{"2024-01-16"}, report.ValidIDs)
}

func TestSnapshotsForEntity(t *testing.T) {
	var ctx = context.Background()
	var b = local.New(afero.NewMemMapFs(), "/store")
	var ms = stores.NewMemoryStore(&url.URL{Scheme: "memory", Host: "index"})

	// Snapshots written before the index existed are found by its rebuild.
	require.NoError(t, b.WriteSnapshot(ctx, "2024-01-14", backendtest.Body(t, backendtest.Snapshot("2024-01-14", pb.StatusSuccess, 1))))

	var ix = index.NewIndexer(ms, index.DefaultPath, EntityIndexRebuilder(b))
	defer ix.Close()

	var s, err = New(Config{Backend: b, EntityIndex: ix, Clock: newClock().Now})
	require.NoError(t, err)
	writeAll(t, s, "2024-01-15", "2024-01-16")
	_, err = s.WriteSnapshot(ctx, backendtest.Snapshot("2024-01-17", pb.StatusSuccess, 1))
	require.NoError(t, err)

	ids, err := s.SnapshotsForEntity(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-16", "2024-01-15"}, ids)

	ids, err = s.SnapshotsForEntity(ctx, "E0")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-17", "2024-01-16", "2024-01-15", "2024-01-14"}, ids)

	require.NoError(t, s.DeleteSnapshot(ctx, "2024-01-16"))
	ids, err = s.SnapshotsForEntity(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-15"}, ids)

	_, err = s.SnapshotsForEntity(ctx, "E/1")
	require.EqualError(t, err, "Key: not a valid token (E/1)")

	s2, err := New(Config{Backend: b})
	require.NoError(t, err)
	_, err = s2.SnapshotsForEntity(ctx, "E0")
	require.Equal(t, ErrNoEntityIndex, err)
}

func TestNewValidation(t *testing.T) {
	var _, err = New(Config{})
	require.EqualError(t, err, "expected Backend")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newFixture(t *testing.T, cfg Config) (context.Context, backend.Backend, *Store, *testClock) {
	var clock = newClock()
	var b = local.New(afero.NewMemMapFs(), "/store")

	cfg.Backend, cfg.Clock = b, clock.Now
	var s, err = New(cfg)
	require.NoError(t, err)
	return context.Background(), b, s, clock
}

// fixture returns a Snapshot of a "<id>[:<status>]" spec.
func fixture(spec string) *pb.Snapshot {
	var id, status = spec, pb.StatusSuccess
	if len(spec) > 10 {
		id, status = spec[:10], pb.Status(spec[11:])
	}
	return backendtest.Snapshot(id, status, 2)
}

func writeAll(t *testing.T, s *Store, specs ...string) {
	for _, spec := range specs {
		var _, err = s.WriteSnapshot(context.Background(), fixture(spec))
		require.NoError(t, err)
	}
}

func requirePointer(t *testing.T, b backend.Backend, id string) {
	var body, err = b.ReadPointer(context.Background())
	require.NoError(t, err)
	p, err := pb.DecodePointer(body)
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.Equal(t, id, p.SnapshotID)
}

func metadataIDs(md []pb.Metadata) []string {
	var ids = make([]string, 0, len(md))
	for _, m := range md {
		ids = append(ids, m.ID)
	}
	return ids
}

// misconfiguredFinder is a LatestFinder which always fails with a
// ConfigurationError.
type misconfiguredFinder struct {
	backend.Backend
}

func (misconfiguredFinder) LatestSuccessfulID(context.Context) (string, error) {
	return "", &backend.ConfigurationError{Backend: "test", Message: "missing index"}
}

// gatedBackend blocks its first ListSnapshotIDs after being armed with
// |entered| and |release|, until |release| is closed.
type gatedBackend struct {
	backend.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	if g.entered == nil {
		return g.Backend.ListSnapshotIDs(ctx)
	}
	var first bool
	g.once.Do(func() { first = true })

	if first {
		close(g.entered)
		<-g.release
	}
	return g.Backend.ListSnapshotIDs(ctx)
}

func mustEncodePointer(t *testing.T, snap *pb.Snapshot) []byte {
	var body, err = pb.EncodePointer(pb.NewPointer(snap, snap.CreatedAt))
	require.NoError(t, err)
	return body
}
