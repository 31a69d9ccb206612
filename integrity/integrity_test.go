package integrity

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/backend/backendtest"
	"go.snapstore.dev/core/backend/local"
	pb "go.snapstore.dev/core/protocol"
)

func TestValidateSnapshotCases(t *testing.T) {
	var ctx, b = context.Background(), newBackend()
	var v = NewValidator(b)

	var good = backendtest.Snapshot("2024-01-15", pb.StatusSuccess, 3)
	var wrongCount = backendtest.Snapshot("2024-01-16", pb.StatusSuccess, 3)
	wrongCount.Payload.Metadata.EntityCount = 5
	var moved = backendtest.Snapshot("2024-01-18", pb.StatusSuccess, 1)

	require.NoError(t, b.WriteSnapshot(ctx, "2024-01-15", backendtest.Body(t, good)))
	require.NoError(t, b.WriteSnapshot(ctx, "2024-01-16", backendtest.Body(t, wrongCount)))
	require.NoError(t, b.WriteSnapshot(ctx, "2024-01-17", []byte(`{"id": "2024-01-17", "sta`)))
	require.NoError(t, b.WriteSnapshot(ctx, "2024-01-19", backendtest.Body(t, moved)))

	var r = v.ValidateSnapshot(ctx, "2024-01-15")
	require.True(t, r.IsValid)
	require.Empty(t, r.Issues)
	require.Equal(t, pb.StatusSuccess, r.Status)
	require.Equal(t, good.ID, r.Snapshot.ID)
	require.NotZero(t, r.SizeBytes)

	var cases = []struct {
		id     string
		code   IssueCode
		status pb.Status
	}{
		{"2024-01-16", CodeStructure, pb.StatusSuccess},
		{"2024-01-17", CodeUnparsable, ""},
		{"2024-01-19", CodeIDMismatch, pb.StatusSuccess},
		{"2024-01-20", CodeNotFound, ""},
	}
	for _, tc := range cases {
		var r = v.ValidateSnapshot(ctx, tc.id)
		require.False(t, r.IsValid, tc.id)
		require.Nil(t, r.Snapshot, tc.id)
		require.Equal(t, tc.status, r.Status, tc.id)
		require.Len(t, r.Issues, 1, tc.id)
		require.Equal(t, tc.code, r.Issues[0].Code, tc.id)
	}
	require.Contains(t, v.ValidateSnapshot(ctx, "2024-01-16").Issues[0].Message, "EntityCount (5) != len(Entities) (3)")
}

func TestValidateSnapshotReadFailure(t *testing.T) {
	var faulty = backendtest.NewFaulty(newBackend())
	var cause = &backend.UnavailableError{Backend: "local", Op: "read", Err: errors.New("EIO")}
	faulty.Fail(backendtest.OpReadSnapshot, cause)

	var r = NewValidator(faulty).ValidateSnapshot(context.Background(), "2024-01-15")
	require.False(t, r.IsValid)
	require.Equal(t, CodeUnreadable, r.Issues[0].Code)
	require.Equal(t, cause, r.Err)

	// ValidateStore fails rather than reporting an unreadable store as corrupt.
	require.NoError(t, faulty.Backend.WriteSnapshot(context.Background(), "2024-01-15", []byte("{}")))
	var _, err = NewValidator(faulty).ValidateStore(context.Background())
	require.Equal(t, cause, err)
}

func TestValidateStoreCases(t *testing.T) {
	var s15 = backendtest.Snapshot("2024-01-15", pb.StatusSuccess, 2)
	var s16 = backendtest.Snapshot("2024-01-16", pb.StatusFailed, 0)
	var s17 = backendtest.Snapshot("2024-01-17", pb.StatusSuccess, 2)

	var cases = []struct {
		name    string
		setup   func(t *testing.T, b backend.Backend)
		verify  func(t *testing.T, r StoreReport)
		healthy bool
	}{
		{
			name:    "empty",
			setup:   func(t *testing.T, b backend.Backend) {},
			healthy: true,
			verify: func(t *testing.T, r StoreReport) {
				require.Empty(t, r.Issues)
				require.Empty(t, r.LatestSuccessfulID)
			},
		},
		{
			name: "healthy",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WritePointer(context.Background(), backendtest.Pointer(t, s17)))
			},
			healthy: true,
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.IsValid())
				require.Equal(t, []string{"2024-01-17", "2024-01-16", "2024-01-15"}, r.ValidIDs)
				require.Equal(t, "2024-01-17", r.LatestSuccessfulID)
			},
		},
		{
			name:  "pointer missing",
			setup: func(t *testing.T, b backend.Backend) {},
			verify: func(t *testing.T, r StoreReport) {
				require.False(t, r.Pointer.Present)
				require.Equal(t, []string{"pointer: not-found: pointer does not exist"}, r.Issues)
			},
		},
		{
			name: "pointer corrupted",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WritePointer(context.Background(), []byte("{\"snapshotId\": ")))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.Present)
				require.False(t, r.Pointer.Parseable)
				require.Equal(t, CodeUnparsable, r.Pointer.Issues[0].Code)
			},
		},
		{
			name: "pointer invalid",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WritePointer(context.Background(), []byte(`{"snapshotId": "latest"}`)))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.False(t, r.Pointer.Parseable)
				require.Equal(t, CodeStructure, r.Pointer.Issues[0].Code)
			},
		},
		{
			name: "pointer target missing",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WritePointer(context.Background(),
					backendtest.Pointer(t, backendtest.Snapshot("2024-01-20", pb.StatusSuccess, 1))))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.Parseable)
				require.False(t, r.Pointer.TargetExists)
				require.Equal(t, "not-found: pointer references missing snapshot 2024-01-20", r.Pointer.Issues[0].String())
			},
		},
		{
			name: "pointer target not successful",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WritePointer(context.Background(), backendtest.Pointer(t, s16)))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.TargetExists)
				require.True(t, r.Pointer.TargetValid)
				require.False(t, r.Pointer.TargetSuccess)
			},
		},
		{
			name: "pointer target corrupted",
			setup: func(t *testing.T, b backend.Backend) {
				require.NoError(t, b.WriteSnapshot(context.Background(), s17.ID, []byte("garbage")))
				require.NoError(t, b.WritePointer(context.Background(), backendtest.Pointer(t, s17)))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.TargetExists)
				require.False(t, r.Pointer.TargetValid)
				require.Equal(t, []string{"2024-01-17"}, r.CorruptedIDs)
				require.Equal(t, "2024-01-15", r.LatestSuccessfulID)
			},
		},
		{
			name: "version mismatch",
			setup: func(t *testing.T, b backend.Backend) {
				var p = pb.NewPointer(s17, s17.CreatedAt)
				p.CalculationVersion = "1.9.0"
				var body, err = pb.EncodePointer(p)
				require.NoError(t, err)
				require.NoError(t, b.WritePointer(context.Background(), body))
			},
			verify: func(t *testing.T, r StoreReport) {
				require.True(t, r.Pointer.IsValid())
				require.True(t, r.Pointer.VersionMismatch)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ctx, b = context.Background(), newBackend()
			if tc.name != "empty" {
				for _, s := range []*pb.Snapshot{s15, s16, s17} {
					require.NoError(t, b.WriteSnapshot(ctx, s.ID, backendtest.Body(t, s)))
				}
			}
			tc.setup(t, b)

			var r, err = NewValidator(b).ValidateStore(ctx)
			require.NoError(t, err)
			require.Equal(t, tc.healthy, r.IsHealthy)
			require.False(t, r.CheckedAt.IsZero())
			tc.verify(t, r)

			if !tc.healthy {
				require.NotEmpty(t, r.Issues)
			}
		})
	}
}

func TestValidatorDoesNotMutate(t *testing.T) {
	var ctx = context.Background()
	var faulty = backendtest.NewFaulty(newBackend())
	require.NoError(t, faulty.WriteSnapshot(ctx, "2024-01-15", []byte("garbage")))
	require.NoError(t, faulty.WritePointer(ctx, []byte("garbage")))
	faulty.ResetCalls()

	var _, err = NewValidator(faulty).ValidateStore(ctx)
	require.NoError(t, err)
	_, err = NewValidator(faulty).ValidatePointer(ctx)
	require.NoError(t, err)

	for _, op := range []string{
		backendtest.OpWriteSnapshot, backendtest.OpDeleteSnapshot, backendtest.OpWritePointer,
		backendtest.OpDeletePointer, backendtest.OpWriteBackup,
	} {
		require.Zero(t, faulty.Calls(op), op)
	}
}

func newBackend() backend.Backend { return local.New(afero.NewMemMapFs(), "/store") }
