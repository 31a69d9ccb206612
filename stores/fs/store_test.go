package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.snapstore.dev/core/stores"
)

func TestStore(t *testing.T) {
	var tempDir = t.TempDir()
	var ctx = context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "file.txt"), []byte("content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "sub", "nested.txt"), []byte("nested"), 0644))

	_, err := New(mustParseURL("file://" + tempDir + "/?invalid=param"))
	require.Error(t, err)

	s, err := New(mustParseURL("file://" + tempDir + "/"))
	require.NoError(t, err)
	require.Equal(t, "fs", s.Provider())

	signed, err := s.SignGet("file.txt", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.ToSlash(filepath.Join(tempDir, "file.txt")), signed)

	exists, err := s.Exists(ctx, "file.txt")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = s.Exists(ctx, "missing.txt")
	require.NoError(t, err)
	require.False(t, exists)

	content, err := stores.ReadAll(ctx, s, "file.txt")
	require.NoError(t, err)
	require.Equal(t, "content", string(content))

	_, err = s.Get(ctx, "missing.txt")
	require.True(t, s.IsNotFound(err))

	require.NoError(t, s.Put(ctx, "new.txt", strings.NewReader("new"), 3, ""))
	require.FileExists(t, filepath.Join(tempDir, "new.txt"))

	var files []string
	require.NoError(t, s.List(ctx, "", func(path string, modTime time.Time) error {
		files = append(files, path)
		return nil
	}))
	require.ElementsMatch(t, []string{"file.txt", "new.txt", "sub/nested.txt"}, files)

	files = nil
	require.NoError(t, s.List(ctx, "sub", func(path string, modTime time.Time) error {
		files = append(files, path)
		return nil
	}))
	require.Equal(t, []string{"nested.txt"}, files)

	// Listing a missing directory is empty.
	require.NoError(t, s.List(ctx, "nope/", func(string, time.Time) error {
		panic("not called")
	}))

	err = s.List(ctx, "", func(path string, modTime time.Time) error {
		return errors.New("callback error")
	})
	require.EqualError(t, err, "callback error")

	require.NoError(t, s.Remove(ctx, "new.txt"))
	require.NoFileExists(t, filepath.Join(tempDir, "new.txt"))
	require.True(t, s.IsNotFound(s.Remove(ctx, "missing.txt")))
}

func TestPutRequiresRootDirectory(t *testing.T) {
	var s, err = New(mustParseURL("file://" + t.TempDir() + "/nonexistent/"))
	require.NoError(t, err)

	err = s.Put(context.Background(), "file.txt", strings.NewReader("data"), 4, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), invalidFileStoreDirectory)
	require.True(t, s.IsAuthError(err))
	require.False(t, s.IsNotFound(err))
}

func TestIsAuthError(t *testing.T) {
	s, _ := New(mustParseURL("file:///tmp/"))

	tests := []struct {
		err      error
		expected bool
	}{
		{os.ErrPermission, true},
		{fmt.Errorf("wrapped: %w", os.ErrPermission), true},
		{fmt.Errorf("%s: test", invalidFileStoreDirectory), true},
		{os.ErrNotExist, false},
		{errors.New("other error"), false},
		{nil, false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, s.IsAuthError(tt.err), "err: %v", tt.err)
	}
}

func TestPutAtomicOperations(t *testing.T) {
	var tempDir = t.TempDir()
	var ctx = context.Background()
	s, _ := New(mustParseURL("file://" + tempDir + "/"))

	// Temp files are removed on error.
	err := s.Put(ctx, "fail.txt", &failingReader{}, 100, "")
	require.Error(t, err)

	matches, _ := filepath.Glob(filepath.Join(tempDir, ".partial-*"))
	require.Empty(t, matches)
	require.NoFileExists(t, filepath.Join(tempDir, "fail.txt"))

	require.NoError(t, s.Put(ctx, "atomic.txt", strings.NewReader("v1"), 2, ""))

	reader, err := s.Get(ctx, "atomic.txt")
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, s.Put(ctx, "atomic.txt", strings.NewReader("v2"), 2, ""))

	// Original handle still reads old content.
	content, _ := io.ReadAll(reader)
	require.Equal(t, "v1", string(content))

	// The store passes its own health check.
	require.NoError(t, stores.CheckHealth(ctx, s))
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) { return 0, errors.New("read failed") }

func mustParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
