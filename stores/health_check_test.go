package stores

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// errorReader is a reader that always returns an error
type errorReader struct{}

func (errorReader) Read([]byte) (int, error) {
	return 0, errors.New("read error")
}

func TestHealthCheckOfMemoryStore(t *testing.T) {
	var mem = NewMemoryStore(mustParseURL("mem://bucket/"))
	require.NoError(t, CheckHealth(context.Background(), mem))
	// The probe object is removed.
	require.Empty(t, mem.Content)
}

func TestHealthCheckCases(t *testing.T) {
	const testContent = "health-check\n"

	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/signed/test" {
			w.Write([]byte(testContent))
		} else {
			w.Write([]byte("wrong content"))
		}
	}))
	defer server.Close()

	// healthy returns a HookStore over a MemoryStore which passes every
	// check, and which tests then selectively break.
	var healthy = func() *HookStore {
		return &HookStore{
			Store: NewMemoryStore(mustParseURL("mem://bucket/")),
			OnSignGet: func(path string, _ time.Duration) (string, error) {
				require.True(t, strings.HasPrefix(path, ".health/probe-"))
				return server.URL + "/signed/test", nil
			},
		}
	}

	var tests = []struct {
		name          string
		expectedError string
		breakFn       func(*HookStore)
	}{
		{
			name: "Success",
		},
		{
			name:          "PUT Failure",
			expectedError: "health check PUT failed: denied",
			breakFn: func(s *HookStore) {
				s.OnPut = func(context.Context, string, io.ReaderAt, int64, string) error {
					return errors.New("denied")
				}
			},
		},
		{
			name:          "GET Failure",
			expectedError: "health check GET failed: simulated GET failure",
			breakFn: func(s *HookStore) {
				s.OnGet = func(context.Context, string) (io.ReadCloser, error) {
					return nil, errors.New("simulated GET failure")
				}
			},
		},
		{
			name:          "GET Returns Nil Reader",
			expectedError: "health check GET returned nil reader",
			breakFn: func(s *HookStore) {
				s.OnGet = func(context.Context, string) (io.ReadCloser, error) { return nil, nil }
			},
		},
		{
			name:          "Read Failure",
			expectedError: "health check read failed: read error",
			breakFn: func(s *HookStore) {
				s.OnGet = func(context.Context, string) (io.ReadCloser, error) {
					return io.NopCloser(errorReader{}), nil
				}
			},
		},
		{
			name:          "Content Mismatch",
			expectedError: `health check content mismatch: got "wrong", want "health-check\n"`,
			breakFn: func(s *HookStore) {
				s.OnGet = func(context.Context, string) (io.ReadCloser, error) {
					return io.NopCloser(strings.NewReader("wrong")), nil
				}
			},
		},
		{
			name:          "LIST Missing",
			expectedError: "health check LIST did not find test file",
			breakFn: func(s *HookStore) {
				s.OnList = func(context.Context, string, func(string, time.Time) error) error { return nil }
			},
		},
		{
			name:          "Signed Fetch Mismatch",
			expectedError: `health check fetch content mismatch: got "wrong content", want "health-check\n"`,
			breakFn: func(s *HookStore) {
				s.OnSignGet = func(string, time.Duration) (string, error) { return server.URL + "/wrong", nil }
			},
		},
		{
			name:          "REMOVE Failure",
			expectedError: "health check REMOVE failed: gone",
			breakFn: func(s *HookStore) {
				s.OnRemove = func(context.Context, string) error { return errors.New("gone") }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s = healthy()
			if tt.breakFn != nil {
				tt.breakFn(s)
			}
			var err = CheckHealth(context.Background(), s)

			if tt.expectedError == "" {
				require.NoError(t, err)
				require.Empty(t, s.Store.(*MemoryStore).Content)
			} else {
				require.EqualError(t, err, tt.expectedError)
			}
		})
	}
}
