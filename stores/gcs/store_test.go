package gcs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGCSStoreErrorClassification(t *testing.T) {
	store := &store{}

	tests := []struct {
		name     string
		err      error
		auth     bool
		notFound bool
	}{
		{
			name: "ErrBucketNotExist is an auth error",
			err:  storage.ErrBucketNotExist,
			auth: true,
		},
		{
			name: "403 Forbidden is an auth error",
			err:  &googleapi.Error{Code: http.StatusForbidden, Message: "Access denied"},
			auth: true,
		},
		{
			name: "404 with bucket message is an auth error",
			err:  &googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist"},
			auth: true,
		},
		{
			name:     "404 of an object is a missing object",
			err:      &googleapi.Error{Code: http.StatusNotFound, Message: "No such object: snapshots/2024-01-15.json"},
			notFound: true,
		},
		{
			name:     "ErrObjectNotExist is a missing object",
			err:      fmt.Errorf("reading: %w", storage.ErrObjectNotExist),
			notFound: true,
		},
		{
			name: "401 Unauthorized is neither (AuthN failure)",
			err:  &googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid credentials"},
		},
		{
			name: "Generic error is neither",
			err:  errors.New("network timeout"),
		},
		{
			name: "Nil error is neither",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.auth, store.IsAuthError(test.err))
			require.Equal(t, test.notFound, store.IsNotFound(test.err))
		})
	}
}
