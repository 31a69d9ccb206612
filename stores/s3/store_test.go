package s3

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

func TestS3StoreErrorClassification(t *testing.T) {
	store := &store{}

	tests := []struct {
		name     string
		err      error
		auth     bool
		notFound bool
	}{
		{
			name: "NoSuchBucket is an auth error",
			err:  awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist", nil),
			auth: true,
		},
		{
			name: "NoSuchBucket with 404 is not a missing object",
			err:  awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "no bucket", nil), http.StatusNotFound, "id"),
			auth: true,
		},
		{
			name: "AccessDenied is an auth error",
			err:  awserr.New(s3ErrCodeAccessDenied, "Access Denied", nil),
			auth: true,
		},
		{
			name: "403 Forbidden via RequestFailure is an auth error",
			err:  awserr.NewRequestFailure(awserr.New("Forbidden", "Forbidden", nil), http.StatusForbidden, "request-id"),
			auth: true,
		},
		{
			name:     "NoSuchKey is a missing object",
			err:      awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil),
			notFound: true,
		},
		{
			name:     "HEAD 404 is a missing object",
			err:      awserr.NewRequestFailure(awserr.New(s3ErrCodeNotFound, "Not Found", nil), http.StatusNotFound, "id"),
			notFound: true,
		},
		{
			name: "InvalidAccessKeyId is neither (AuthN failure)",
			err:  awserr.New("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist", nil),
		},
		{
			name: "Generic error is neither",
			err:  errors.New("connection timeout"),
		},
		{
			name: "Nil error is neither",
			err:  nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.auth, store.IsAuthError(test.err))
			require.Equal(t, test.notFound, store.IsNotFound(test.err))
		})
	}
}
