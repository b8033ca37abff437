package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, CategoryUnknown},
		{"rate limited sentinel", ErrRateLimited, CategoryQuota},
		{"quota sentinel", ErrQuotaExceeded, CategoryQuota},
		{"access denied sentinel", ErrAccessDenied, CategoryQuota},
		{"wrapped rate limit", fmt.Errorf("presign: %w", ErrRateLimited), CategoryQuota},
		{"api 429", &APIError{StatusCode: 429, Code: "RATE_LIMIT", Message: "slow down"}, CategoryQuota},
		{"api 403", &APIError{StatusCode: 403, Code: "FORBIDDEN", Message: "no"}, CategoryQuota},
		{"api 500", &APIError{StatusCode: 500, Code: "SERVER_ERROR", Message: "boom"}, CategoryServer},
		{"api 503", &APIError{StatusCode: 503, Code: "UNAVAILABLE", Message: "maintenance"}, CategoryServer},
		{"quota phrased", errors.New("monthly upload quota reached"), CategoryQuota},
		{"server phrased", errors.New("server error 502: bad gateway"), CategoryServer},
		{"deadline", context.DeadlineExceeded, CategoryNetwork},
		{"offline sentinel", ErrOffline, CategoryNetwork},
		{"refused", errors.New("dial tcp 127.0.0.1:443: connection refused"), CategoryNetwork},
		{"reset", errors.New("read: connection reset by peer"), CategoryNetwork},
		{"dns", errors.New("lookup api.example.com: no such host"), CategoryNetwork},
		{"timeout phrased", errors.New("request timed out"), CategoryNetwork},
		{"eof", errors.New("unexpected EOF"), CategoryNetwork},
		{"garbage", errors.New("something inexplicable"), CategoryUnknown},
		{"api 400", &APIError{StatusCode: 400, Code: "BAD_REQUEST", Message: "nope"}, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	errs := []error{
		ErrRateLimited,
		errors.New("connection refused"),
		&APIError{StatusCode: 500, Code: "X", Message: "y"},
		errors.New("weird"),
	}
	for _, err := range errs {
		first := Classify(err)
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, Classify(err))
		}
	}
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, CategoryNetwork.Retryable())
	assert.True(t, CategoryServer.Retryable())
	assert.False(t, CategoryQuota.Retryable())
	assert.False(t, CategoryUnknown.Retryable())
}

func TestUserMismatchError(t *testing.T) {
	err := &UserMismatchError{Bound: "user-a", Active: "user-b"}
	assert.Contains(t, err.Error(), "user-a")
	assert.Contains(t, err.Error(), "user-b")
}
