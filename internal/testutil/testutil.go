// Package testutil provides helpers shared by BulkPipe's package tests.
package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

// DefaultWaitTimeout bounds WaitFor.
const DefaultWaitTimeout = 2 * time.Second

// WaitFor polls cond until it holds, failing the test after DefaultWaitTimeout.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultWaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// NoSleep returns immediately unless ctx is already done. It stands in for
// pacing sleeps so send loops run at full speed.
func NoSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, rec *httptest.ResponseRecorder, expected int, context string) {
	t.Helper()
	if rec.Code != expected {
		t.Errorf("%s: expected status %d, got %d: %s", context, expected, rec.Code, rec.Body.String())
	}
}
