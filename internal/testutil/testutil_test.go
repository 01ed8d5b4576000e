package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForReturnsOnceConditionHolds(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Store(1)
	}()
	WaitFor(t, "flag", func() bool { return n.Load() == 1 })
}

func TestNoSleep(t *testing.T) {
	if err := NoSleep(context.Background(), time.Hour); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NoSleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusTeapot)
	AssertHTTPStatus(t, rec, http.StatusTeapot, "teapot")
}
