package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobValidatesSpec(t *testing.T) {
	s := NewScheduler()
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{DefaultQuotaResetSpec, false},
		{"*/5 * * * *", false},
		{"@every 1m", false},
		{"not a cron", true},
		{"* * * * * *", true},
	}
	for _, tt := range tests {
		err := s.AddJob("job", tt.spec, func() {})
		if (err != nil) != tt.wantErr {
			t.Errorf("AddJob(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}
}

func TestJobRunsAndReplaces(t *testing.T) {
	s := NewScheduler(WithLocation(time.UTC))
	var first, second atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func() { first.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("tick", "@every 1s", func() { second.Add(1) }); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for second.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if second.Load() == 0 {
		t.Fatal("replacement job never ran")
	}
	if first.Load() != 0 {
		t.Errorf("replaced job ran %d times", first.Load())
	}
	if s.Next("tick").IsZero() {
		t.Error("expected a next run time once started")
	}
	if !s.Next("missing").IsZero() {
		t.Error("unknown job should have no next run")
	}
}

func TestStopHonoursContext(t *testing.T) {
	s := NewScheduler()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
}
