package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsJobs(t *testing.T) {
	var count, failed int32
	sched := NewScheduler(10*time.Millisecond, nil)
	sched.Add("count", func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	sched.Add("fail", func(ctx context.Context) error {
		atomic.AddInt32(&failed, 1)
		return errors.New("store closed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sched.Start(ctx)
	if c := atomic.LoadInt32(&count); c == 0 {
		t.Fatalf("expected jobs to run, got %d", c)
	}
	if c := atomic.LoadInt32(&failed); c == 0 {
		t.Fatalf("failing job must keep being scheduled, got %d", c)
	}
}
