package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dns-proxy/pkg/logging"
)

type cleanupRecorder struct {
	NoOpStorage
	calls  atomic.Int32
	cutoff atomic.Value
}

func (c *cleanupRecorder) Cleanup(_ context.Context, olderThan time.Time) error {
	c.calls.Add(1)
	c.cutoff.Store(olderThan)
	return nil
}

func TestRunRetention(t *testing.T) {
	rec := &cleanupRecorder{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunRetention(ctx, rec, 7, 20*time.Millisecond, logging.NewDiscard()) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if rec.calls.Load() < 2 {
		t.Fatalf("expected an immediate and a periodic cleanup, got %d", rec.calls.Load())
	}

	cutoff := rec.cutoff.Load().(time.Time)
	age := time.Since(cutoff)
	if age < 7*24*time.Hour || age > 7*24*time.Hour+time.Minute {
		t.Errorf("cutoff %v is not seven days back", cutoff)
	}
}

func TestRunRetentionDisabled(t *testing.T) {
	rec := &cleanupRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := RunRetention(ctx, rec, 0, time.Millisecond, logging.NewDiscard()); err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if rec.calls.Load() != 0 {
		t.Errorf("retention_days 0 should keep everything, got %d cleanups", rec.calls.Load())
	}
}
