package audit

import (
	"context"
	"testing"
	"time"
)

type captureSink struct {
	uploads int
	date    time.Time
	entries map[string]any
}

func (s *captureSink) UploadAuditSnapshot(_ context.Context, date time.Time, entries map[string]any) error {
	s.uploads++
	s.date = date
	s.entries = entries
	return nil
}

func TestExportSnapshotSelectsByUpdateTime(t *testing.T) {
	ctx := context.Background()
	trail := NewMemoryTrail()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	trail.SetClock(func() time.Time { return now })

	if err := trail.Merge(ctx, "claim:1", Fields{"stage": "issued"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	now = now.Add(time.Hour)
	if err := trail.Merge(ctx, "claim:2", Fields{"stage": "rewarded"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	sink := &captureSink{}
	cutoff := time.Date(2024, 6, 1, 0, 30, 0, 0, time.UTC)
	if err := ExportSnapshot(ctx, trail, sink, cutoff, now); err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}

	if sink.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", sink.uploads)
	}
	if !sink.date.Equal(now) {
		t.Errorf("snapshot date = %v, want %v", sink.date, now)
	}
	if _, ok := sink.entries["claim:2"]; !ok || len(sink.entries) != 1 {
		t.Errorf("snapshot entries = %v, want only claim:2", sink.entries)
	}
}

func TestExportSnapshotSkipsEmptyWindow(t *testing.T) {
	ctx := context.Background()
	trail := NewMemoryTrail()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	trail.SetClock(func() time.Time { return now })

	if err := trail.Merge(ctx, "claim:1", Fields{"stage": "issued"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	sink := &captureSink{}
	if err := ExportSnapshot(ctx, trail, sink, now.Add(time.Minute), now.Add(time.Hour)); err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	if sink.uploads != 0 {
		t.Errorf("uploads = %d, want 0 for an empty window", sink.uploads)
	}
}
