package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Snapshotter lists entries touched since a point in time. Both trail
// implementations satisfy it.
type Snapshotter interface {
	UpdatedSince(ctx context.Context, since time.Time) (map[string]Fields, error)
}

// SnapshotSink receives dated exports; satisfied by services.ArchiveService.
type SnapshotSink interface {
	UploadAuditSnapshot(ctx context.Context, date time.Time, entries map[string]any) error
}

// ExportSnapshot uploads one dated export of the entries updated since the
// cutoff. An empty window uploads nothing.
func ExportSnapshot(ctx context.Context, trail Snapshotter, sink SnapshotSink, since, date time.Time) error {
	entries, err := trail.UpdatedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list audit entries for snapshot: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]any, len(entries))
	for ref, fields := range entries {
		out[ref] = map[string]any(fields)
	}
	if err := sink.UploadAuditSnapshot(ctx, date, out); err != nil {
		return fmt.Errorf("failed to upload audit snapshot: %w", err)
	}
	return nil
}

// RunSnapshotLoop exports once per interval until ctx is cancelled, so entries
// reach object storage before the retention TTL ages them out of the trail. A
// failed export keeps the window open and retries it next tick.
func RunSnapshotLoop(ctx context.Context, trail Snapshotter, sink SnapshotSink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	since := time.Now().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := ExportSnapshot(ctx, trail, sink, since, now); err != nil {
				slog.Error("Audit snapshot export failed", slog.Any("error", err))
				continue
			}
			since = now
		}
	}
}
