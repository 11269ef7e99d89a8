package auditlog

import (
	"path/filepath"
	"testing"
	"time"

	"claimsync.ai/internal/model"
)

func TestAppendRotatesHourlyAndReportsClosedSegments(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "audit")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })
	var closed []string
	w.OnClose = func(path string) { closed = append(closed, path) }

	c := model.Claim{ID: "c1", OwnerID: "p1", World: "w"}
	if err := w.Append(Entry{Action: ActionClaimCreate, ActorID: "p1", ClaimID: c.ID, Claim: &c}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(Entry{Action: ActionClaimDelete, ActorID: "p1", ClaimID: c.ID}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Append(Entry{Action: ActionPartyCreate, ActorID: "p1", Party: &model.Party{ID: "party"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first := filepath.Join(dir, "audit-2026-03-01-10.jsonl.zst")
	if len(closed) != 1 || closed[0] != first {
		t.Fatalf("closed after rotation = %v", closed)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("close did not report the open segment: %v", closed)
	}
	if err := w.Close(); err != nil || len(closed) != 2 {
		t.Fatalf("second close: err=%v closed=%v", err, closed)
	}

	segs, err := Segments(dir, "audit")
	if err != nil || len(segs) != 2 {
		t.Fatalf("Segments = %v, %v", segs, err)
	}
	entries, err := ReadSegment(segs[0])
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(entries) != 2 || entries[0].Claim == nil || entries[0].Claim.ID != "c1" || entries[1].Action != ActionClaimDelete {
		t.Fatalf("unexpected entries: %#v", entries)
	}
	if entries[0].Time != time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("time not stamped: %d", entries[0].Time)
	}
}

func TestReopenAppendsToSameHour(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := New(dir, "audit")
		w.SetClock(func() time.Time { return now })
		if err := w.Append(Entry{Action: ActionClaimUpdate, ActorID: "p1"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	entries, err := ReadSegment(filepath.Join(dir, "audit-2026-03-01-10.jsonl.zst"))
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected concatenated frames to decode as 2 entries, got %d", len(entries))
	}
}
