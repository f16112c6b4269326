package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/catnap/store"
)

func TestOpsEvents_OrderingAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertOpsEvent(ctx, store.NowTS(), "ops.log", fmt.Sprintf(`{"n":%d}`, i))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	// Strictly increasing by 1 in insert order.
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("ids not consecutive: %v", ids)
		}
	}

	cursor, err := s.OpsEventCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != ids[len(ids)-1] {
		t.Fatalf("cursor = %d, want %d", cursor, ids[len(ids)-1])
	}

	// Replay after the second id returns exactly the remaining three,
	// ascending, gap-free.
	events, err := s.OpsEventsAfter(ctx, ids[1], "1970-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("replay returned %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.ID != ids[2+i] {
			t.Fatalf("replay[%d].ID = %d, want %d", i, e.ID, ids[2+i])
		}
	}
}

func TestOpsEvents_MinReplayIDSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldTS := store.FormatTS(time.Now().Add(-2 * time.Hour))
	newTS := store.NowTS()
	if _, err := s.InsertOpsEvent(ctx, oldTS, "ops.log", "{}"); err != nil {
		t.Fatal(err)
	}
	newID, err := s.InsertOpsEvent(ctx, newTS, "ops.log", "{}")
	if err != nil {
		t.Fatal(err)
	}

	cutoff := store.FormatTS(time.Now().Add(-time.Hour))
	minID, ok, err := s.MinOpsEventIDSince(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || minID != newID {
		t.Fatalf("minID = %d ok=%v, want %d true", minID, ok, newID)
	}

	// A cutoff in the future sees no events.
	_, ok, err = s.MinOpsEventIDSince(ctx, store.FormatTS(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no events inside an empty window")
	}
}

func TestOpsEvents_ReplayRespectsCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldTS := store.FormatTS(time.Now().Add(-2 * time.Hour))
	if _, err := s.InsertOpsEvent(ctx, oldTS, "ops.log", `{"old":true}`); err != nil {
		t.Fatal(err)
	}
	newID, err := s.InsertOpsEvent(ctx, store.NowTS(), "ops.log", `{"old":false}`)
	if err != nil {
		t.Fatal(err)
	}

	cutoff := store.FormatTS(time.Now().Add(-time.Hour))
	events, err := s.OpsEventsAfter(ctx, 0, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != newID {
		t.Fatalf("replay = %+v, want only the recent event", events)
	}
}

func TestOpsLogTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.InsertOpsEvent(ctx, store.NowTS(), "ops.log", fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatal(err)
		}
	}
	// Non-log events are excluded from the tail.
	if _, err := s.InsertOpsEvent(ctx, store.NowTS(), "ops.queue", "{}"); err != nil {
		t.Fatal(err)
	}

	tail, err := s.OpsLogTail(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail length = %d, want 3", len(tail))
	}
	// Oldest first within the tail window.
	if tail[0].ID > tail[1].ID || tail[1].ID > tail[2].ID {
		t.Fatalf("tail not ascending: %d %d %d", tail[0].ID, tail[1].ID, tail[2].ID)
	}
	if tail[0].DataJSON != `{"n":1}` {
		t.Fatalf("tail[0] = %s, want n=1", tail[0].DataJSON)
	}
}

func TestCleanupOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldTS := store.FormatTS(time.Now().AddDate(0, 0, -10))
	if _, err := s.InsertOpsEvent(ctx, oldTS, "ops.log", "{}"); err != nil {
		t.Fatal(err)
	}
	keepID, err := s.InsertOpsEvent(ctx, store.NowTS(), "ops.log", "{}")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CleanupOps(ctx, 7); err != nil {
		t.Fatal(err)
	}
	events, err := s.OpsEventsAfter(ctx, 0, "1970-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != keepID {
		t.Fatalf("after cleanup: %+v, want only the recent event", events)
	}
}
