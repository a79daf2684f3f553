package store

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetGetMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "users", "u1", map[string]any{"name": "Ali", "role": "student"}, false); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := m.Set(ctx, "users", "u1", map[string]any{"phone": "0100"}, true); err != nil {
		t.Fatalf("merge error: %v", err)
	}

	doc, err := m.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if doc.Data["name"] != "Ali" || doc.Data["phone"] != "0100" {
		t.Fatalf("expected merged document, got %v", doc.Data)
	}

	if _, err := m.Get(ctx, "users", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryFindFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seed := []struct {
		id   string
		data map[string]any
	}{
		{"n1", map[string]any{"recipients": []any{"all"}, "timestamp": "2026-01-01T00:00:00.000000000Z"}},
		{"n2", map[string]any{"recipients": []any{"student"}, "timestamp": "2026-01-03T00:00:00.000000000Z"}},
		{"n3", map[string]any{"recipients": []any{"teacher"}, "timestamp": "2026-01-02T00:00:00.000000000Z"}},
		{"n4", map[string]any{"recipients": []any{"stage-7"}, "timestamp": "2026-01-04T00:00:00.000000000Z"}},
	}
	for _, s := range seed {
		if err := m.Set(ctx, "notifications", s.id, s.data, false); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	docs, err := m.Find(ctx, Query{
		Collection: "notifications",
		Filters: []Filter{{
			Field: "recipients",
			Op:    OpArrayContainsAny,
			Value: []string{"all", "student", "stage-7"},
		}},
		OrderBy: "timestamp",
		Desc:    true,
	})
	if err != nil {
		t.Fatalf("find error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	if docs[0].ID != "n4" || docs[1].ID != "n2" || docs[2].ID != "n1" {
		t.Fatalf("unexpected order: %s %s %s", docs[0].ID, docs[1].ID, docs[2].ID)
	}

	docs, err = m.Find(ctx, Query{
		Collection: "notifications",
		Filters:    []Filter{{Field: "recipients", Op: OpArrayContains, Value: "teacher"}},
	})
	if err != nil {
		t.Fatalf("find error: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "n3" {
		t.Fatalf("expected only n3, got %v", docs)
	}
}

func TestMemoryFindLimitAndDocID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Set(ctx, "subjects", id, map[string]any{"name": id}, false); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	docs, err := m.Find(ctx, Query{Collection: "subjects", OrderBy: "name", Limit: 2})
	if err != nil {
		t.Fatalf("find error: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" {
		t.Fatalf("expected limited ordered result, got %v", docs)
	}

	docs, err = m.Find(ctx, Query{Collection: "subjects", DocID: "b"})
	if err != nil {
		t.Fatalf("find error: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("expected single doc b, got %v", docs)
	}
}

func TestMemoryWatchDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	events, unsubscribe, err := m.Watch(ctx, Query{
		Collection: "chats",
		Filters:    []Filter{{Field: "participants", Op: OpArrayContains, Value: "u1"}},
	})
	if err != nil {
		t.Fatalf("watch error: %v", err)
	}
	defer unsubscribe()

	ev := waitEvent(t, events)
	if len(ev.Docs) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d docs", len(ev.Docs))
	}

	if err := m.Set(ctx, "chats", "c1", map[string]any{"participants": []any{"u1", "u2"}}, false); err != nil {
		t.Fatalf("set error: %v", err)
	}
	ev = waitEvent(t, events)
	if len(ev.Docs) != 1 || ev.Docs[0].ID != "c1" {
		t.Fatalf("expected snapshot with c1, got %v", ev.Docs)
	}

	// A chat the viewer does not take part in still triggers a
	// recomputation, but the snapshot must not include it.
	if err := m.Set(ctx, "chats", "c2", map[string]any{"participants": []any{"u3", "u4"}}, false); err != nil {
		t.Fatalf("set error: %v", err)
	}
	ev = waitEvent(t, events)
	if len(ev.Docs) != 1 {
		t.Fatalf("expected filtered snapshot, got %d docs", len(ev.Docs))
	}

	unsubscribe()
	unsubscribe() // safe twice
}

func TestMemoryBatchAtomicAndObserved(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "chats", "c1", map[string]any{"participants": []any{"u1", "u2"}, "readBy": []any{"u1", "u2"}}, false); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	events, unsubscribe, err := m.Watch(ctx, Query{Collection: "chats"})
	if err != nil {
		t.Fatalf("watch error: %v", err)
	}
	defer unsubscribe()
	waitEvent(t, events)

	ops := []Op{
		SetOp("chats/c1/messages", "m1", map[string]any{"text": "hi", "senderId": "u1"}),
		MergeOp("chats", "c1", map[string]any{
			"lastMessage": map[string]any{"text": "hi", "senderId": "u1"},
			"readBy":      []any{"u1"},
		}),
	}
	if err := m.Batch(ctx, ops); err != nil {
		t.Fatalf("batch error: %v", err)
	}

	ev := waitEvent(t, events)
	if len(ev.Docs) != 1 {
		t.Fatalf("expected one chat, got %d", len(ev.Docs))
	}
	readBy, _ := ev.Docs[0].Data["readBy"].([]any)
	if len(readBy) != 1 || readBy[0] != "u1" {
		t.Fatalf("expected readBy reset to sender, got %v", readBy)
	}

	msg, err := m.Get(ctx, "chats/c1/messages", "m1")
	if err != nil {
		t.Fatalf("expected message written in batch: %v", err)
	}
	if msg.Data["text"] != "hi" {
		t.Fatalf("unexpected message data: %v", msg.Data)
	}
}

func TestMemoryDocumentIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := map[string]any{"name": "First"}
	if err := m.Set(ctx, "subjects", "s1", data, false); err != nil {
		t.Fatalf("set error: %v", err)
	}
	data["name"] = "Mutated"

	doc, err := m.Get(ctx, "subjects", "s1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if doc.Data["name"] != "First" {
		t.Fatalf("stored document should be isolated from caller mutation")
	}
	doc.Data["name"] = "Changed"
	again, _ := m.Get(ctx, "subjects", "s1")
	if again.Data["name"] != "First" {
		t.Fatalf("returned document should be a copy")
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected watch error: %v", ev.Err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for watch event")
		return Event{}
	}
}
