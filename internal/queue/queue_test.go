package queue

import (
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/calloway/waypoint/internal/db"
	"github.com/calloway/waypoint/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(db.AllModels()...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return New(gdb, log.New(io.Discard, "", 0))
}

func mustEnqueue(t *testing.T, q *Queue, op string, et models.EntityType, id, payload string) *models.SyncQueueEntry {
	t.Helper()
	e, err := q.Enqueue(op, et, id, []byte(payload))
	if err != nil {
		t.Fatalf("Enqueue(%s %s %s): %v", op, et, id, err)
	}
	return e
}

func TestEnqueue_SequenceMonotonic(t *testing.T) {
	q := openTestQueue(t)

	a := mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1"}`)
	b := mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-2", `{"id":"local-2"}`)
	if b.Sequence <= a.Sequence {
		t.Errorf("sequences not increasing: %d then %d", a.Sequence, b.Sequence)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q := openTestQueue(t)

	if _, err := q.Enqueue("upsert", models.TypeTrip, "x", []byte("{}")); err == nil {
		t.Error("expected error for unknown op")
	}
	if _, err := q.Enqueue(models.OpCreate, "bogus", "x", []byte("{}")); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := q.Enqueue(models.OpCreate, models.TypeTrip, "", []byte("{}")); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := q.Enqueue(models.OpUpdate, models.TypeTrip, "x", nil); err == nil {
		t.Error("expected error for missing payload")
	}
}

func TestEnqueue_CoalescesConsecutiveUpdates(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "expense42", `{"id":"expense42","amount":50}`)
	mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "expense42", `{"id":"expense42","amount":75}`)

	n, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if n != 1 {
		t.Fatalf("Depth = %d, want 1 after coalescing", n)
	}
	e, err := q.PeekOldest()
	if err != nil {
		t.Fatalf("PeekOldest: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["amount"] != float64(75) {
		t.Errorf("amount = %v, want 75", payload["amount"])
	}
}

func TestEnqueue_UpdateFoldsIntoPendingCreate(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1","name":"Paris"}`)
	mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "local-1", `{"id":"local-1","name":"Paris, revised"}`)

	n, _ := q.Depth()
	if n != 1 {
		t.Fatalf("Depth = %d, want 1", n)
	}
	e, _ := q.PeekOldest()
	if e.Operation != models.OpCreate {
		t.Errorf("Operation = %q, want create preserved", e.Operation)
	}
	var payload map[string]any
	json.Unmarshal([]byte(e.Payload), &payload)
	if payload["name"] != "Paris, revised" {
		t.Errorf("name = %v, want latest payload", payload["name"])
	}
}

func TestEnqueue_UpdateDoesNotCoalesceIntoInflight(t *testing.T) {
	q := openTestQueue(t)

	first := mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "exp-1", `{"id":"exp-1","amount":50}`)
	if err := q.MarkInflight(first.Sequence); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	second := mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "exp-1", `{"id":"exp-1","amount":75}`)
	if second.Sequence == first.Sequence {
		t.Error("coalesced into an inflight entry")
	}
	n, _ := q.Depth()
	if n != 2 {
		t.Errorf("Depth = %d, want 2", n)
	}
}

func TestEnqueue_DeleteSupersedesUpdate(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "exp-1", `{"id":"exp-1","amount":50}`)
	del := mustEnqueue(t, q, models.OpDelete, models.TypeTravelExpense, "exp-1", "")

	if del == nil {
		t.Fatal("delete of a synced entity must survive")
	}
	if del.Operation != models.OpDelete {
		t.Errorf("Operation = %q, want delete", del.Operation)
	}
	n, _ := q.Depth()
	if n != 1 {
		t.Errorf("Depth = %d, want only the delete", n)
	}
}

func TestEnqueue_DeleteCancelsUnsyncedCreate(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpCreate, models.TypePackingItem, "local-9", `{"id":"local-9","name":"Socks"}`)
	mustEnqueue(t, q, models.OpUpdate, models.TypePackingItem, "local-9", `{"id":"local-9","name":"Wool socks"}`)
	del, err := q.Enqueue(models.OpDelete, models.TypePackingItem, "local-9", nil)
	if err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	if del != nil {
		t.Errorf("delete entry = %+v, want nil (entity never synced)", del)
	}
	n, _ := q.Depth()
	if n != 0 {
		t.Errorf("Depth = %d, want 0", n)
	}
}

func TestPendingGroups_PerEntityOrder(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1"}`)
	first := mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "exp-1", `{"id":"exp-1","amount":1}`)
	if err := q.MarkInflight(first.Sequence); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	// Same entity again: new entry (previous is inflight).
	mustEnqueue(t, q, models.OpUpdate, models.TypeTravelExpense, "exp-1", `{"id":"exp-1","amount":2}`)
	// Delete of a different, synced entity.
	mustEnqueue(t, q, models.OpDelete, models.TypePackingItem, "item-3", "")

	groups, err := q.PendingGroups()
	if err != nil {
		t.Fatalf("PendingGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3", len(groups))
	}
	if groups[0][0].EntityID != "local-1" {
		t.Errorf("groups[0] = %q, want local-1 (first enqueued)", groups[0][0].EntityID)
	}
	for _, g := range groups {
		for i := 1; i < len(g); i++ {
			if g[i].Sequence <= g[i-1].Sequence {
				t.Errorf("group %q out of order", g[i].EntityID)
			}
			if g[i].EntityID != g[0].EntityID {
				t.Errorf("group mixes entities: %q and %q", g[0].EntityID, g[i].EntityID)
			}
		}
	}
}

func TestPendingBlockedOn_MatchesParentFieldOnly(t *testing.T) {
	q := openTestQueue(t)

	mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-trip", `{"id":"local-trip","name":"Peru"}`)
	child := mustEnqueue(t, q, models.OpCreate, models.TypeTripCity, "local-city", `{"id":"local-city","parentId":"local-trip","name":"Cusco"}`)
	// Mentions the identifier in free text, not as its parent.
	mustEnqueue(t, q, models.OpCreate, models.TypeTravelDocument, "local-doc", `{"id":"local-doc","parentId":"trip-2","title":"replan local-trip"}`)
	inflight := mustEnqueue(t, q, models.OpCreate, models.TypePinnedPOI, "local-poi", `{"id":"local-poi","parentId":"local-trip"}`)
	if err := q.MarkInflight(inflight.Sequence); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}

	got, err := q.PendingBlockedOn("local-trip")
	if err != nil {
		t.Fatalf("PendingBlockedOn: %v", err)
	}
	if len(got) != 1 || got[0].Sequence != child.Sequence {
		t.Fatalf("blocked = %+v, want only the pending city create", got)
	}
}

func TestMarkSucceeded_RemovesEntry(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1"}`)
	if err := q.MarkSucceeded(e.Sequence); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	n, _ := q.Depth()
	if n != 0 {
		t.Errorf("Depth = %d, want 0", n)
	}
	if err := q.MarkSucceeded(e.Sequence); err == nil {
		t.Error("second MarkSucceeded: expected not-found error")
	}
}

func TestMarkFailed_RetryableCountsAttempt(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "trip-1", `{"id":"trip-1"}`)
	if err := q.MarkInflight(e.Sequence); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	if err := q.MarkFailed(e.Sequence, "503 from server", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := q.PeekOldest()
	if err != nil || got == nil {
		t.Fatalf("PeekOldest: %v, %v", got, err)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.State != models.EntryPending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if got.LastError != "503 from server" {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestMarkFailed_TerminalDeadLetters(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "trip-1", `{"id":"trip-1"}`)
	if err := q.MarkFailed(e.Sequence, "409 conflict: edited elsewhere", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	n, _ := q.Depth()
	if n != 0 {
		t.Errorf("Depth = %d, want 0 after dead-lettering", n)
	}
	dls, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("len(DeadLetters) = %d, want 1", len(dls))
	}
	if dls[0].Reason != "409 conflict: edited elsewhere" {
		t.Errorf("Reason = %q, want server reason verbatim", dls[0].Reason)
	}
	if dls[0].EntityID != "trip-1" {
		t.Errorf("EntityID = %q", dls[0].EntityID)
	}
}

func TestRequeueInflight(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1"}`)
	if err := q.MarkInflight(e.Sequence); err != nil {
		t.Fatalf("MarkInflight: %v", err)
	}
	// Simulates restart after a crash mid-send.
	n, err := q.RequeueInflight()
	if err != nil {
		t.Fatalf("RequeueInflight: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	got, _ := q.PeekOldest()
	if got == nil || got.State != models.EntryPending {
		t.Errorf("entry = %+v, want pending", got)
	}
}

func TestRewriteEntityID(t *testing.T) {
	q := openTestQueue(t)

	// A city created offline under a trip that was also created offline.
	mustEnqueue(t, q, models.OpCreate, models.TypeTripCity, "local-city",
		`{"id":"local-city","parentId":"local-trip","name":"local-trip station"}`)
	mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "local-trip", `{"id":"local-trip","name":"Peru"}`)

	if err := q.RewriteEntityID("local-trip", "trip-9"); err != nil {
		t.Fatalf("RewriteEntityID: %v", err)
	}

	groups, _ := q.PendingGroups()
	for _, g := range groups {
		for _, e := range g {
			var payload map[string]any
			if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
				t.Fatalf("payload seq=%d: %v", e.Sequence, err)
			}
			switch e.EntityID {
			case "local-city":
				if payload["parentId"] != "trip-9" {
					t.Errorf("parentId = %v, want trip-9", payload["parentId"])
				}
				// Free text that merely mentions the id is left alone.
				if payload["name"] != "local-trip station" {
					t.Errorf("name = %v, want untouched", payload["name"])
				}
			case "trip-9":
				if payload["id"] != "trip-9" {
					t.Errorf("id = %v, want trip-9", payload["id"])
				}
			default:
				t.Errorf("unexpected entity id %q after rewrite", e.EntityID)
			}
		}
	}
}

func TestResolveDeadLetter_Discard(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "trip-1", `{"id":"trip-1"}`)
	q.MarkFailed(e.Sequence, "422 validation", false)
	dls, _ := q.DeadLetters()

	entry, err := q.ResolveDeadLetter(dls[0].ID, false)
	if err != nil {
		t.Fatalf("ResolveDeadLetter: %v", err)
	}
	if entry != nil {
		t.Errorf("entry = %+v, want nil on discard", entry)
	}
	dls, _ = q.DeadLetters()
	if len(dls) != 0 {
		t.Errorf("dead letters remaining = %d, want 0", len(dls))
	}
}

func TestResolveDeadLetter_Retry(t *testing.T) {
	q := openTestQueue(t)

	e := mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "trip-1", `{"id":"trip-1","name":"Oslo"}`)
	q.MarkFailed(e.Sequence, "409 conflict", false)
	dls, _ := q.DeadLetters()

	entry, err := q.ResolveDeadLetter(dls[0].ID, true)
	if err != nil {
		t.Fatalf("ResolveDeadLetter: %v", err)
	}
	if entry == nil || entry.Operation != models.OpUpdate || entry.EntityID != "trip-1" {
		t.Fatalf("re-enqueued entry = %+v", entry)
	}
	n, _ := q.Depth()
	if n != 1 {
		t.Errorf("Depth = %d, want 1", n)
	}
}

// Per-entity ordering must survive a restart: the queue is durable and
// ordering comes from the persisted sequence, not process memory.
func TestOrdering_SurvivesReopen(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file:queue_reopen?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := gdb.AutoMigrate(db.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := New(gdb, log.New(io.Discard, "", 0))

	mustEnqueue(t, q, models.OpCreate, models.TypeTrip, "local-1", `{"id":"local-1","name":"v1"}`)
	first := mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "local-1", `{"id":"local-1","name":"v2"}`)
	q.MarkInflight(first.Sequence)
	mustEnqueue(t, q, models.OpUpdate, models.TypeTrip, "local-1", `{"id":"local-1","name":"v3"}`)

	// "Restart": new Queue over the same database, recover inflight.
	q2 := New(gdb, log.New(io.Discard, "", 0))
	if _, err := q2.RequeueInflight(); err != nil {
		t.Fatalf("RequeueInflight: %v", err)
	}

	groups, err := q2.PendingGroups()
	if err != nil {
		t.Fatalf("PendingGroups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	g := groups[0]
	if len(g) != 2 {
		t.Fatalf("entries = %d, want 2", len(g))
	}
	var v1, v2 map[string]any
	json.Unmarshal([]byte(g[0].Payload), &v1)
	json.Unmarshal([]byte(g[1].Payload), &v2)
	if v1["name"] != "v2" || v2["name"] != "v3" {
		t.Errorf("order after reopen = %v then %v, want v2 then v3", v1["name"], v2["name"])
	}
}
