package storage

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/entity"
)

var queueBase = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

// putTemp stores an evidence under a temporary id and queues its create.
func putTemp(t *testing.T, s *Store, mid, note string) (entity.ID, Mutation) {
	t.Helper()
	id, err := s.Put(ctx, "evidences", newEntity("", queueBase, map[string]any{"note": note}))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	m := Mutation{
		ID:         mid,
		Method:     http.MethodPost,
		Target:     "/evidences",
		Body:       []byte(`{"note":"` + note + `"}`),
		Collection: "evidences",
		EntityID:   id,
		Timestamp:  queueBase,
	}
	if err := s.EnqueueMutation(ctx, m); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	return id, m
}

func TestAmendCreate(t *testing.T) {
	s := openTestStore(t)
	tmp, _ := putTemp(t, s, "m1", "crack")

	mid, ok, err := s.AmendCreate(ctx, "evidences", tmp, []byte(`{"note":"large crack"}`))
	if err != nil || !ok || mid != "m1" {
		t.Fatalf("AmendCreate = %s, %v, %v; want m1", mid, ok, err)
	}
	m, err := s.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation: %v", err)
	}
	if string(m.Body) != `{"note":"large crack"}` || m.Revision != 1 {
		t.Errorf("amended = %s rev %d, want new body rev 1", m.Body, m.Revision)
	}
	if m.EntityID != tmp || m.Collection != "evidences" {
		t.Errorf("owner = %s/%s, want evidences/%s", m.Collection, m.EntityID, tmp)
	}

	if _, ok, err := s.AmendCreate(ctx, "evidences", "tmp-other", []byte(`{}`)); ok || err != nil {
		t.Errorf("AmendCreate without a queued create = %v, %v; want false", ok, err)
	}
}

func TestDiscardRecordMutations(t *testing.T) {
	s := openTestStore(t)
	unsent, _ := putTemp(t, s, "m1", "a")
	sent, _ := putTemp(t, s, "m2", "b")
	if _, err := s.MarkAttempt(ctx, "m2", queueBase); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}

	for _, id := range []entity.ID{unsent, sent} {
		n, err := s.DiscardRecordMutations(ctx, "evidences", id)
		if err != nil || n != 1 {
			t.Fatalf("DiscardRecordMutations(%s) = %d, %v; want 1", id, n, err)
		}
	}
	if n, _ := s.CountMutations(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	var tombstones int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM temp_ids WHERE deleted = 1").Scan(&tombstones); err != nil {
		t.Fatalf("reading temp_ids: %v", err)
	}
	if tombstones != 1 {
		t.Errorf("tombstones = %d, want 1 for the attempted create only", tombstones)
	}
}

func TestAdoptRemoteIDRemovesCreate(t *testing.T) {
	s := openTestStore(t)
	tmp, m := putTemp(t, s, "m1", "crack")

	a, err := s.AdoptRemoteID(ctx, m, "101", queueBase)
	if err != nil {
		t.Fatalf("AdoptRemoteID: %v", err)
	}
	if !a.Rekeyed || a.Requeued != 0 || a.DeleteQueued {
		t.Errorf("adoption = %+v, want rekeyed only", a)
	}
	if n, _ := s.CountMutations(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	got, err := s.Get(ctx, "evidences", "101")
	if err != nil {
		t.Fatalf("Get(101): %v", err)
	}
	if got.Fields["note"] != "crack" || !got.UpdatedAt.Equal(queueBase) {
		t.Errorf("rekeyed record = %+v", got)
	}
	if _, err := s.Get(ctx, "evidences", tmp); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(%s) = %v, want ErrNotFound", tmp, err)
	}
	if id, err := s.ResolveTempID(ctx, "evidences", tmp); err != nil || id != "101" {
		t.Errorf("ResolveTempID = %s, %v; want 101", id, err)
	}
	if id, _ := s.ResolveTempID(ctx, "evidences", "tmp-unknown"); id != "tmp-unknown" {
		t.Errorf("ResolveTempID of unknown id = %s, want it unchanged", id)
	}
}

// The create was replayed at revision 0 but amended since; the amendment
// must still reach the remote, as an update.
func TestAdoptRemoteIDKeepsAmendedCreateAsUpdate(t *testing.T) {
	s := openTestStore(t)
	_, m := putTemp(t, s, "m1", "crack")
	if _, err := s.MarkAttempt(ctx, "m1", queueBase); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	if _, _, err := s.AmendCreate(ctx, "evidences", m.EntityID, []byte(`{"note":"large crack"}`)); err != nil {
		t.Fatalf("AmendCreate: %v", err)
	}

	a, err := s.AdoptRemoteID(ctx, m, "101", queueBase)
	if err != nil {
		t.Fatalf("AdoptRemoteID: %v", err)
	}
	if a.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", a.Requeued)
	}
	got, err := s.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("amended create was removed: %v", err)
	}
	if got.Method != http.MethodPut || got.Target != "/evidences/101" || got.EntityID != "101" {
		t.Errorf("mutation = %s %s for %s, want PUT /evidences/101", got.Method, got.Target, got.EntityID)
	}
	if got.Attempts != 0 || got.LastError != "" {
		t.Errorf("attempts = %d, error %q; want a fresh entry", got.Attempts, got.LastError)
	}
	var body map[string]any
	if err := json.Unmarshal(got.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["id"] != float64(101) || body["note"] != "large crack" {
		t.Errorf("body = %s, want the amendment keyed by 101", got.Body)
	}
}

func TestAdoptRemoteIDAfterDeleteQueuesDelete(t *testing.T) {
	s := openTestStore(t)
	tmp, m := putTemp(t, s, "m1", "crack")
	if _, err := s.MarkAttempt(ctx, "m1", queueBase); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	if err := s.Delete(ctx, "evidences", tmp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.DiscardRecordMutations(ctx, "evidences", tmp); err != nil {
		t.Fatalf("DiscardRecordMutations: %v", err)
	}

	a, err := s.AdoptRemoteID(ctx, m, "101", queueBase)
	if err != nil {
		t.Fatalf("AdoptRemoteID: %v", err)
	}
	if a.Rekeyed || !a.DeleteQueued {
		t.Errorf("adoption = %+v, want a queued delete", a)
	}
	list, _ := s.ListMutations(ctx)
	if len(list) != 1 {
		t.Fatalf("queue length = %d, want 1", len(list))
	}
	if d := list[0]; d.Method != http.MethodDelete || d.Target != "/evidences/101" || d.EntityID != "101" {
		t.Errorf("queued = %s %s for %s, want DELETE /evidences/101", d.Method, d.Target, d.EntityID)
	}
	if _, err := s.Get(ctx, "evidences", "101"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(101) = %v, want ErrNotFound", err)
	}
}

func TestAbandonedMutationsKeptUntilAcknowledged(t *testing.T) {
	s := openTestStore(t)
	tmp, _ := putTemp(t, s, "m1", "crack")
	for range 3 {
		if _, err := s.MarkAttempt(ctx, "m1", queueBase); err != nil {
			t.Fatalf("MarkAttempt: %v", err)
		}
	}

	at := queueBase.Add(time.Hour)
	if err := s.AbandonMutation(ctx, "m1", "HTTP 422", at); err != nil {
		t.Fatalf("AbandonMutation: %v", err)
	}
	if err := s.AbandonMutation(ctx, "m1", "HTTP 422", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("second AbandonMutation = %v, want ErrNotFound", err)
	}
	if n, _ := s.CountMutations(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}

	list, err := s.ListAbandoned(ctx)
	if err != nil {
		t.Fatalf("ListAbandoned: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("abandoned = %d entries, want 1", len(list))
	}
	a := list[0]
	if a.ID != "m1" || a.Attempts != 3 || a.LastError != "HTTP 422" || !a.AbandonedAt.Equal(at) {
		t.Errorf("abandoned = %+v", a)
	}
	if a.Collection != "evidences" || a.EntityID != tmp || string(a.Body) != `{"note":"crack"}` {
		t.Errorf("abandoned owner or body lost: %+v", a)
	}
	if n, _ := s.CountAbandoned(ctx); n != 1 {
		t.Errorf("CountAbandoned = %d, want 1", n)
	}

	if err := s.AcknowledgeAbandoned(ctx, "m1"); err != nil {
		t.Fatalf("AcknowledgeAbandoned: %v", err)
	}
	if err := s.AcknowledgeAbandoned(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second AcknowledgeAbandoned = %v, want ErrNotFound", err)
	}
	if n, _ := s.CountAbandoned(ctx); n != 0 {
		t.Errorf("CountAbandoned after acknowledge = %d, want 0", n)
	}
}
