package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestPuller(s PullStore, f *fakeFetcher, chooser conflict.Chooser, obs Observer) (*Puller, time.Time) {
	p := NewPuller(s, f, chooser, obs)
	start := t0.Add(24 * time.Hour)
	p.now = func() time.Time { return start }
	return p, start
}

func putLocal(t *testing.T, s *storage.Store, coll string, e *entity.Entity) {
	t.Helper()
	if _, err := s.Put(ctx, coll, e); err != nil {
		t.Fatalf("Put(%s, %s): %v", coll, e.ID, err)
	}
}

func nameOf(t *testing.T, s *storage.Store, coll, id string) any {
	t.Helper()
	e, err := s.Get(ctx, coll, entity.ID(id))
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", coll, id, err)
	}
	return e.Fields["name"]
}

func watermark(t *testing.T, s *storage.Store, coll string) time.Time {
	t.Helper()
	w, err := s.Watermark(ctx, coll)
	if err != nil {
		t.Fatalf("Watermark(%s): %v", coll, err)
	}
	return w
}

func TestPullAdoptsNewEntities(t *testing.T) {
	s := openTestStore(t)
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients":  {newEntity("c1", t0, map[string]any{"name": "Acme"})},
		"/projects": {newEntity("p1", t0, map[string]any{"clientId": "c1"})},
	}}
	p, start := newTestPuller(s, f, nil, nil)

	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.Collections != 4 || res.Fetched != 2 || res.Applied != 2 {
		t.Errorf("result = %+v, want 4 collections, 2 fetched, 2 applied", res)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "Acme" {
		t.Errorf("clients/c1 name = %v, want Acme", got)
	}
	for _, coll := range []string{"clients", "projects", "inspections", "evidences"} {
		if w := watermark(t, s, coll); !w.Equal(start) {
			t.Errorf("watermark(%s) = %v, want %v", coll, w, start)
		}
	}
}

func TestPullKeepsLocalWhenAhead(t *testing.T) {
	s := openTestStore(t)
	putLocal(t, s, "clients", newEntity("c1", t0.Add(2*time.Hour), map[string]any{"name": "Local"}))
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients": {newEntity("c1", t0.Add(time.Hour), map[string]any{"name": "Remote"})},
	}}
	p, _ := newTestPuller(s, f, nil, nil)

	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("applied = %d, want 0", res.Applied)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "Local" {
		t.Errorf("name = %v, want Local", got)
	}
}

func TestPullAdoptsNewerRemote(t *testing.T) {
	s := openTestStore(t)
	putLocal(t, s, "clients", newEntity("c1", t0, map[string]any{"name": "Old"}))
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients": {newEntity("c1", t0.Add(time.Hour), map[string]any{"name": "New"})},
	}}
	p, _ := newTestPuller(s, f, nil, nil)

	if _, err := p.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "New" {
		t.Errorf("name = %v, want New", got)
	}
}

func TestPullResolvesConflict(t *testing.T) {
	s := openTestStore(t)
	putLocal(t, s, "clients", newEntity("c1", t0.Add(time.Hour), map[string]any{"name": "Local"}))
	if _, err := s.ApplyPull(ctx, "clients", nil, t0); err != nil {
		t.Fatalf("seeding watermark: %v", err)
	}
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients": {newEntity("c1", t0.Add(2*time.Hour), map[string]any{"name": "Remote"})},
	}}
	obs := &recordingObserver{}
	p, start := newTestPuller(s, f, conflict.StaticChooser(conflict.UseLocal), obs)

	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.Conflicts != 1 || res.Unresolved != 0 {
		t.Errorf("result = %+v, want 1 resolved conflict", res)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "Local" {
		t.Errorf("name = %v, want Local", got)
	}
	if len(obs.resolved) != 1 {
		t.Fatalf("resolution notifications = %d, want 1", len(obs.resolved))
	}
	r := obs.resolved[0]
	if r.Strategy != conflict.UseLocal || r.Conflict.EntityType != "clients" {
		t.Errorf("resolution = %s on %s", r.Strategy, r.Conflict.EntityType)
	}
	if w := watermark(t, s, "clients"); !w.Equal(start) {
		t.Errorf("watermark = %v, want %v", w, start)
	}
}

func TestPullUnresolvedConflictHoldsWatermark(t *testing.T) {
	s := openTestStore(t)
	putLocal(t, s, "clients", newEntity("c1", t0.Add(time.Hour), map[string]any{"name": "Local"}))
	if _, err := s.ApplyPull(ctx, "clients", nil, t0); err != nil {
		t.Fatalf("seeding watermark: %v", err)
	}
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients": {
			newEntity("c1", t0.Add(2*time.Hour), map[string]any{"name": "Remote"}),
			newEntity("c2", t0, map[string]any{"name": "Fresh"}),
		},
	}}
	// Manual without decisions cannot be applied.
	p, start := newTestPuller(s, f, conflict.StaticChooser(conflict.Manual), nil)

	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.Unresolved != 1 {
		t.Errorf("unresolved = %d, want 1", res.Unresolved)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "Local" {
		t.Errorf("unresolved entity changed: name = %v", got)
	}
	if got := nameOf(t, s, "clients", "c2"); got != "Fresh" {
		t.Errorf("other entity not adopted: name = %v", got)
	}
	if w := watermark(t, s, "clients"); !w.Equal(t0) {
		t.Errorf("clients watermark = %v, want unchanged %v", w, t0)
	}
	if w := watermark(t, s, "projects"); !w.Equal(start) {
		t.Errorf("projects watermark = %v, want %v", w, start)
	}
}

func TestPullFetchFailureCommitsNothing(t *testing.T) {
	s := openTestStore(t)
	f := &fakeFetcher{
		data: map[string][]*entity.Entity{
			"/clients": {newEntity("c1", t0, map[string]any{"name": "Acme"})},
		},
		errs: map[string]error{"/projects": errors.New("503 service unavailable")},
	}
	p, _ := newTestPuller(s, f, nil, nil)

	_, err := p.Pull(ctx)
	if !errors.Is(err, ErrPullFailed) {
		t.Fatalf("Pull error = %v, want ErrPullFailed", err)
	}
	if _, err := s.Get(ctx, "clients", "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("clients/c1 committed despite failed pull (err = %v)", err)
	}
	ws, err := s.Watermarks(ctx)
	if err != nil {
		t.Fatalf("Watermarks: %v", err)
	}
	if len(ws) != 0 {
		t.Errorf("watermarks = %v, want none", ws)
	}
}

// editingStore makes a local edit between the pull's snapshot and its commit.
type editingStore struct {
	*storage.Store
	edit *entity.Entity
}

func (s *editingStore) ApplyPull(ctx context.Context, collection string, writes []storage.PullWrite, syncedAt time.Time) (int, error) {
	if collection == "clients" && s.edit != nil {
		if _, err := s.Store.Put(ctx, collection, s.edit); err != nil {
			return 0, err
		}
		s.edit = nil
	}
	return s.Store.ApplyPull(ctx, collection, writes, syncedAt)
}

func TestPullSkipsEntityEditedDuringPass(t *testing.T) {
	s := openTestStore(t)
	putLocal(t, s, "clients", newEntity("c1", t0, map[string]any{"name": "Old"}))
	es := &editingStore{
		Store: s,
		edit:  newEntity("c1", t0.Add(3*time.Hour), map[string]any{"name": "Edited"}),
	}
	f := &fakeFetcher{data: map[string][]*entity.Entity{
		"/clients": {newEntity("c1", t0.Add(time.Hour), map[string]any{"name": "Remote"})},
	}}
	p, _ := newTestPuller(es, f, nil, nil)

	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("applied = %d, want 0", res.Applied)
	}
	if got := nameOf(t, s, "clients", "c1"); got != "Edited" {
		t.Errorf("name = %v, want Edited", got)
	}
}
