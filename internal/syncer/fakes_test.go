package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureCollections(ctx, schema.Default()); err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}
	return s
}

func newEntity(id string, updated time.Time, fields map[string]any) *entity.Entity {
	e := entity.New(entity.ID(id))
	e.UpdatedAt = updated
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog records the order of remote calls across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []remote.Request
	status  int
	failFor map[string]bool   // targets answered with 500
	bodies  map[string]string // JSON answered per target
	err     error
	log     *eventLog

	// When block is set, Send signals started and waits on block.
	started chan struct{}
	block   chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, req remote.Request) (*remote.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	status, err, fail := s.status, s.err, s.failFor[req.URL]
	body := s.bodies[req.URL]
	block, started := s.block, s.started
	s.mu.Unlock()
	s.log.add("send:" + req.URL)

	if block != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-block
	}
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = 200
	}
	if fail {
		status = 500
	}
	resp := &remote.Response{OK: status >= 200 && status < 300, Status: status}
	if !resp.OK {
		return resp, &remote.StatusError{Status: status}
	}
	if body != "" {
		resp.JSON = json.RawMessage(body)
	}
	return resp, nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.URL
	}
	return out
}

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]*entity.Entity
	errs  map[string]error
	calls int
	log   *eventLog
}

func (f *fakeFetcher) FetchAll(ctx context.Context, path string) ([]*entity.Entity, error) {
	f.mu.Lock()
	f.calls++
	err := f.errs[path]
	var out []*entity.Entity
	for _, e := range f.data[path] {
		out = append(out, e.Clone())
	}
	f.mu.Unlock()
	f.log.add("fetch:" + path)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	syncing   []bool
	abandoned []storage.Mutation
	pullErrs  []error
	resolved  []*conflict.Resolution
}

func (o *recordingObserver) SyncingChanged(syncing bool) {
	o.mu.Lock()
	o.syncing = append(o.syncing, syncing)
	o.mu.Unlock()
}

func (o *recordingObserver) MutationAbandoned(m storage.Mutation, cause error) {
	o.mu.Lock()
	o.abandoned = append(o.abandoned, m)
	o.mu.Unlock()
}

func (o *recordingObserver) PullFailed(err error) {
	o.mu.Lock()
	o.pullErrs = append(o.pullErrs, err)
	o.mu.Unlock()
}

func (o *recordingObserver) ConflictResolved(r *conflict.Resolution) {
	o.mu.Lock()
	o.resolved = append(o.resolved, r)
	o.mu.Unlock()
}

func (o *recordingObserver) abandonedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.abandoned)
}

// countingQueue counts MarkAttempt calls.
type countingQueue struct {
	*queue.Queue
	mu    sync.Mutex
	marks int
}

func (q *countingQueue) MarkAttempt(ctx context.Context, id string) (storage.Mutation, error) {
	q.mu.Lock()
	q.marks++
	q.mu.Unlock()
	return q.Queue.MarkAttempt(ctx, id)
}

type staticOnline bool

func (o staticOnline) IsOnline() bool { return bool(o) }
