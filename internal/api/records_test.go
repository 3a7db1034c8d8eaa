package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/fieldsync/internal/outbox"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

const testToken = "test-token-12345"

type mockSync struct {
	status syncer.Status
	res    syncer.SyncResult
	err    error
	calls  int
}

func (m *mockSync) Status() syncer.Status { return m.status }

func (m *mockSync) SyncNow(ctx context.Context) (syncer.SyncResult, error) {
	m.calls++
	return m.res, m.err
}

type drainCounter struct{ n int }

func (d *drainCounter) RequestDrain() { d.n++ }

type testApp struct {
	handler http.Handler
	store   *storage.Store
	queue   *queue.Queue
	sync    *mockSync
	drains  *drainCounter
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureCollections(context.Background(), schema.Default()); err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}

	app := &testApp{
		store:  store,
		queue:  queue.New(store),
		sync:   &mockSync{status: syncer.Status{State: "idle", Online: true}},
		drains: &drainCounter{},
	}
	app.handler = NewAppHandler(AppDeps{
		Store:  store,
		Queue:  app.queue,
		Writer: outbox.NewWriter(schema.Default(), store, app.queue, app.drains),
		Sync:   app.sync,
		Token:  testToken,
	})
	return app
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(method, url, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	app := setupApp(t)
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	app := setupApp(t)
	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, authReq(http.MethodGet, "/status", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status?access_token="+testToken, nil))
	if rr.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", rr.Code)
	}
}

func TestSaveRecord_Queued(t *testing.T) {
	app := setupApp(t)

	rr := app.do(http.MethodPut, "/collections/inspections/42", `{"status":"done","clientId":"c1"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]any](t, rr)
	if resp["status"] != "queued" || resp["mutation_id"] == "" {
		t.Errorf("response = %v, want queued with mutation_id", resp)
	}
	if app.drains.n != 1 {
		t.Errorf("drain requests = %d, want 1", app.drains.n)
	}

	e, err := app.store.Get(context.Background(), "inspections", "42")
	if err != nil {
		t.Fatalf("record not stored locally: %v", err)
	}
	if e.Fields["status"] != "done" {
		t.Errorf("status = %v, want done", e.Fields["status"])
	}

	pending, _ := app.queue.ListPending(context.Background())
	if len(pending) != 1 || pending[0].Method != http.MethodPut || pending[0].Target != "/inspections/42" {
		t.Errorf("queue = %+v, want one PUT /inspections/42", pending)
	}
}

func TestSaveRecord_IDMismatch(t *testing.T) {
	app := setupApp(t)
	rr := app.do(http.MethodPut, "/collections/inspections/42", `{"id":"43","status":"done"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateRecord_TempID(t *testing.T) {
	app := setupApp(t)
	rr := app.do(http.MethodPost, "/collections/evidences", `{"inspectionId":"42","note":"crack"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}](t, rr)
	if !strings.HasPrefix(resp.Record.ID, storage.TempIDPrefix) {
		t.Errorf("record id = %q, want temporary id", resp.Record.ID)
	}
}

func TestGetRecord(t *testing.T) {
	app := setupApp(t)
	app.do(http.MethodPut, "/collections/clients/7", `{"name":"Acme"}`)

	rr := app.do(http.MethodGet, "/collections/clients/7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decodeBody[map[string]any](t, rr)
	if resp["id"] != float64(7) || resp["name"] != "Acme" {
		t.Errorf("record = %v", resp)
	}

	if rr := app.do(http.MethodGet, "/collections/clients/8", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", rr.Code)
	}
	if rr := app.do(http.MethodGet, "/collections/invoices/1", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown collection: status = %d, want 404", rr.Code)
	}
}

func TestListAndIndex(t *testing.T) {
	app := setupApp(t)
	rr := app.do(http.MethodPut, "/collections/inspections", `[
		{"id":"1","clientId":"c1","status":"open"},
		{"id":"2","clientId":"c2","status":"open"},
		{"id":"3","clientId":"c1","status":"done"}
	]`)
	if rr.Code != http.StatusOK {
		t.Fatalf("hydrate status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if n, _ := app.queue.Len(context.Background()); n != 0 {
		t.Errorf("hydration queued %d mutations, want 0", n)
	}

	all := decodeBody[[]map[string]any](t, app.do(http.MethodGet, "/collections/inspections", ""))
	if len(all) != 3 {
		t.Errorf("listed %d records, want 3", len(all))
	}

	byClient := decodeBody[[]map[string]any](t, app.do(http.MethodGet, "/collections/inspections/by/by-client?key=c1", ""))
	if len(byClient) != 2 {
		t.Errorf("by-client c1 = %d records, want 2", len(byClient))
	}

	if rr := app.do(http.MethodGet, "/collections/inspections/by/by-colour?key=red", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown index: status = %d, want 404", rr.Code)
	}
	if rr := app.do(http.MethodGet, "/collections/inspections/by/by-client", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing key: status = %d, want 400", rr.Code)
	}
}

func TestHydrate_RejectsMissingID(t *testing.T) {
	app := setupApp(t)
	rr := app.do(http.MethodPut, "/collections/clients", `[{"id":"1"},{"name":"no id"}]`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	all, _ := app.store.GetAll(context.Background(), "clients")
	if len(all) != 0 {
		t.Errorf("stored %d records, want none", len(all))
	}
}

func TestDeleteRecord_Queued(t *testing.T) {
	app := setupApp(t)
	app.do(http.MethodPut, "/collections/clients", `[{"id":"7","name":"Acme"}]`)

	rr := app.do(http.MethodDelete, "/collections/clients/7", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if _, err := app.store.Get(context.Background(), "clients", "7"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record still present (err = %v)", err)
	}
}

func TestQueueAndStatus(t *testing.T) {
	app := setupApp(t)
	app.do(http.MethodPut, "/collections/inspections/1", `{"status":"open"}`)
	app.do(http.MethodPut, "/collections/inspections/2", `{"status":"open"}`)

	queued := decodeBody[[]mutationView](t, app.do(http.MethodGet, "/queue", ""))
	if len(queued) != 2 || queued[0].Target != "/inspections/1" {
		t.Errorf("queue = %+v", queued)
	}

	status := decodeBody[map[string]any](t, app.do(http.MethodGet, "/status", ""))
	if status["pending"] != float64(2) || status["state"] != "idle" || status["online"] != true || status["storage"] != "ok" {
		t.Errorf("status = %v", status)
	}
}

func TestAbandonedListedUntilAcknowledged(t *testing.T) {
	app := setupApp(t)
	ctx := context.Background()
	app.do(http.MethodPut, "/collections/inspections/1", `{"status":"open"}`)
	pending, _ := app.queue.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("queue length = %d, want 1", len(pending))
	}
	id := pending[0].ID
	if err := app.queue.Abandon(ctx, id, errors.New("HTTP 422")); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	status := decodeBody[map[string]any](t, app.do(http.MethodGet, "/status", ""))
	if status["abandoned"] != float64(1) || status["pending"] != float64(0) {
		t.Errorf("status = %v, want 1 abandoned and nothing pending", status)
	}

	list := decodeBody[[]mutationView](t, app.do(http.MethodGet, "/queue/abandoned", ""))
	if len(list) != 1 {
		t.Fatalf("abandoned = %+v, want 1 entry", list)
	}
	if a := list[0]; a.ID != id || a.LastError != "HTTP 422" || a.AbandonedAt == nil || a.Collection != "inspections" || a.EntityID != "1" {
		t.Errorf("abandoned entry = %+v", a)
	}

	if rr := app.do(http.MethodDelete, "/queue/abandoned/"+id, ""); rr.Code != http.StatusOK {
		t.Fatalf("acknowledge: status = %d, want 200", rr.Code)
	}
	if rr := app.do(http.MethodDelete, "/queue/abandoned/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second acknowledge: status = %d, want 404", rr.Code)
	}
	if list := decodeBody[[]mutationView](t, app.do(http.MethodGet, "/queue/abandoned", "")); len(list) != 0 {
		t.Errorf("abandoned after acknowledge = %+v, want none", list)
	}
}

func TestDeleteUnsyncedRecord_DiscardsCreate(t *testing.T) {
	app := setupApp(t)
	created := decodeBody[struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}](t, app.do(http.MethodPost, "/collections/evidences", `{"note":"crack"}`))

	rr := app.do(http.MethodDelete, "/collections/evidences/"+created.Record.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]any](t, rr)
	if resp["discarded"] != float64(1) {
		t.Errorf("response = %v, want 1 discarded", resp)
	}
	if n, _ := app.queue.Len(context.Background()); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestSyncNow(t *testing.T) {
	app := setupApp(t)
	app.sync.res = syncer.SyncResult{Drain: syncer.DrainResult{Replayed: 3}}

	rr := app.do(http.MethodPost, "/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	res := decodeBody[syncer.SyncResult](t, rr)
	if res.Drain.Replayed != 3 {
		t.Errorf("replayed = %d, want 3", res.Drain.Replayed)
	}

	app.sync.err = syncer.ErrOffline
	if rr := app.do(http.MethodPost, "/sync", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("offline: status = %d, want 503", rr.Code)
	}
	app.sync.err = syncer.ErrPullFailed
	if rr := app.do(http.MethodPost, "/sync", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("pull failed: status = %d, want 502", rr.Code)
	}
}

func TestWipe(t *testing.T) {
	app := setupApp(t)
	app.do(http.MethodPut, "/collections/clients/7", `{"name":"Acme"}`)

	if rr := app.do(http.MethodDelete, "/data", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed wipe: status = %d, want 400", rr.Code)
	}
	if rr := app.do(http.MethodDelete, "/data?confirm=true", ""); rr.Code != http.StatusOK {
		t.Fatalf("wipe: status = %d, want 200", rr.Code)
	}
	all := decodeBody[[]map[string]any](t, app.do(http.MethodGet, "/collections/clients", ""))
	if len(all) != 0 {
		t.Errorf("clients after wipe = %d, want 0", len(all))
	}
	if n, _ := app.queue.Len(context.Background()); n != 0 {
		t.Errorf("queue after wipe = %d, want 0", n)
	}
}

type stubSender struct {
	status int
	reqs   []remote.Request
}

func (s *stubSender) Send(ctx context.Context, req remote.Request) (*remote.Response, error) {
	s.reqs = append(s.reqs, req)
	resp := &remote.Response{OK: s.status < 300, Status: s.status}
	if !resp.OK {
		return resp, &remote.StatusError{Status: s.status}
	}
	return resp, nil
}

func TestPassthroughMode(t *testing.T) {
	sender := &stubSender{status: http.StatusOK}
	h := NewAppHandler(AppDeps{
		Writer: outbox.NewPassthrough(schema.Default(), sender),
		Token:  testToken,
	})
	do := func(method, url, body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(method, url, body, testToken))
		return rr
	}

	rr := do(http.MethodPut, "/collections/inspections/42", `{"status":"done"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("passthrough save: status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if resp := decodeBody[map[string]any](t, rr); resp["status"] != "sent" {
		t.Errorf("response = %v, want sent", resp)
	}
	if len(sender.reqs) != 1 || sender.reqs[0].URL != "/inspections/42" {
		t.Errorf("remote requests = %+v", sender.reqs)
	}

	sender.status = http.StatusInternalServerError
	if rr := do(http.MethodPut, "/collections/inspections/42", `{"status":"done"}`); rr.Code != http.StatusBadGateway {
		t.Errorf("failed passthrough: status = %d, want 502", rr.Code)
	}

	if rr := do(http.MethodGet, "/collections/inspections/42", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("read in passthrough: status = %d, want 503", rr.Code)
	}
	status := decodeBody[map[string]any](t, do(http.MethodGet, "/status", ""))
	if status["storage"] != "unavailable" {
		t.Errorf("status = %v, want storage unavailable", status)
	}
}
