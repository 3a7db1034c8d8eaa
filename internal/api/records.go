package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/outbox"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

const maxRecordBodySize = 10 << 20 // 10MB, bulk hydration included

// SyncController is the orchestrator surface the API drives.
type SyncController interface {
	Status() syncer.Status
	SyncNow(ctx context.Context) (syncer.SyncResult, error)
}

// AppDeps holds what the local API needs. Store, Queue and Sync are nil in
// passthrough mode, when the local store could not be opened.
type AppDeps struct {
	Store  *storage.Store
	Queue  *queue.Queue
	Writer *outbox.Writer
	Sync   SyncController
	Hub    *Hub // optional; /events is not served without it
	Token  string
}

// NewAppHandler returns the local API. Everything except /health requires
// the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Get("/queue/abandoned", handleListAbandoned(deps))
		r.Delete("/queue/abandoned/{id}", handleAcknowledgeAbandoned(deps))
		r.Post("/sync", handleSyncNow(deps))
		r.Delete("/data", handleWipe(deps))

		r.Route("/collections/{name}", func(r chi.Router) {
			r.Get("/", handleListRecords(deps))
			r.Post("/", handleCreateRecord(deps))
			r.Put("/", handleHydrate(deps))
			r.Get("/by/{index}", handleRecordsByIndex(deps))
			r.Get("/{id}", handleGetRecord(deps))
			r.Put("/{id}", handleSaveRecord(deps))
			r.Delete("/{id}", handleDeleteRecord(deps))
		})

		if deps.Hub != nil {
			r.Get("/events", handleEvents(deps.Hub))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// storeError maps store and writer errors onto HTTP responses.
func storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrUnknownCollection), errors.Is(err, outbox.ErrUnknownCollection):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrUnknownIndex):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "storage_unavailable", "local storage unavailable: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to access %s: %v", what, err)
	}
}

// requireStore rejects the request in passthrough mode.
func requireStore(w http.ResponseWriter, deps AppDeps) bool {
	if deps.Store == nil {
		httpError(w, http.StatusServiceUnavailable, "storage_unavailable", "local storage unavailable; running in passthrough mode")
		return false
	}
	return true
}

type statusResponse struct {
	syncer.Status
	Storage     string               `json:"storage"`
	Pending     int                  `json:"pending"`
	Abandoned   int                  `json:"abandoned"` // dropped writes not yet acknowledged
	Collections []string             `json:"collections,omitempty"`
	Watermarks  map[string]time.Time `json:"watermarks,omitempty"`

	AbandonedMutations []mutationView `json:"abandoned_mutations,omitempty"`
}

// addAbandoned fills the abandoned count and list of a status response.
func addAbandoned(ctx context.Context, q *queue.Queue, resp *statusResponse) error {
	list, err := q.ListAbandoned(ctx)
	if err != nil {
		return err
	}
	resp.Abandoned = len(list)
	resp.AbandonedMutations = viewAbandoned(list)
	return nil
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			writeJSON(w, http.StatusOK, statusResponse{
				Status:  syncer.Status{State: syncer.Idle.String()},
				Storage: "unavailable",
			})
			return
		}

		resp := statusResponse{Storage: "ok"}
		if deps.Sync != nil {
			resp.Status = deps.Sync.Status()
		}
		n, err := deps.Queue.Len(r.Context())
		if err != nil {
			storeError(w, err, "queue")
			return
		}
		resp.Pending = n
		if err := addAbandoned(r.Context(), deps.Queue, &resp); err != nil {
			storeError(w, err, "abandoned mutations")
			return
		}
		for _, c := range deps.Store.Collections() {
			resp.Collections = append(resp.Collections, c.Name)
		}
		resp.Watermarks, err = deps.Store.Watermarks(r.Context())
		if err != nil {
			storeError(w, err, "watermarks")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type mutationView struct {
	ID            string     `json:"id"`
	Method        string     `json:"method"`
	Target        string     `json:"target"`
	Collection    string     `json:"collection,omitempty"`
	EntityID      entity.ID  `json:"entity_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	AbandonedAt   *time.Time `json:"abandoned_at,omitempty"`
	BodySize      int        `json:"body_size"`
}

func viewMutation(m storage.Mutation) mutationView {
	v := mutationView{
		ID:         m.ID,
		Method:     m.Method,
		Target:     m.Target,
		Collection: m.Collection,
		EntityID:   m.EntityID,
		Timestamp:  m.Timestamp,
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		BodySize:   len(m.Body),
	}
	if !m.LastAttemptAt.IsZero() {
		t := m.LastAttemptAt
		v.LastAttemptAt = &t
	}
	return v
}

func viewAbandoned(list []storage.AbandonedMutation) []mutationView {
	out := make([]mutationView, 0, len(list))
	for _, a := range list {
		v := viewMutation(a.Mutation)
		t := a.AbandonedAt
		v.AbandonedAt = &t
		out = append(out, v)
	}
	return out
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		pending, err := deps.Queue.ListPending(r.Context())
		if err != nil {
			storeError(w, err, "queue")
			return
		}
		out := make([]mutationView, 0, len(pending))
		for _, m := range pending {
			out = append(out, viewMutation(m))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListAbandoned(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		list, err := deps.Queue.ListAbandoned(r.Context())
		if err != nil {
			storeError(w, err, "abandoned mutations")
			return
		}
		writeJSON(w, http.StatusOK, viewAbandoned(list))
	}
}

func handleAcknowledgeAbandoned(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Queue.Acknowledge(r.Context(), id); err != nil {
			storeError(w, err, "abandoned mutation "+id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": id})
	}
}

func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sync == nil {
			httpError(w, http.StatusServiceUnavailable, "storage_unavailable", "sync is disabled in passthrough mode")
			return
		}
		res, err := deps.Sync.SyncNow(r.Context())
		switch {
		case errors.Is(err, syncer.ErrOffline):
			httpError(w, http.StatusServiceUnavailable, "offline", "remote is unreachable")
		case errors.Is(err, syncer.ErrPullFailed):
			httpError(w, http.StatusBadGateway, "pull_failed", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

func handleWipe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		if r.URL.Query().Get("confirm") != "true" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pass confirm=true to wipe all local data")
			return
		}
		if err := deps.Store.ClearAll(r.Context()); err != nil {
			storeError(w, err, "local data")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "wiped"})
	}
}

func handleListRecords(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		records, err := deps.Store.GetAll(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			storeError(w, err, "records")
			return
		}
		if records == nil {
			records = []*entity.Entity{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleRecordsByIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}
		records, err := deps.Store.GetByIndex(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "index"), key)
		if err != nil {
			storeError(w, err, "records")
			return
		}
		if records == nil {
			records = []*entity.Entity{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		e, err := deps.Store.Get(r.Context(), chi.URLParam(r, "name"), entity.ID(chi.URLParam(r, "id")))
		if err != nil {
			storeError(w, err, "record")
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (*entity.Entity, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodySize)
	defer r.Body.Close()

	var e entity.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return &e, true
}

func handleSaveRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := decodeRecord(w, r)
		if !ok {
			return
		}
		id := entity.ID(chi.URLParam(r, "id"))
		if e.ID != "" && e.ID != id {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body id %q does not match path id %q", e.ID, id)
			return
		}
		e.ID = id
		res, err := deps.Writer.Save(r.Context(), chi.URLParam(r, "name"), e)
		writeResult(w, deps.Writer.Passthrough(), res, err)
	}
}

func handleCreateRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := decodeRecord(w, r)
		if !ok {
			return
		}
		res, err := deps.Writer.Save(r.Context(), chi.URLParam(r, "name"), e)
		writeResult(w, deps.Writer.Passthrough(), res, err)
	}
}

func handleDeleteRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Writer.Delete(r.Context(), chi.URLParam(r, "name"), entity.ID(chi.URLParam(r, "id")))
		writeResult(w, deps.Writer.Passthrough(), res, err)
	}
}

// writeResult answers 202 for queued writes, 200 for local-only and
// passthrough writes, and 502 when a passthrough call failed.
func writeResult(w http.ResponseWriter, passthrough bool, res outbox.Result, err error) {
	if err != nil {
		if passthrough && !errors.Is(err, outbox.ErrUnknownCollection) {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		storeError(w, err, "record")
		return
	}

	body := map[string]any{"status": "stored"}
	code := http.StatusOK
	switch {
	case res.Queued:
		body["status"] = "queued"
		body["mutation_id"] = res.MutationID
		code = http.StatusAccepted
	case res.Status != 0:
		body["status"] = "sent"
		body["remote_status"] = res.Status
	}
	if res.Discarded > 0 {
		body["discarded"] = res.Discarded
	}
	if res.Entity != nil {
		body["record"] = res.Entity
	}
	writeJSON(w, code, body)
}

func handleHydrate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodySize)
		defer r.Body.Close()

		var records []*entity.Entity
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "expected a JSON array of records: %v", err)
			return
		}
		for i, e := range records {
			if e == nil || e.ID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "record %d has no id", i)
				return
			}
		}
		if err := deps.Store.BulkPut(r.Context(), chi.URLParam(r, "name"), records); err != nil {
			storeError(w, err, "records")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "stored", "count": len(records)})
	}
}
