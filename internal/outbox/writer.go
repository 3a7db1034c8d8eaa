// Package outbox applies writes locally first and queues them for the remote.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
)

// ErrUnknownCollection is returned for a collection the schema does not declare.
var ErrUnknownCollection = errors.New("unknown collection")

// Store is the local persistence a Writer needs.
type Store interface {
	Get(ctx context.Context, collection string, id entity.ID) (*entity.Entity, error)
	Put(ctx context.Context, collection string, e *entity.Entity) (entity.ID, error)
	Delete(ctx context.Context, collection string, id entity.ID) error
}

// Queue records mutations for later replay, keyed by the record they write.
type Queue interface {
	EnqueueRecord(ctx context.Context, collection string, id entity.ID, method, target string, body []byte, headers http.Header) (string, error)
	// AmendCreate replaces the body of a create still queued for the record.
	AmendCreate(ctx context.Context, collection string, id entity.ID, body []byte) (string, bool, error)
	// DiscardRecord drops the queued writes of a record that never reached the remote.
	DiscardRecord(ctx context.Context, collection string, id entity.ID) (int, error)
	// ResolveID maps a temporary id to the remote id adopted for it.
	ResolveID(ctx context.Context, collection string, id entity.ID) (entity.ID, error)
}

// DrainRequester is notified after a mutation is queued.
type DrainRequester interface {
	RequestDrain()
}

// Result describes what happened to a write.
type Result struct {
	Entity     *entity.Entity `json:"record,omitempty"`
	MutationID string         `json:"mutation_id,omitempty"`
	Queued     bool           `json:"queued"`
	Discarded  int            `json:"discarded,omitempty"`     // unsent writes dropped by a delete
	Status     int            `json:"remote_status,omitempty"` // passthrough only
}

// Writer is the single write path for collection records.
type Writer struct {
	schema  schema.Schema
	store   Store
	queue   Queue
	drain   DrainRequester
	sender  remote.Sender // passthrough only
	now     func() time.Time
	logger  *slog.Logger
	headers http.Header
}

// NewWriter creates a queueing Writer. drain may be nil.
func NewWriter(sch schema.Schema, store Store, q Queue, drain DrainRequester) *Writer {
	return &Writer{
		schema:  sch,
		store:   store,
		queue:   q,
		drain:   drain,
		now:     time.Now,
		logger:  slog.Default(),
		headers: http.Header{"Content-Type": {"application/json"}},
	}
}

// NewPassthrough creates a Writer that sends every write straight to the
// remote. It is used when the local store cannot be opened.
func NewPassthrough(sch schema.Schema, sender remote.Sender) *Writer {
	return &Writer{
		schema: sch,
		sender: sender,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Passthrough reports whether writes bypass the local store.
func (w *Writer) Passthrough() bool {
	return w.store == nil
}

// Save stores e in collection and queues the matching remote call: POST to
// the collection for records without a server id, PUT to the record
// otherwise. While a create is still queued, later saves of the same record
// replace its body instead of queueing another create. updatedAt is always
// set to now.
func (w *Writer) Save(ctx context.Context, collection string, e *entity.Entity) (Result, error) {
	c, ok := w.schema.Collection(collection)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	e = e.Clone()
	now := w.now().UTC()
	e.UpdatedAt = now

	if w.Passthrough() {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		return w.send(ctx, c, e)
	}

	if isLocalID(e.ID) {
		id, err := w.queue.ResolveID(ctx, collection, e.ID)
		if err != nil {
			return Result{}, fmt.Errorf("resolving %s/%s: %w", collection, e.ID, err)
		}
		e.ID = id
	}

	prev, err := w.store.Get(ctx, collection, e.ID)
	switch {
	case err == nil:
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
	case errors.Is(err, storage.ErrNotFound):
		prev = nil
	default:
		return Result{}, fmt.Errorf("reading %s/%s: %w", collection, e.ID, err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	id, err := w.store.Put(ctx, collection, e)
	if err != nil {
		return Result{}, fmt.Errorf("saving %s/%s: %w", collection, e.ID, err)
	}
	e.ID = id

	res := Result{Entity: e}
	if !c.Synced() {
		return res, nil
	}

	mid, method, err := w.queueSave(ctx, c, e)
	if err != nil {
		w.restore(ctx, collection, id, prev)
		return Result{}, err
	}
	res.MutationID, res.Queued = mid, true
	w.logger.Debug("write queued", "collection", collection, "entity_id", id, "mutation_id", mid, "method", method)
	w.requestDrain()
	return res, nil
}

// queueSave records the remote call for a saved record and returns the
// mutation id and method.
func (w *Writer) queueSave(ctx context.Context, c schema.Collection, e *entity.Entity) (string, string, error) {
	if !isLocalID(e.ID) {
		body, err := json.Marshal(e)
		if err != nil {
			return "", "", fmt.Errorf("encoding %s/%s: %w", c.Name, e.ID, err)
		}
		target := c.RecordPath(string(e.ID))
		mid, err := w.queue.EnqueueRecord(ctx, c.Name, e.ID, http.MethodPut, target, body, w.headers)
		if err != nil {
			return "", "", fmt.Errorf("queueing PUT %s: %w", target, err)
		}
		return mid, http.MethodPut, nil
	}

	body, err := createBody(e)
	if err != nil {
		return "", "", fmt.Errorf("encoding %s/%s: %w", c.Name, e.ID, err)
	}
	mid, amended, err := w.queue.AmendCreate(ctx, c.Name, e.ID, body)
	if err != nil {
		return "", "", fmt.Errorf("amending queued create of %s/%s: %w", c.Name, e.ID, err)
	}
	if amended {
		return mid, http.MethodPost, nil
	}
	mid, err = w.queue.EnqueueRecord(ctx, c.Name, e.ID, http.MethodPost, c.Path(), body, w.headers)
	if err != nil {
		return "", "", fmt.Errorf("queueing POST %s: %w", c.Path(), err)
	}
	return mid, http.MethodPost, nil
}

// Delete removes a record locally and queues a DELETE for the remote. For a
// record that never reached the remote, its queued writes are dropped
// instead.
func (w *Writer) Delete(ctx context.Context, collection string, id entity.ID) (Result, error) {
	c, ok := w.schema.Collection(collection)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if w.Passthrough() {
		return w.sendDelete(ctx, c, id)
	}

	if isLocalID(id) {
		resolved, err := w.queue.ResolveID(ctx, collection, id)
		if err != nil {
			return Result{}, fmt.Errorf("resolving %s/%s: %w", collection, id, err)
		}
		id = resolved
	}

	prev, err := w.store.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	if err := w.store.Delete(ctx, collection, id); err != nil {
		return Result{}, fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if !c.Synced() {
		return Result{}, nil
	}

	if isLocalID(id) {
		n, err := w.queue.DiscardRecord(ctx, collection, id)
		if err != nil {
			if prev != nil {
				w.restore(ctx, collection, id, prev)
			}
			return Result{}, fmt.Errorf("discarding queued writes of %s/%s: %w", collection, id, err)
		}
		if n > 0 {
			w.logger.Debug("unsent writes discarded", "collection", collection, "entity_id", id, "count", n)
		}
		return Result{Discarded: n}, nil
	}

	target := c.RecordPath(string(id))
	mid, err := w.queue.EnqueueRecord(ctx, collection, id, http.MethodDelete, target, nil, nil)
	if err != nil {
		if prev != nil {
			w.restore(ctx, collection, id, prev)
		}
		return Result{}, fmt.Errorf("queueing DELETE %s: %w", target, err)
	}
	w.requestDrain()
	return Result{MutationID: mid, Queued: true}, nil
}

func (w *Writer) requestDrain() {
	if w.drain != nil {
		w.drain.RequestDrain()
	}
}

// restore puts back the state a failed write replaced.
func (w *Writer) restore(ctx context.Context, collection string, id entity.ID, prev *entity.Entity) {
	var err error
	if prev == nil {
		err = w.store.Delete(ctx, collection, id)
	} else {
		_, err = w.store.Put(ctx, collection, prev)
	}
	if err != nil {
		w.logger.Error("restoring record after failed write", "collection", collection, "entity_id", id, "error", err)
	}
}

func (w *Writer) send(ctx context.Context, c schema.Collection, e *entity.Entity) (Result, error) {
	req := remote.Request{Method: http.MethodPut, URL: c.RecordPath(string(e.ID))}
	var err error
	if e.ID == "" || isLocalID(e.ID) {
		req.Method, req.URL = http.MethodPost, c.Path()
		req.Body, err = createBody(e)
	} else {
		req.Body, err = json.Marshal(e)
	}
	if err != nil {
		return Result{}, fmt.Errorf("encoding %s/%s: %w", c.Name, e.ID, err)
	}
	resp, err := w.sender.Send(ctx, req)
	res := Result{Entity: e}
	if resp != nil {
		res.Status = resp.Status
	}
	if err != nil {
		return res, fmt.Errorf("sending %s %s: %w", req.Method, req.URL, err)
	}
	return res, nil
}

func (w *Writer) sendDelete(ctx context.Context, c schema.Collection, id entity.ID) (Result, error) {
	target := c.RecordPath(string(id))
	resp, err := w.sender.Send(ctx, remote.Request{Method: http.MethodDelete, URL: target})
	var res Result
	if resp != nil {
		res.Status = resp.Status
	}
	if err != nil {
		return res, fmt.Errorf("sending DELETE %s: %w", target, err)
	}
	return res, nil
}

// createBody encodes a record for a create. The remote assigns the id, so a
// temporary one is left out.
func createBody(e *entity.Entity) ([]byte, error) {
	body := *e
	body.ID = ""
	return json.Marshal(body)
}

func isLocalID(id entity.ID) bool {
	return strings.HasPrefix(string(id), storage.TempIDPrefix)
}
