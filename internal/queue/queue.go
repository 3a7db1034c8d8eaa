// Package queue records writes made while the remote may be unreachable and
// hands them back oldest first for replay.
package queue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/storage"
)

// MaxAttempts is the replay ceiling. A mutation that has been attempted this
// many times leaves the queue and is kept as abandoned until acknowledged.
const MaxAttempts = 5

// Store is the persistence the queue needs.
type Store interface {
	EnqueueMutation(ctx context.Context, m storage.Mutation) error
	ListMutations(ctx context.Context) ([]storage.Mutation, error)
	GetMutation(ctx context.Context, id string) (storage.Mutation, error)
	CountMutations(ctx context.Context) (int, error)
	MarkAttempt(ctx context.Context, id string, at time.Time) (storage.Mutation, error)
	RecordFailure(ctx context.Context, id, errMsg string) error
	RemoveMutation(ctx context.Context, id string) error

	AmendCreate(ctx context.Context, collection string, id entity.ID, body []byte) (string, bool, error)
	DiscardRecordMutations(ctx context.Context, collection string, id entity.ID) (int, error)
	ResolveTempID(ctx context.Context, collection string, id entity.ID) (entity.ID, error)
	AdoptRemoteID(ctx context.Context, m storage.Mutation, remoteID entity.ID, at time.Time) (storage.Adoption, error)

	AbandonMutation(ctx context.Context, id, errMsg string, at time.Time) error
	ListAbandoned(ctx context.Context) ([]storage.AbandonedMutation, error)
	CountAbandoned(ctx context.Context) (int, error)
	AcknowledgeAbandoned(ctx context.Context, id string) error
}

// Queue is the mutation queue.
type Queue struct {
	store Store
	now   func() time.Time
}

// New creates a Queue backed by store.
func New(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue records a mutation with attempts = 0 and the current time, and
// returns its id.
func (q *Queue) Enqueue(ctx context.Context, method, target string, body []byte, headers http.Header) (string, error) {
	return q.EnqueueRecord(ctx, "", "", method, target, body, headers)
}

// EnqueueRecord is Enqueue for a write that belongs to one record, so later
// writes to the same record can find it.
func (q *Queue) EnqueueRecord(ctx context.Context, collection string, id entity.ID, method, target string, body []byte, headers http.Header) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", fmt.Errorf("unsupported mutation method %q", method)
	}
	if target == "" {
		return "", fmt.Errorf("mutation target is required")
	}

	m := storage.Mutation{
		ID:         uuid.New().String(),
		Method:     method,
		Target:     target,
		Body:       body,
		Headers:    headers.Clone(),
		Collection: collection,
		EntityID:   id,
		Timestamp:  q.now().UTC().Truncate(time.Millisecond),
	}
	if err := q.store.EnqueueMutation(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListPending returns every queued mutation, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]storage.Mutation, error) {
	return q.store.ListMutations(ctx)
}

// Get returns one queued mutation.
func (q *Queue) Get(ctx context.Context, id string) (storage.Mutation, error) {
	return q.store.GetMutation(ctx, id)
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountMutations(ctx)
}

// MarkAttempt increments the attempt counter and returns the updated mutation.
func (q *Queue) MarkAttempt(ctx context.Context, id string) (storage.Mutation, error) {
	return q.store.MarkAttempt(ctx, id, q.now().UTC())
}

// RecordFailure keeps the latest replay error for inspection.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) error {
	if cause == nil {
		return nil
	}
	return q.store.RecordFailure(ctx, id, cause.Error())
}

// Remove deletes a mutation from the queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.RemoveMutation(ctx, id)
}

// AmendCreate replaces the body of a create still queued for the record.
// It reports false when no create is pending.
func (q *Queue) AmendCreate(ctx context.Context, collection string, id entity.ID, body []byte) (string, bool, error) {
	return q.store.AmendCreate(ctx, collection, id, body)
}

// DiscardRecord drops every queued write of a record that never reached the
// remote and returns how many were dropped.
func (q *Queue) DiscardRecord(ctx context.Context, collection string, id entity.ID) (int, error) {
	return q.store.DiscardRecordMutations(ctx, collection, id)
}

// ResolveID maps a temporary id to the remote id adopted for it, if any.
func (q *Queue) ResolveID(ctx context.Context, collection string, id entity.ID) (entity.ID, error) {
	return q.store.ResolveTempID(ctx, collection, id)
}

// Adopt moves the record created by m, and its queued writes, to remoteID.
func (q *Queue) Adopt(ctx context.Context, m storage.Mutation, remoteID entity.ID) (storage.Adoption, error) {
	return q.store.AdoptRemoteID(ctx, m, remoteID, q.now().UTC())
}

// Abandon takes an exhausted mutation out of the queue and keeps it, with
// its last error, on the abandoned list.
func (q *Queue) Abandon(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.AbandonMutation(ctx, id, msg, q.now().UTC())
}

// ListAbandoned returns abandoned mutations not yet acknowledged.
func (q *Queue) ListAbandoned(ctx context.Context) ([]storage.AbandonedMutation, error) {
	return q.store.ListAbandoned(ctx)
}

// AbandonedLen returns the number of abandoned mutations not yet acknowledged.
func (q *Queue) AbandonedLen(ctx context.Context) (int, error) {
	return q.store.CountAbandoned(ctx)
}

// Acknowledge removes an abandoned mutation from the list.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	return q.store.AcknowledgeAbandoned(ctx, id)
}

// Exhausted reports whether m has used up its attempts.
func Exhausted(m storage.Mutation) bool {
	return m.Attempts >= MaxAttempts
}
