package storage

import (
	"errors"
	"net/http"
	"time"

	"github.com/kalambet/fieldsync/internal/entity"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	// ErrUnknownCollection is returned for a collection that was never declared.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownIndex is returned for an index the collection does not declare.
	ErrUnknownIndex = errors.New("unknown index")
)

// Mutation is a write recorded while the remote may be unreachable, replayed
// later in arrival order. Collection and EntityID name the record the write
// belongs to; both are empty for mutations enqueued without an owner.
// Revision counts in-place body replacements.
type Mutation struct {
	ID            string
	Seq           int64
	Method        string
	Target        string
	Body          []byte
	Headers       http.Header
	Collection    string
	EntityID      entity.ID
	Revision      int
	Timestamp     time.Time
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
}

// AbandonedMutation is a mutation that ran out of attempts. It is kept until
// acknowledged so the loss stays visible.
type AbandonedMutation struct {
	Mutation
	AbandonedAt time.Time
}

// Adoption describes what AdoptRemoteID changed.
type Adoption struct {
	// Rekeyed is set when the local record moved to the remote id.
	Rekeyed bool
	// Requeued counts queued mutations rewritten to target the remote id.
	// An edit made while the create was in flight shows up here as a PUT.
	Requeued int
	// DeleteQueued is set when the record was deleted locally while its
	// create was in flight, so a DELETE for the remote copy was queued.
	DeleteQueued bool
}

// PullWrite is one reconciled entity to commit during a pull. Expected is the
// local updated_at observed when the pull read its snapshot; Absent means the
// entity did not exist locally at that time.
type PullWrite struct {
	Entity   *entity.Entity
	Expected time.Time
	Absent   bool
}
