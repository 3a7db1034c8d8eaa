package syncer

import (
	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/storage"
)

// Observer receives sync status notifications. Implementations must not
// block; they are called from the sync goroutine.
type Observer interface {
	// SyncingChanged is called with true when a drain or pull pass starts
	// and with false when it ends.
	SyncingChanged(syncing bool)
	// MutationAbandoned is called when a mutation leaves the queue after its
	// last allowed attempt. It stays on the abandoned list until acknowledged.
	MutationAbandoned(m storage.Mutation, cause error)
	// PullFailed is called when a pull pass aborts.
	PullFailed(err error)
	// ConflictResolved is called for every conflict a pull resolved.
	ConflictResolved(r *conflict.Resolution)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SyncingChanged(bool)                       {}
func (NopObserver) MutationAbandoned(storage.Mutation, error) {}
func (NopObserver) PullFailed(error)                          {}
func (NopObserver) ConflictResolved(*conflict.Resolution)     {}

// Observers fans notifications out to each member in order.
type Observers []Observer

func (os Observers) SyncingChanged(syncing bool) {
	for _, o := range os {
		o.SyncingChanged(syncing)
	}
}

func (os Observers) MutationAbandoned(m storage.Mutation, cause error) {
	for _, o := range os {
		o.MutationAbandoned(m, cause)
	}
}

func (os Observers) PullFailed(err error) {
	for _, o := range os {
		o.PullFailed(err)
	}
}

func (os Observers) ConflictResolved(r *conflict.Resolution) {
	for _, o := range os {
		o.ConflictResolved(r)
	}
}
