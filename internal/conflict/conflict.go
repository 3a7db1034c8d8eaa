// Package conflict decides whether a local and a remote copy of an entity
// have diverged since the last sync, and merges them according to a chosen
// strategy. It performs no I/O and never mutates its inputs.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/fieldsync/internal/entity"
)

// Type classifies a conflict.
type Type string

const (
	VersionMismatch Type = "version_mismatch"
	DeletedLocally  Type = "deleted_locally"
	DeletedRemotely Type = "deleted_remotely"
	ConcurrentEdits Type = "concurrent_edits"
	FieldConflict   Type = "field_conflict"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	UseLocal  Strategy = "use_local"
	UseRemote Strategy = "use_remote"
	Merge     Strategy = "merge"
	Manual    Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case UseLocal, UseRemote, Merge, Manual:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Side picks one copy of a field during manual resolution.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

var (
	// ErrPrecondition is the parent of caller errors that must not be retried.
	ErrPrecondition = errors.New("conflict precondition failed")

	ErrIDMismatch                = fmt.Errorf("%w: local and remote ids differ", ErrPrecondition)
	ErrManualResolutionsRequired = fmt.Errorf("%w: manual strategy requires field resolutions", ErrPrecondition)

	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// Conflict describes a divergence between two copies of one entity.
type Conflict struct {
	Type              Type
	EntityID          entity.ID
	EntityType        string
	Local             *entity.Entity
	Remote            *entity.Entity
	ConflictingFields []string
	LastSyncedAt      time.Time
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Conflict               *Conflict
	Strategy               Strategy
	Resolved               *entity.Entity
	ManualFieldResolutions map[string]Side
}

// DetectConflict compares two copies of an entity against the time of the
// last successful sync. It returns nil when the copies can be reconciled
// without a decision. A zero lastSyncedAt means the entity was never synced;
// without a baseline no conflict is raised.
func DetectConflict(local, remote *entity.Entity, entityType string, lastSyncedAt time.Time) (*Conflict, error) {
	if local == nil || remote == nil {
		return nil, nil
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("%w (local %q, remote %q)", ErrIDMismatch, local.ID, remote.ID)
	}
	if local.UpdatedAt.IsZero() || remote.UpdatedAt.IsZero() {
		return nil, nil
	}

	lt, rt := local.UpdatedAt, remote.UpdatedAt
	if lt.After(rt) {
		// Local is ahead; the queued mutation will carry it upstream.
		return nil, nil
	}
	if rt.After(lt) && !lt.After(lastSyncedAt) {
		// Local was not touched since the last sync.
		return nil, nil
	}

	if !lastSyncedAt.IsZero() && lt.After(lastSyncedAt) && rt.After(lastSyncedAt) {
		fields := ConflictingFields(local, remote)
		if len(fields) == 0 {
			return nil, nil
		}
		return &Conflict{
			Type:              ConcurrentEdits,
			EntityID:          local.ID,
			EntityType:        entityType,
			Local:             local.Clone(),
			Remote:            remote.Clone(),
			ConflictingFields: fields,
			LastSyncedAt:      lastSyncedAt,
		}, nil
	}

	return nil, nil
}

// DetectConflicts runs DetectConflict for every id present on both sides.
// Entities present on only one side are never flagged. Results follow the
// order of local.
func DetectConflicts(local, remote []*entity.Entity, entityType string, lastSyncedAt time.Time) ([]*Conflict, error) {
	remoteByID := make(map[entity.ID]*entity.Entity, len(remote))
	for _, r := range remote {
		if r != nil {
			remoteByID[r.ID] = r
		}
	}

	var out []*Conflict
	for _, l := range local {
		if l == nil {
			continue
		}
		r, ok := remoteByID[l.ID]
		if !ok {
			continue
		}
		c, err := DetectConflict(l, r, entityType, lastSyncedAt)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// ConflictingFields returns the sorted non-reserved keys whose values differ
// between the two copies, including keys present on only one side.
func ConflictingFields(local, remote *entity.Entity) []string {
	var fields []string
	for k, lv := range local.Fields {
		if entity.IsReserved(k) {
			continue
		}
		rv, ok := remote.Fields[k]
		if !ok || !entity.ValuesEqual(lv, rv) {
			fields = append(fields, k)
		}
	}
	for k := range remote.Fields {
		if entity.IsReserved(k) {
			continue
		}
		if _, ok := local.Fields[k]; !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}
