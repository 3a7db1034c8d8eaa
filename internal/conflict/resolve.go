package conflict

import (
	"fmt"
	"maps"

	"github.com/kalambet/fieldsync/internal/entity"
)

// ResolveConflict produces the reconciled entity for c. manual is only read
// by the Manual strategy, where it is required.
func ResolveConflict(c *Conflict, strategy Strategy, manual map[string]Side) (*Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, fmt.Errorf("%w: conflict with both copies is required", ErrPrecondition)
	}

	var resolved *entity.Entity
	switch strategy {
	case UseLocal:
		resolved = c.Local.Clone()
	case UseRemote:
		resolved = c.Remote.Clone()
	case Merge:
		resolved = merge(c)
	case Manual:
		if manual == nil {
			return nil, ErrManualResolutionsRequired
		}
		resolved = applyManual(c, manual)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	res := &Resolution{Conflict: c, Strategy: strategy, Resolved: resolved}
	if strategy == Manual {
		res.ManualFieldResolutions = maps.Clone(manual)
	}
	return res, nil
}

// merge starts from remote and carries over every local change that is not
// itself in conflict. Fields that exist only remotely are kept.
func merge(c *Conflict) *entity.Entity {
	out := c.Remote.Clone()
	conflicting := make(map[string]bool, len(c.ConflictingFields))
	for _, f := range c.ConflictingFields {
		conflicting[f] = true
	}
	for k, lv := range c.Local.Clone().Fields {
		if entity.IsReserved(k) || conflicting[k] {
			continue
		}
		if rv, ok := c.Remote.Fields[k]; ok && entity.ValuesEqual(lv, rv) {
			continue
		}
		out.Fields[k] = lv
	}
	return out
}

// applyManual starts from remote and takes the local value of each
// conflicting field the caller assigned to Local. Unassigned fields keep
// the remote value.
func applyManual(c *Conflict, manual map[string]Side) *entity.Entity {
	out := c.Remote.Clone()
	local := c.Local.Clone()
	for _, f := range c.ConflictingFields {
		if manual[f] != Local {
			continue
		}
		if lv, ok := local.Fields[f]; ok {
			out.Fields[f] = lv
		} else {
			delete(out.Fields, f)
		}
	}
	return out
}
