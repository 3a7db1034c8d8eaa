package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/entity"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
)

// ErrPullFailed wraps any failure that aborts a pull pass. Watermarks of
// collections not yet committed stay where they were.
var ErrPullFailed = errors.New("pull reconciliation failed")

const fetchConcurrency = 4

// PullStore abstracts the local store operations a pull needs.
type PullStore interface {
	Collections() []schema.Collection
	GetAll(ctx context.Context, collection string) ([]*entity.Entity, error)
	Watermark(ctx context.Context, collection string) (time.Time, error)
	ApplyPull(ctx context.Context, collection string, writes []storage.PullWrite, syncedAt time.Time) (int, error)
}

// PullResult summarizes one pull pass.
type PullResult struct {
	Collections int `json:"collections"`
	Fetched     int `json:"fetched"`
	Applied     int `json:"applied"`
	Conflicts   int `json:"conflicts"`
	Unresolved  int `json:"unresolved"`
}

// Puller fetches remote collections and merges them into the local store.
type Puller struct {
	store    PullStore
	fetcher  remote.Fetcher
	chooser  conflict.Chooser
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// NewPuller creates a Puller. A nil chooser merges every conflict.
func NewPuller(store PullStore, fetcher remote.Fetcher, chooser conflict.Chooser, observer Observer) *Puller {
	if chooser == nil {
		chooser = conflict.DefaultChooser
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Puller{
		store:    store,
		fetcher:  fetcher,
		chooser:  chooser,
		observer: observer,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Pull fetches every synced collection, then reconciles them one by one.
// The watermark recorded for a collection is the time the pass started, and
// is only advanced when every entity of that collection was reconciled.
func (p *Puller) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	start := p.now().UTC()

	var colls []schema.Collection
	for _, c := range p.store.Collections() {
		if c.Synced() {
			colls = append(colls, c)
		}
	}

	fetched := make([][]*entity.Entity, len(colls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, c := range colls {
		g.Go(func() error {
			list, err := p.fetcher.FetchAll(gctx, c.Path())
			if err != nil {
				return fmt.Errorf("collection %s: %w", c.Name, err)
			}
			fetched[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("%w: %w", ErrPullFailed, err)
	}

	for i, c := range colls {
		r, err := p.reconcile(ctx, c.Name, fetched[i], start)
		res.Collections++
		res.Fetched += len(fetched[i])
		res.Applied += r.Applied
		res.Conflicts += r.Conflicts
		res.Unresolved += r.Unresolved
		if err != nil {
			return res, fmt.Errorf("%w: collection %s: %w", ErrPullFailed, c.Name, err)
		}
	}
	return res, nil
}

func (p *Puller) reconcile(ctx context.Context, collection string, remotes []*entity.Entity, start time.Time) (PullResult, error) {
	var res PullResult

	locals, err := p.store.GetAll(ctx, collection)
	if err != nil {
		return res, fmt.Errorf("loading local snapshot: %w", err)
	}
	byID := make(map[entity.ID]*entity.Entity, len(locals))
	for _, l := range locals {
		byID[l.ID] = l
	}

	lastSynced, err := p.store.Watermark(ctx, collection)
	if err != nil {
		return res, fmt.Errorf("reading watermark: %w", err)
	}

	var writes []storage.PullWrite
	clean := true
	for _, r := range remotes {
		l, ok := byID[r.ID]
		if !ok {
			writes = append(writes, storage.PullWrite{Entity: r, Absent: true})
			continue
		}

		c, err := conflict.DetectConflict(l, r, collection, lastSynced)
		if err != nil {
			clean = false
			res.Unresolved++
			p.logger.Warn("conflict detection failed", "collection", collection, "entity_id", r.ID, "error", err)
			continue
		}

		if c != nil {
			res.Conflicts++
			strategy, manual := p.chooser.Choose(c)
			resolution, err := conflict.ResolveConflict(c, strategy, manual)
			if err != nil {
				clean = false
				res.Unresolved++
				p.logger.Warn("conflict left unresolved", "collection", collection, "entity_id", r.ID, "strategy", string(strategy), "error", err)
				continue
			}
			p.observer.ConflictResolved(resolution)
			writes = append(writes, storage.PullWrite{Entity: resolution.Resolved, Expected: l.UpdatedAt})
			continue
		}

		switch {
		case l.UpdatedAt.After(r.UpdatedAt):
			// Local is ahead; its queued mutation carries it upstream.
		case l.UpdatedAt.Equal(r.UpdatedAt) && sameFields(l, r):
		default:
			writes = append(writes, storage.PullWrite{Entity: r, Expected: l.UpdatedAt})
		}
	}

	syncedAt := start
	if !clean {
		syncedAt = time.Time{}
	}
	applied, err := p.store.ApplyPull(ctx, collection, writes, syncedAt)
	if err != nil {
		return res, fmt.Errorf("committing: %w", err)
	}
	res.Applied = applied
	if applied < len(writes) {
		p.logger.Info("pulled entities skipped after concurrent local edits", "collection", collection, "skipped", len(writes)-applied)
	}
	return res, nil
}

func sameFields(a, b *entity.Entity) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, av := range a.Fields {
		bv, ok := b.Fields[k]
		if !ok || !entity.ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}
