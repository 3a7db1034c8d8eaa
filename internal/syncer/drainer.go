// Package syncer replays queued mutations against the remote and reconciles
// remote changes into the local store.
package syncer

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
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
)

const defaultReplayTimeout = 15 * time.Second

// MutationQueue abstracts the mutation queue operations.
type MutationQueue interface {
	ListPending(ctx context.Context) ([]storage.Mutation, error)
	MarkAttempt(ctx context.Context, id string) (storage.Mutation, error)
	RecordFailure(ctx context.Context, id string, cause error) error
	Remove(ctx context.Context, id string) error
	Abandon(ctx context.Context, id string, cause error) error
	Adopt(ctx context.Context, m storage.Mutation, remoteID entity.ID) (storage.Adoption, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Replayed  int  `json:"replayed"`
	Adopted   int  `json:"adopted"` // creates whose remote id replaced a temporary one
	Failed    int  `json:"failed"`
	Abandoned int  `json:"abandoned"`
	Remaining int  `json:"remaining"`
	Stopped   bool `json:"stopped"` // went offline or cancelled mid-pass
}

// Drainer replays queued mutations oldest first, one at a time.
type Drainer struct {
	queue    MutationQueue
	sender   remote.Sender
	online   OnlineChecker
	observer Observer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDrainer creates a Drainer. If timeout is <= 0, each replay is bounded
// by 15s.
func NewDrainer(q MutationQueue, sender remote.Sender, online OnlineChecker, observer Observer, timeout time.Duration) *Drainer {
	if timeout <= 0 {
		timeout = defaultReplayTimeout
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Drainer{
		queue:    q,
		sender:   sender,
		online:   online,
		observer: observer,
		timeout:  timeout,
		logger:   slog.Default(),
	}
}

// Drain walks a snapshot of the queue. A failed replay counts an attempt and
// moves on to the next entry; an entry that reaches queue.MaxAttempts is
// moved to the abandoned list and reported through MutationAbandoned. A
// replayed create of a temporarily keyed record adopts the id the remote
// returned. Storage errors abort the pass.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	pending, err := d.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("listing pending mutations: %w", err)
	}

	for i, entry := range pending {
		if ctx.Err() != nil || !d.online.IsOnline() {
			res.Stopped = true
			res.Remaining = len(pending) - i
			d.logger.Info("drain stopped early", "remaining", res.Remaining)
			return res, nil
		}

		m, err := d.queue.MarkAttempt(ctx, entry.ID)
		if errors.Is(err, storage.ErrNotFound) {
			// Removed since the snapshot was taken.
			continue
		}
		if err != nil {
			return res, fmt.Errorf("marking attempt on %s: %w", entry.ID, err)
		}

		resp, replayErr := d.replay(ctx, m)
		if replayErr == nil {
			adopted, err := d.complete(ctx, m, resp)
			if err != nil {
				return res, err
			}
			res.Replayed++
			if adopted {
				res.Adopted++
			}
			d.logger.Debug("mutation replayed", "mutation_id", m.ID, "method", m.Method, "target", m.Target)
			continue
		}

		res.Failed++
		if err := d.queue.RecordFailure(ctx, m.ID, replayErr); err != nil {
			return res, fmt.Errorf("recording failure of %s: %w", m.ID, err)
		}

		if queue.Exhausted(m) {
			if err := d.queue.Abandon(ctx, m.ID, replayErr); err != nil {
				return res, fmt.Errorf("abandoning mutation %s: %w", m.ID, err)
			}
			res.Abandoned++
			d.logger.Warn("mutation abandoned after max attempts",
				"mutation_id", m.ID, "method", m.Method, "target", m.Target,
				"attempts", m.Attempts, "error", replayErr)
			d.observer.MutationAbandoned(m, replayErr)
			continue
		}

		d.logger.Warn("mutation replay failed", "mutation_id", m.ID, "attempts", m.Attempts, "error", replayErr)
	}

	return res, nil
}

// complete retires a replayed mutation. It reports whether a remote id was
// adopted.
func (d *Drainer) complete(ctx context.Context, m storage.Mutation, resp *remote.Response) (bool, error) {
	if !isTempCreate(m) {
		if err := d.queue.Remove(ctx, m.ID); err != nil {
			return false, fmt.Errorf("removing replayed mutation %s: %w", m.ID, err)
		}
		return false, nil
	}

	remoteID := createdID(resp.JSON)
	if remoteID == "" {
		d.logger.Warn("create response carried no id; record keeps its temporary id",
			"mutation_id", m.ID, "collection", m.Collection, "entity_id", m.EntityID, "status", resp.Status)
		if err := d.queue.Remove(ctx, m.ID); err != nil {
			return false, fmt.Errorf("removing replayed mutation %s: %w", m.ID, err)
		}
		return false, nil
	}

	a, err := d.queue.Adopt(ctx, m, remoteID)
	if err != nil {
		return false, fmt.Errorf("adopting remote id for %s: %w", m.EntityID, err)
	}
	d.logger.Info("remote id adopted",
		"collection", m.Collection, "temp_id", m.EntityID, "remote_id", remoteID,
		"requeued", a.Requeued, "delete_queued", a.DeleteQueued)
	return true, nil
}

func isTempCreate(m storage.Mutation) bool {
	return m.Method == http.MethodPost && m.Collection != "" &&
		strings.HasPrefix(string(m.EntityID), storage.TempIDPrefix)
}

// createdID reads the id of a created record from a response body, either
// the record itself or a {"data": record} envelope.
func createdID(raw json.RawMessage) entity.ID {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		ID   entity.ID `json:"id"`
		Data *struct {
			ID entity.ID `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.ID == "" && body.Data != nil {
		return body.Data.ID
	}
	return body.ID
}

func (d *Drainer) replay(ctx context.Context, m storage.Mutation) (*remote.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.sender.Send(callCtx, remote.Request{
		Method: m.Method,
		URL:    m.Target,
		Body:   m.Body,
		Header: m.Headers,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.OK {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		return nil, &remote.StatusError{Status: status}
	}
	return resp, nil
}
