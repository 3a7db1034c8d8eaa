package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/entity"
)

const mutationColumns = `seq, id, method, target, headers_json, body, body_encoding, collection, entity_id, revision, timestamp, attempts, last_attempt_at, last_error`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// EnqueueMutation appends m to the sync queue. Timestamp must be set by the
// caller; the queue orders by it, then by insertion.
func (s *Store) EnqueueMutation(ctx context.Context, m Mutation) error {
	return wrap("enqueueing mutation", insertMutation(ctx, s.db, m))
}

func insertMutation(ctx context.Context, ex execer, m Mutation) error {
	headers := m.Headers
	if headers == nil {
		headers = http.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}
	body, encoding := encodeBody(m.Body)

	_, err = ex.ExecContext(ctx, `
		INSERT INTO sync_queue (id, method, target, headers_json, body, body_encoding, collection, entity_id, timestamp, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Method, m.Target, string(headersJSON), body, encoding, m.Collection, string(m.EntityID), m.Timestamp.UnixMilli(), m.Attempts,
	)
	return err
}

// ListMutations returns every queued mutation, oldest first.
func (s *Store) ListMutations(ctx context.Context) ([]Mutation, error) {
	return queryMutations(ctx, s.db, `SELECT `+mutationColumns+` FROM sync_queue ORDER BY timestamp ASC, seq ASC`)
}

func queryMutations(ctx context.Context, q queryer, query string, args ...any) ([]Mutation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("listing mutations", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, wrap("iterating mutations", rows.Err())
}

// GetMutation returns one queued mutation, or ErrNotFound.
func (s *Store) GetMutation(ctx context.Context, id string) (Mutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM sync_queue WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return Mutation{}, ErrNotFound
	}
	return m, err
}

// CountMutations returns the queue length.
func (s *Store) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n)
	return n, wrap("counting mutations", err)
}

// MarkAttempt increments the attempt counter and stamps the attempt time,
// returning the updated mutation.
func (s *Store) MarkAttempt(ctx context.Context, id string, at time.Time) (Mutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, wrap("beginning attempt transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sync_queue SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return Mutation{}, wrap("marking attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Mutation{}, wrap("marking attempt", err)
	}
	if n == 0 {
		return Mutation{}, ErrNotFound
	}

	m, err := scanMutation(tx.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		return Mutation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Mutation{}, wrap("committing attempt", err)
	}
	return m, nil
}

// RecordFailure stores the error text of the latest failed replay.
func (s *Store) RecordFailure(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET last_error = ? WHERE id = ?`, errMsg, id)
	return wrap("recording failure", err)
}

// RemoveMutation deletes a queued mutation. Removing an absent id is not an error.
func (s *Store) RemoveMutation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return wrap("removing mutation", err)
}

// AmendCreate replaces the body of the newest queued POST for a record and
// bumps its revision. It returns the mutation id, or false when no create is
// pending for the record.
func (s *Store) AmendCreate(ctx context.Context, collection string, id entity.ID, body []byte) (string, bool, error) {
	stored, encoding := encodeBody(body)
	var mid string
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_queue SET body = ?, body_encoding = ?, revision = revision + 1
		WHERE seq = (
			SELECT seq FROM sync_queue
			WHERE collection = ? AND entity_id = ? AND method = 'POST'
			ORDER BY seq DESC LIMIT 1
		)
		RETURNING id`,
		stored, encoding, collection, string(id),
	).Scan(&mid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("amending queued create", err)
	}
	return mid, true, nil
}

// DiscardRecordMutations removes every queued mutation of a record that
// never reached the remote. When one of them was already attempted, its
// create may have landed; the record is then marked deleted so that
// AdoptRemoteID queues a DELETE for the remote copy.
func (s *Store) DiscardRecordMutations(ctx context.Context, collection string, id entity.ID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("beginning discard", err)
	}
	defer tx.Rollback()

	var attempted int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE collection = ? AND entity_id = ? AND attempts > 0`,
		collection, string(id),
	).Scan(&attempted); err != nil {
		return 0, wrap("checking attempted mutations", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE collection = ? AND entity_id = ?`, collection, string(id))
	if err != nil {
		return 0, wrap("discarding mutations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("discarding mutations", err)
	}

	if attempted > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO temp_ids (collection, temp_id, deleted) VALUES (?, ?, 1)
			ON CONFLICT(collection, temp_id) DO UPDATE SET deleted = 1`,
			collection, string(id),
		); err != nil {
			return 0, wrap("marking temporary record deleted", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("committing discard", err)
	}
	return int(n), nil
}

// ResolveTempID returns the remote id adopted for a temporary id, or id
// itself when none was recorded.
func (s *Store) ResolveTempID(ctx context.Context, collection string, id entity.ID) (entity.ID, error) {
	var remoteID string
	err := s.db.QueryRowContext(ctx, `
		SELECT remote_id FROM temp_ids WHERE collection = ? AND temp_id = ? AND remote_id != ''`,
		collection, string(id),
	).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return id, nil
	}
	if err != nil {
		return id, wrap("resolving temporary id", err)
	}
	return entity.ID(remoteID), nil
}

// AdoptRemoteID records the id the remote assigned to a replayed create m
// and moves everything keyed by the temporary id over to it in one
// transaction: the local row, and any mutation still queued for the record.
// The create itself is removed unless its body was amended while it was in
// flight; an amended create becomes a PUT of the latest body.
func (s *Store) AdoptRemoteID(ctx context.Context, m Mutation, remoteID entity.ID, at time.Time) (Adoption, error) {
	var out Adoption
	c, err := s.collection(m.Collection)
	if err != nil {
		return out, err
	}
	tempID := m.EntityID
	target := c.RecordPath(string(remoteID))
	table := tableName(m.Collection)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, wrap("beginning adoption", err)
	}
	defer tx.Rollback()

	var deleted int
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM temp_ids WHERE collection = ? AND temp_id = ?`, m.Collection, string(tempID)).Scan(&deleted)
	if err != nil && err != sql.ErrNoRows {
		return out, wrap("reading temporary id", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO temp_ids (collection, temp_id, remote_id) VALUES (?, ?, ?)
		ON CONFLICT(collection, temp_id) DO UPDATE SET remote_id = excluded.remote_id`,
		m.Collection, string(tempID), string(remoteID),
	); err != nil {
		return out, wrap("recording remote id", err)
	}

	var body string
	err = tx.QueryRowContext(ctx, "SELECT body FROM "+table+" WHERE id = ?", string(tempID)).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return out, wrap("reading temporary record", err)
	default:
		e, err := decodeEntity(body)
		if err != nil {
			return out, err
		}
		e.ID = remoteID
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", string(tempID)); err != nil {
			return out, wrap("removing temporary record", err)
		}
		if err := upsert(ctx, tx, table, e); err != nil {
			return out, wrap("rekeying record", err)
		}
		out.Rekeyed = true
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND revision = ?`, m.ID, m.Revision); err != nil {
		return out, wrap("removing replayed create", err)
	}

	owned, err := queryMutations(ctx, tx, `SELECT `+mutationColumns+` FROM sync_queue WHERE collection = ? AND entity_id = ?`, m.Collection, string(tempID))
	if err != nil {
		return out, err
	}
	for _, o := range owned {
		method := o.Method
		if method == http.MethodPost {
			method = http.MethodPut
		}
		body := o.Body
		if len(body) > 0 {
			if body, err = rekeyBody(body, remoteID); err != nil {
				return out, fmt.Errorf("rekeying mutation %s: %w", o.ID, err)
			}
		}
		stored, encoding := encodeBody(body)
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET method = ?, target = ?, entity_id = ?, body = ?, body_encoding = ?,
			    attempts = 0, last_attempt_at = NULL, last_error = NULL
			WHERE id = ?`,
			method, target, string(remoteID), stored, encoding, o.ID,
		); err != nil {
			return out, wrap("rewriting mutation "+o.ID, err)
		}
		out.Requeued++
	}

	if !out.Rekeyed && deleted == 1 {
		del := Mutation{
			ID:         uuid.New().String(),
			Method:     http.MethodDelete,
			Target:     target,
			Collection: m.Collection,
			EntityID:   remoteID,
			Timestamp:  at.UTC(),
		}
		if err := insertMutation(ctx, tx, del); err != nil {
			return out, wrap("queueing delete of remote copy", err)
		}
		out.DeleteQueued = true
	}

	if err := tx.Commit(); err != nil {
		return out, wrap("committing adoption", err)
	}
	return out, nil
}

func rekeyBody(body []byte, id entity.ID) ([]byte, error) {
	var e entity.Entity
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	e.ID = id
	return json.Marshal(e)
}

// AbandonMutation moves a queued mutation to the abandoned list in one
// transaction. It stays there until AcknowledgeAbandoned.
func (s *Store) AbandonMutation(ctx context.Context, id, errMsg string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("beginning abandon", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO abandoned_mutations (id, method, target, headers_json, body, body_encoding, collection, entity_id, timestamp, attempts, last_error, abandoned_at)
		SELECT id, method, target, headers_json, body, body_encoding, collection, entity_id, timestamp, attempts, ?, ?
		FROM sync_queue WHERE id = ?`,
		errMsg, at.UnixMilli(), id,
	)
	if err != nil {
		return wrap("recording abandoned mutation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("recording abandoned mutation", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return wrap("removing abandoned mutation", err)
	}
	return wrap("committing abandon", tx.Commit())
}

// ListAbandoned returns unacknowledged abandoned mutations, oldest first.
func (s *Store) ListAbandoned(ctx context.Context) ([]AbandonedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, target, headers_json, body, body_encoding, collection, entity_id, timestamp, attempts, last_error, abandoned_at
		FROM abandoned_mutations ORDER BY abandoned_at ASC, id ASC`)
	if err != nil {
		return nil, wrap("listing abandoned mutations", err)
	}
	defer rows.Close()

	var out []AbandonedMutation
	for rows.Next() {
		var (
			a           AbandonedMutation
			headersJSON string
			body        []byte
			encoding    string
			entityID    string
			ts, at      int64
			lastError   sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Method, &a.Target, &headersJSON, &body, &encoding, &a.Collection, &entityID, &ts, &a.Attempts, &lastError, &at); err != nil {
			return nil, wrap("scanning abandoned mutation", err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &a.Headers); err != nil {
			return nil, fmt.Errorf("parsing headers of abandoned mutation %s: %w", a.ID, err)
		}
		if a.Body, err = decodeBody(body, encoding); err != nil {
			return nil, fmt.Errorf("abandoned mutation %s: %w", a.ID, err)
		}
		a.EntityID = entity.ID(entityID)
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.AbandonedAt = time.UnixMilli(at).UTC()
		a.LastError = lastError.String
		out = append(out, a)
	}
	return out, wrap("iterating abandoned mutations", rows.Err())
}

// CountAbandoned returns the number of unacknowledged abandoned mutations.
func (s *Store) CountAbandoned(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM abandoned_mutations").Scan(&n)
	return n, wrap("counting abandoned mutations", err)
}

// AcknowledgeAbandoned forgets an abandoned mutation, or returns ErrNotFound.
func (s *Store) AcknowledgeAbandoned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM abandoned_mutations WHERE id = ?`, id)
	if err != nil {
		return wrap("acknowledging abandoned mutation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("acknowledging abandoned mutation", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(r rowScanner) (Mutation, error) {
	var (
		m           Mutation
		headersJSON string
		body        []byte
		encoding    string
		entityID    string
		ts          int64
		lastAttempt sql.NullInt64
		lastError   sql.NullString
	)
	err := r.Scan(&m.Seq, &m.ID, &m.Method, &m.Target, &headersJSON, &body, &encoding, &m.Collection, &entityID, &m.Revision, &ts, &m.Attempts, &lastAttempt, &lastError)
	if err == sql.ErrNoRows {
		return Mutation{}, err
	}
	if err != nil {
		return Mutation{}, wrap("scanning mutation", err)
	}

	if err := json.Unmarshal([]byte(headersJSON), &m.Headers); err != nil {
		return Mutation{}, fmt.Errorf("parsing headers of mutation %s: %w", m.ID, err)
	}
	if m.Body, err = decodeBody(body, encoding); err != nil {
		return Mutation{}, fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	m.EntityID = entity.ID(entityID)
	m.Timestamp = time.UnixMilli(ts).UTC()
	if lastAttempt.Valid {
		m.LastAttemptAt = time.UnixMilli(lastAttempt.Int64).UTC()
	}
	m.LastError = lastError.String
	return m, nil
}
