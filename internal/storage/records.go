package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/entity"
)

// TempIDPrefix marks ids minted locally before the remote assigns one.
const TempIDPrefix = "tmp-"

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, ex execer, table string, e *entity.Entity) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entity %s: %w", e.ID, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO `+table+` (id, body, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at, updated_at = excluded.updated_at`,
		string(e.ID), string(body), nullableNanos(e.CreatedAt), nullableNanos(e.UpdatedAt),
	)
	return err
}

// Put inserts or replaces an entity. An entity without an id gets a
// temporary one, which is returned.
func (s *Store) Put(ctx context.Context, collection string, e *entity.Entity) (entity.ID, error) {
	if _, err := s.collection(collection); err != nil {
		return "", err
	}
	if e.ID == "" {
		e = e.Clone()
		e.ID = entity.ID(TempIDPrefix + uuid.New().String())
	}
	if err := upsert(ctx, s.db, tableName(collection), e); err != nil {
		return "", wrap("putting entity", err)
	}
	return e.ID, nil
}

// Get returns the entity with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection string, id entity.ID) (*entity.Entity, error) {
	if _, err := s.collection(collection); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM "+tableName(collection)+" WHERE id = ?", string(id)).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("getting entity", err)
	}
	return decodeEntity(body)
}

func decodeEntity(body string) (*entity.Entity, error) {
	var e entity.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("decoding stored entity: %w", err)
	}
	return &e, nil
}

// GetAll returns every entity in the collection, in no particular order.
func (s *Store) GetAll(ctx context.Context, collection string) ([]*entity.Entity, error) {
	if _, err := s.collection(collection); err != nil {
		return nil, err
	}
	return s.queryEntities(ctx, "SELECT body FROM "+tableName(collection))
}

// GetByIndex returns entities whose indexed field equals key. A numeric-looking
// string key also matches the numeric value.
func (s *Store) GetByIndex(ctx context.Context, collection, index string, key any) ([]*entity.Entity, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	idx, ok := c.Index(index)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, index, collection)
	}

	alt := key
	if str, ok := key.(string); ok {
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			alt = i
		} else if f, err := strconv.ParseFloat(str, 64); err == nil {
			alt = f
		}
	}
	q := "SELECT body FROM " + tableName(collection) + " WHERE " + keyExpr(idx) + " IN (?, ?)"
	return s.queryEntities(ctx, q, key, alt)
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]*entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("querying entities", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, wrap("scanning entity", err)
		}
		e, err := decodeEntity(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrap("iterating entities", rows.Err())
}

// Delete removes an entity. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, collection string, id entity.ID) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM "+tableName(collection)+" WHERE id = ?", string(id))
	return wrap("deleting entity", err)
}

// BulkPut writes all entities in one transaction. Either every entity is
// stored or none is.
func (s *Store) BulkPut(ctx context.Context, collection string, entities []*entity.Entity) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("beginning bulk put", err)
	}
	defer tx.Rollback()

	table := tableName(collection)
	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("bulk put: entity without id")
		}
		if err := upsert(ctx, tx, table, e); err != nil {
			return wrap("bulk put "+string(e.ID), err)
		}
	}
	return wrap("committing bulk put", tx.Commit())
}

// ApplyPull commits reconciled entities and, when syncedAt is non-zero,
// advances the collection watermark in the same transaction. A write whose
// row changed since the pull read it is skipped so a newer local edit is
// never overwritten. It returns the number of entities written.
func (s *Store) ApplyPull(ctx context.Context, collection string, writes []PullWrite, syncedAt time.Time) (int, error) {
	if _, err := s.collection(collection); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("beginning pull commit", err)
	}
	defer tx.Rollback()

	table := tableName(collection)
	applied := 0
	for _, w := range writes {
		body, err := json.Marshal(w.Entity)
		if err != nil {
			return 0, fmt.Errorf("encoding entity %s: %w", w.Entity.ID, err)
		}
		var res sql.Result
		if w.Absent {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO `+table+` (id, body, created_at, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				string(w.Entity.ID), string(body), nullableNanos(w.Entity.CreatedAt), nullableNanos(w.Entity.UpdatedAt),
			)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE `+table+` SET body = ?, created_at = ?, updated_at = ?
				WHERE id = ? AND updated_at IS ?`,
				string(body), nullableNanos(w.Entity.CreatedAt), nullableNanos(w.Entity.UpdatedAt),
				string(w.Entity.ID), nullableNanos(w.Expected),
			)
		}
		if err != nil {
			return 0, wrap("writing pulled entity "+string(w.Entity.ID), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, wrap("checking pulled rows", err)
		}
		applied += int(n)
	}

	if !syncedAt.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (collection, last_synced_at) VALUES (?, ?)
			ON CONFLICT(collection) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
			collection, syncedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return 0, wrap("advancing watermark", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("committing pull", err)
	}
	return applied, nil
}

// Watermark returns the time of the last successful pull of collection, or
// the zero time if it was never synced.
func (s *Store) Watermark(ctx context.Context, collection string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT last_synced_at FROM sync_state WHERE collection = ?", collection).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrap("reading watermark", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing watermark for %s: %w", collection, err)
	}
	return t, nil
}

// Watermarks returns every recorded watermark keyed by collection.
func (s *Store) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT collection, last_synced_at FROM sync_state")
	if err != nil {
		return nil, wrap("listing watermarks", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, wrap("scanning watermark", err)
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing watermark for %s: %w", name, err)
		}
		out[name] = t
	}
	return out, wrap("iterating watermarks", rows.Err())
}
