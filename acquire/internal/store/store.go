// CLAUDE:SUMMARY Preview persistence: dense zero-based slots per item over content-addressed blobs, per-item serialization, all-or-nothing commits.
// CLAUDE:EXPORTS Store, Open, Blob, Slot, Item, CommitResult
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/fanart/preview"
)

// Blob is an image ready to be stored.
type Blob struct {
	Data        []byte
	ContentType string
	SourceURL   string
	Strategy    preview.Method
}

// Slot is one stored preview of an item.
type Slot struct {
	ItemID      string         `json:"item_id"`
	Index       int            `json:"index"`
	Hash        string         `json:"hash"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	SourceURL   string         `json:"source_url,omitempty"`
	Strategy    preview.Method `json:"strategy,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// Item is the pipeline-owned state of a catalog item.
type Item struct {
	ID         string `json:"id"`
	Link       string `json:"link"`
	HasPreview bool   `json:"has_preview"`
	Slots      int    `json:"slots"`
	UpdatedAt  int64  `json:"updated_at"`
}

// CommitResult reports a commit. Slots is the item's slot count afterwards.
type CommitResult struct {
	SavedCount int `json:"saved_count"`
	Slots      int `json:"slots"`
	Skipped    int `json:"skipped"`
}

// Store persists preview slots. Index allocation for one item is serialized
// by an in-process lock plus the SQLite transaction.
type Store struct {
	DB *sql.DB

	mu    sync.Mutex
	locks map[string]*itemLock
	now   func() time.Time
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens (or creates) the store database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", preview.ErrPersistence, err)
	}
	return &Store{DB: db, locks: make(map[string]*itemLock), now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) lock(itemID string) func() {
	s.mu.Lock()
	l, ok := s.locks[itemID]
	if !ok {
		l = &itemLock{}
		s.locks[itemID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, itemID)
		}
		s.mu.Unlock()
	}
}

// persistErr wraps err with ErrPersistence unless it already carries a
// more specific caller-facing kind.
func persistErr(op string, err error) error {
	if errors.Is(err, preview.ErrMalformedInput) || errors.Is(err, preview.ErrNotFound) {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return fmt.Errorf("store: %s: %w: %w", op, preview.ErrPersistence, err)
}

func validItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty item id", preview.ErrMalformedInput)
	}
	return nil
}

func validBlobs(blobs []Blob) error {
	for i, b := range blobs {
		if len(b.Data) == 0 {
			return fmt.Errorf("%w: blob %d is empty", preview.ErrMalformedInput, i)
		}
		if !strings.HasPrefix(b.ContentType, "image/") {
			return fmt.Errorf("%w: blob %d has content type %q", preview.ErrMalformedInput, i, b.ContentType)
		}
	}
	return nil
}

// PutItem registers an item or updates its link reference.
func (s *Store) PutItem(ctx context.Context, id, link string) error {
	if err := validItemID(id); err != nil {
		return persistErr("put item", err)
	}
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, link, has_preview, updated_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET link = excluded.link, updated_at = excluded.updated_at`,
			id, link, s.now().UnixMilli())
		return err
	})
	if err != nil {
		return persistErr("put item", err)
	}
	return nil
}

// GetItem returns the item with its slot count.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	var it Item
	var has int
	err := s.DB.QueryRowContext(ctx,
		`SELECT i.id, i.link, i.has_preview, i.updated_at,
		(SELECT COUNT(*) FROM preview_slots p WHERE p.item_id = i.id)
		FROM items i WHERE i.id = ?`, id,
	).Scan(&it.ID, &it.Link, &has, &it.UpdatedAt, &it.Slots)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: item %s: %w", id, preview.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get item", err)
	}
	it.HasPreview = has != 0
	return &it, nil
}

// Commit appends blobs at the next dense indices of the item, creating the
// item row if needed. Blobs whose bytes the item already holds are skipped.
// Either every new slot is written or none is.
func (s *Store) Commit(ctx context.Context, itemID string, blobs []Blob) (*CommitResult, error) {
	return s.commit(ctx, "commit", itemID, blobs, false)
}

// Replace clears the item's slots and commits blobs from index 0, in one
// transaction.
func (s *Store) Replace(ctx context.Context, itemID string, blobs []Blob) (*CommitResult, error) {
	return s.commit(ctx, "replace", itemID, blobs, true)
}

func (s *Store) commit(ctx context.Context, op, itemID string, blobs []Blob, replace bool) (*CommitResult, error) {
	if err := validItemID(itemID); err != nil {
		return nil, persistErr(op, err)
	}
	if err := validBlobs(blobs); err != nil {
		return nil, persistErr(op, err)
	}
	defer s.lock(itemID)()

	var res CommitResult
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		res = CommitResult{}
		now := s.now().UnixMilli()
		if err := ensureItem(ctx, tx, itemID, now); err != nil {
			return err
		}

		var stale []string
		if replace {
			hashes, err := slotHashes(ctx, tx, itemID)
			if err != nil {
				return err
			}
			for h := range hashes {
				stale = append(stale, h)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM preview_slots WHERE item_id = ?`, itemID); err != nil {
				return err
			}
		}

		held, err := slotHashes(ctx, tx, itemID)
		if err != nil {
			return err
		}
		next, err := slotCount(ctx, tx, itemID)
		if err != nil {
			return err
		}

		for _, b := range blobs {
			hash := preview.ContentHash(b.Data)
			if held[hash] {
				res.Skipped++
				continue
			}
			if err := insertSlot(ctx, tx, itemID, next, hash, b, now); err != nil {
				return err
			}
			held[hash] = true
			next++
			res.SavedCount++
		}
		res.Slots = next

		if err := gcBlobs(ctx, tx, stale); err != nil {
			return err
		}
		return setHasPreview(ctx, tx, itemID, next, now)
	})
	if err != nil {
		return nil, persistErr(op, err)
	}
	return &res, nil
}

// CommitPrimary writes b as slot 0, overwriting the current thumbnail. When
// the item already holds the same bytes at another index, that slot is
// removed so the item stays duplicate-free.
func (s *Store) CommitPrimary(ctx context.Context, itemID string, b Blob) (*CommitResult, error) {
	if err := validItemID(itemID); err != nil {
		return nil, persistErr("commit primary", err)
	}
	if err := validBlobs([]Blob{b}); err != nil {
		return nil, persistErr("commit primary", err)
	}
	defer s.lock(itemID)()

	hash := preview.ContentHash(b.Data)
	var res CommitResult
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		res = CommitResult{}
		now := s.now().UnixMilli()
		if err := ensureItem(ctx, tx, itemID, now); err != nil {
			return err
		}

		var old string
		err := tx.QueryRowContext(ctx,
			`SELECT blob_hash FROM preview_slots WHERE item_id = ? AND idx = 0`, itemID).Scan(&old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case old == hash:
			res.Skipped = 1
			n, err := slotCount(ctx, tx, itemID)
			res.Slots = n
			return err
		}

		dups, err := tx.QueryContext(ctx,
			`SELECT idx FROM preview_slots WHERE item_id = ? AND blob_hash = ? AND idx > 0 ORDER BY idx DESC`,
			itemID, hash)
		if err != nil {
			return err
		}
		var idxs []int
		for dups.Next() {
			var i int
			if err := dups.Scan(&i); err != nil {
				dups.Close()
				return err
			}
			idxs = append(idxs, i)
		}
		dups.Close()
		if err := dups.Err(); err != nil {
			return err
		}
		for _, i := range idxs {
			if err := removeSlot(ctx, tx, itemID, i); err != nil {
				return err
			}
		}

		if old != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM preview_slots WHERE item_id = ? AND idx = 0`, itemID); err != nil {
				return err
			}
		}
		if err := insertSlot(ctx, tx, itemID, 0, hash, b, now); err != nil {
			return err
		}
		if old != "" {
			if err := gcBlobs(ctx, tx, []string{old}); err != nil {
				return err
			}
		}

		n, err := slotCount(ctx, tx, itemID)
		if err != nil {
			return err
		}
		res.SavedCount, res.Slots = 1, n
		return setHasPreview(ctx, tx, itemID, n, now)
	})
	if err != nil {
		return nil, persistErr("commit primary", err)
	}
	return &res, nil
}

// DeleteSlot removes slot idx and shifts every later slot down by one, so
// indices stay dense. It returns the remaining slot count.
func (s *Store) DeleteSlot(ctx context.Context, itemID string, idx int) (int, error) {
	if err := validItemID(itemID); err != nil {
		return 0, persistErr("delete slot", err)
	}
	if idx < 0 {
		return 0, persistErr("delete slot", fmt.Errorf("%w: negative index %d", preview.ErrMalformedInput, idx))
	}
	defer s.lock(itemID)()

	var remaining int
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		var hash string
		err := tx.QueryRowContext(ctx,
			`SELECT blob_hash FROM preview_slots WHERE item_id = ? AND idx = ?`, itemID, idx).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s slot %d: %w", itemID, idx, preview.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := removeSlot(ctx, tx, itemID, idx); err != nil {
			return err
		}
		if err := gcBlobs(ctx, tx, []string{hash}); err != nil {
			return err
		}
		if remaining, err = slotCount(ctx, tx, itemID); err != nil {
			return err
		}
		return setHasPreview(ctx, tx, itemID, remaining, s.now().UnixMilli())
	})
	if err != nil {
		return 0, persistErr("delete slot", err)
	}
	return remaining, nil
}

// DeleteItem removes the item, its slots, and blobs no other item uses.
func (s *Store) DeleteItem(ctx context.Context, itemID string) error {
	if err := validItemID(itemID); err != nil {
		return persistErr("delete item", err)
	}
	defer s.lock(itemID)()

	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		hashes, err := slotHashes(ctx, tx, itemID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", itemID, preview.ErrNotFound)
		}
		stale := make([]string, 0, len(hashes))
		for h := range hashes {
			stale = append(stale, h)
		}
		return gcBlobs(ctx, tx, stale)
	})
	if err != nil {
		return persistErr("delete item", err)
	}
	return nil
}

// Slot returns slot idx of the item with its bytes.
func (s *Store) Slot(ctx context.Context, itemID string, idx int) (*Slot, []byte, error) {
	var sl Slot
	var strategy string
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT p.item_id, p.idx, p.blob_hash, p.content_type, p.size, p.source_url, p.strategy, p.created_at, b.data
		FROM preview_slots p JOIN preview_blobs b ON b.hash = p.blob_hash
		WHERE p.item_id = ? AND p.idx = ?`, itemID, idx,
	).Scan(&sl.ItemID, &sl.Index, &sl.Hash, &sl.ContentType, &sl.Size, &sl.SourceURL, &strategy, &sl.CreatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("store: item %s slot %d: %w", itemID, idx, preview.ErrNotFound)
	}
	if err != nil {
		return nil, nil, persistErr("slot", err)
	}
	sl.Strategy = preview.Method(strategy)
	return &sl, data, nil
}

// Slots lists the item's slots in index order, without bytes.
func (s *Store) Slots(ctx context.Context, itemID string) ([]Slot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT item_id, idx, blob_hash, content_type, size, source_url, strategy, created_at
		FROM preview_slots WHERE item_id = ? ORDER BY idx`, itemID)
	if err != nil {
		return nil, persistErr("slots", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var sl Slot
		var strategy string
		if err := rows.Scan(&sl.ItemID, &sl.Index, &sl.Hash, &sl.ContentType, &sl.Size,
			&sl.SourceURL, &strategy, &sl.CreatedAt); err != nil {
			return nil, persistErr("slots", err)
		}
		sl.Strategy = preview.Method(strategy)
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("slots", err)
	}
	return out, nil
}

func ensureItem(ctx context.Context, tx *sql.Tx, itemID string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, link, has_preview, updated_at) VALUES (?, '', 0, ?)
		ON CONFLICT(id) DO NOTHING`, itemID, now)
	return err
}

func slotHashes(ctx context.Context, tx *sql.Tx, itemID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT blob_hash FROM preview_slots WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func slotCount(ctx context.Context, tx *sql.Tx, itemID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM preview_slots WHERE item_id = ?`, itemID).Scan(&n)
	return n, err
}

func insertSlot(ctx context.Context, tx *sql.Tx, itemID string, idx int, hash string, b Blob, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO preview_blobs (hash, data, size, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`, hash, b.Data, len(b.Data), now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO preview_slots (item_id, idx, blob_hash, content_type, size, source_url, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		itemID, idx, hash, b.ContentType, len(b.Data), b.SourceURL, string(b.Strategy), now)
	return err
}

// removeSlot deletes slot idx and closes the gap. The shift goes through
// negative indices so no intermediate state collides on the primary key.
func removeSlot(ctx context.Context, tx *sql.Tx, itemID string, idx int) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM preview_slots WHERE item_id = ? AND idx = ?`, itemID, idx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE preview_slots SET idx = -idx WHERE item_id = ? AND idx > ?`, itemID, idx); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE preview_slots SET idx = -idx - 1 WHERE item_id = ? AND idx < 0`, itemID)
	return err
}

// gcBlobs drops the given blobs when no slot references them any more.
func gcBlobs(ctx context.Context, tx *sql.Tx, hashes []string) error {
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM preview_blobs WHERE hash = ?
			AND NOT EXISTS (SELECT 1 FROM preview_slots WHERE blob_hash = ?)`, h, h); err != nil {
			return err
		}
	}
	return nil
}

func setHasPreview(ctx context.Context, tx *sql.Tx, itemID string, slots int, now int64) error {
	has := 0
	if slots > 0 {
		has = 1
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE items SET has_preview = ?, updated_at = ? WHERE id = ?`, has, now, itemID)
	return err
}
