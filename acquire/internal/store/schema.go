package store

// Schema holds items, content-addressed blobs and the dense slot index.
const Schema = `
-- Item state owned by the pipeline: link reference and derived flag.
CREATE TABLE IF NOT EXISTS items (
    id          TEXT PRIMARY KEY,
    link        TEXT NOT NULL DEFAULT '',
    has_preview INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL
);

-- Image bytes keyed by BLAKE2b-256 hex.
CREATE TABLE IF NOT EXISTS preview_blobs (
    hash       TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    size       INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

-- Dense, zero-based slot index per item. idx 0 is the thumbnail.
CREATE TABLE IF NOT EXISTS preview_slots (
    item_id      TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    idx          INTEGER NOT NULL,
    blob_hash    TEXT NOT NULL REFERENCES preview_blobs(hash),
    content_type TEXT NOT NULL,
    size         INTEGER NOT NULL,
    source_url   TEXT NOT NULL DEFAULT '',
    strategy     TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (item_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_preview_slots_blob ON preview_slots(blob_hash);
`
