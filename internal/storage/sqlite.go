package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS blobs (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    mime_type TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    closed INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
    identity TEXT PRIMARY KEY,
    sealed BLOB NOT NULL,
    salt BLOB NOT NULL,
    nonce BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blobs_open ON blobs(closed, created_at);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Blob ledger ---

// RecordBlob inserts or replaces a blob record. Ids are unique per write so a
// replace only happens when a blob's size is filled in after its write.
func (d *DB) RecordBlob(b *BlobRecord) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO blobs (id, path, mime_type, size, closed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Path, b.MimeType, b.Size, boolToInt(b.Closed), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record blob: %w", err)
	}
	return nil
}

// GetBlob retrieves a blob record by ID.
func (d *DB) GetBlob(id string) (*BlobRecord, error) {
	b := &BlobRecord{}
	var closed int
	err := d.db.QueryRow(
		`SELECT id, path, mime_type, size, closed, created_at FROM blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.Path, &b.MimeType, &b.Size, &closed, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	b.Closed = closed != 0
	return b, nil
}

// MarkBlobClosed flags a blob whose backing file was deleted by its owner.
func (d *DB) MarkBlobClosed(id string) error {
	res, err := d.db.Exec(`UPDATE blobs SET closed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close blob rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("close blob: %w", sql.ErrNoRows)
	}
	return nil
}

// ListOpenBlobsBefore returns blobs still open that were created before the
// given unix time.
func (d *DB) ListOpenBlobsBefore(before int64) ([]BlobRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, path, mime_type, size, created_at FROM blobs
		 WHERE closed = 0 AND created_at < ? ORDER BY created_at`, before,
	)
	if err != nil {
		return nil, fmt.Errorf("list open blobs: %w", err)
	}
	defer rows.Close()

	var blobs []BlobRecord
	for rows.Next() {
		var b BlobRecord
		if err := rows.Scan(&b.ID, &b.Path, &b.MimeType, &b.Size, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// PurgeClosedBlobs deletes closed records created before the given unix time
// and returns how many were removed.
func (d *DB) PurgeClosedBlobs(before int64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM blobs WHERE closed = 1 AND created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge blobs: %w", err)
	}
	return res.RowsAffected()
}

// --- Credentials ---

// SaveCredential inserts or replaces the sealed credential for an identity.
func (d *DB) SaveCredential(c *Credential) error {
	_, err := d.db.Exec(
		`INSERT INTO credentials (identity, sealed, salt, nonce, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   sealed = excluded.sealed, salt = excluded.salt,
		   nonce = excluded.nonce, updated_at = excluded.updated_at`,
		c.Identity, c.Sealed, c.Salt, c.Nonce, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the sealed credential for an identity.
func (d *DB) GetCredential(identity string) (*Credential, error) {
	c := &Credential{}
	err := d.db.QueryRow(
		`SELECT identity, sealed, salt, nonce, created_at, updated_at
		 FROM credentials WHERE identity = ?`, identity,
	).Scan(&c.Identity, &c.Sealed, &c.Salt, &c.Nonce, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListIdentities returns every identity with a stored credential.
func (d *DB) ListIdentities() ([]string, error) {
	rows, err := d.db.Query(`SELECT identity FROM credentials ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCredential removes an identity's credential.
func (d *DB) DeleteCredential(identity string) error {
	res, err := d.db.Exec(`DELETE FROM credentials WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete credential: %w", sql.ErrNoRows)
	}
	return nil
}
