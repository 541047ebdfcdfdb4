package include

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS includes (
	document    TEXT NOT NULL,
	name        TEXT NOT NULL,
	id          TEXT NOT NULL,
	data        BLOB NOT NULL,
	source_path TEXT,
	digest      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (document, name)
)`

// SQLite stores documents in one table of a SQLite database, one row per
// include
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens or creates the database at path
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.WrapWithField(err, "path", path, "failed to open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, pkgerrors.WrapWithField(err, "pragma", pragma, "failed to set pragma")
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create table")
	}

	return &SQLite{db: db, path: path}, nil
}

// Save replaces every row of the document in one transaction
func (s *SQLite) Save(ctx context.Context, doc *Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM includes WHERE document = ?`, doc.Name); err != nil {
		return pkgerrors.Wrap(err, "failed to clear document")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO includes (document, name, id, data, source_path, digest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, inc := range doc.Includes {
		if _, err := stmt.ExecContext(ctx,
			doc.Name, inc.Name, inc.ID, inc.Data, inc.SourcePath, inc.Digest,
			inc.CreatedAt.UnixNano(), inc.UpdatedAt.UnixNano(),
		); err != nil {
			return pkgerrors.WrapWithField(err, "include", inc.Name, "failed to insert include")
		}
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "failed to commit document")
	}
	return nil
}

// Load reads every row of the document. A document without rows is not found.
func (s *SQLite) Load(ctx context.Context, name string) (*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, id, data, source_path, digest, created_at, updated_at
		FROM includes WHERE document = ? ORDER BY name`, name)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query document")
	}
	defer rows.Close()

	doc := &Document{Name: name}
	for rows.Next() {
		var (
			inc              PatchInclude
			sourcePath       sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&inc.Name, &inc.ID, &inc.Data, &sourcePath, &inc.Digest, &created, &updated); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan include")
		}
		if inc.Data == nil {
			inc.Data = []byte{}
		}
		inc.SourcePath = sourcePath.String
		inc.CreatedAt = time.Unix(0, created)
		inc.UpdatedAt = time.Unix(0, updated)
		doc.Includes = append(doc.Includes, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read document")
	}

	if len(doc.Includes) == 0 {
		return nil, pkgerrors.NotFound(name)
	}
	return doc, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
