// Package sqldb implements a backend.Backend over a "database/sql" database,
// for SQLite (sqlite:///path/to/file.db) and PostgreSQL (postgres://...)
// deployments. Snapshot bodies are rows of a "snapshots" table, and the
// pointer and backups are rows of a "snapshot_meta" table, having a schema
// like:
//
//	CREATE TABLE snapshots (
//	  id         TEXT    PRIMARY KEY NOT NULL,
//	  status     TEXT    NOT NULL,
//	  body       BLOB    NOT NULL,
//	  updated_at BIGINT  NOT NULL
//	);
//	CREATE TABLE snapshot_meta (
//	  name       TEXT    PRIMARY KEY NOT NULL,
//	  body       BLOB    NOT NULL,
//	  updated_at BIGINT  NOT NULL
//	);
//
// Tables are created by EnsureSchema if they don't exist. Each write is a
// single SQL transaction.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

// Dialect captures the differences between supported databases.
type Dialect struct {
	// Name of the dialect, which is also the Backend Provider.
	Name string
	// BlobType is the column type of document bodies.
	BlobType string
}

var (
	// SQLite is the Dialect of github.com/mattn/go-sqlite3.
	SQLite = Dialect{Name: "sqlite", BlobType: "BLOB"}
	// Postgres is the Dialect of github.com/lib/pq.
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA"}
)

const pointerName = "current"

// Backend is a backend.Backend of SQL rows.
type Backend struct {
	DB      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New returns a Backend using the *DB of Dialect |d|.
func New(db *sql.DB, d Dialect) *Backend {
	return &Backend{DB: db, dialect: d, now: time.Now}
}

// Open the database of URL |ep| and ensure its schema. sqlite:// URLs name a
// database file by their path. postgres:// URLs are passed to lib/pq.
func Open(ctx context.Context, ep *url.URL) (backend.Backend, error) {
	var driverName, dsn string
	var dialect Dialect

	switch ep.Scheme {
	case "sqlite":
		if ep.Path == "" {
			return nil, &backend.ConfigurationError{
				Backend: "sqlite",
				Message: fmt.Sprintf("sqlite:// URL must include a database path (%s)", ep),
			}
		}
		var q = ep.Query()
		if q.Get("_journal_mode") == "" {
			q.Set("_journal_mode", "WAL")
		}
		if q.Get("_busy_timeout") == "" {
			q.Set("_busy_timeout", "5000")
		}
		driverName, dialect = "sqlite3", SQLite
		dsn = "file:" + ep.Path + "?" + q.Encode()
	case "postgres", "postgresql":
		driverName, dialect, dsn = "postgres", Postgres, ep.String()
	default:
		return nil, &backend.ConfigurationError{
			Backend: ep.Scheme,
			Message: fmt.Sprintf("unsupported SQL URL scheme %q", ep.Scheme),
		}
	}

	var db, err = sql.Open(driverName, dsn)
	if err != nil {
		return nil, &backend.ConfigurationError{Backend: dialect.Name, Message: "opening database", Err: err}
	}
	if dialect == SQLite {
		// SQLite serializes writers. A single connection avoids SQLITE_BUSY
		// between writers of this process.
		db.SetMaxOpenConns(1)
	}

	var b = New(db, dialect)
	if err = b.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the Backend's tables, if they don't exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snapshots (
			id         TEXT PRIMARY KEY NOT NULL,
			status     TEXT NOT NULL,
			body       %s NOT NULL,
			updated_at BIGINT NOT NULL
		);`, b.dialect.BlobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snapshot_meta (
			name       TEXT PRIMARY KEY NOT NULL,
			body       %s NOT NULL,
			updated_at BIGINT NOT NULL
		);`, b.dialect.BlobType),
	} {
		if _, err := b.DB.ExecContext(ctx, stmt); err != nil {
			return b.mapErr("ensure_schema", pkgerrors.WithMessage(err, "creating table"))
		}
	}
	return nil
}

func (b *Backend) Provider() string { return b.dialect.Name }

// WriteSnapshot upserts the body of snapshot |id|. Its status is extracted
// into a column for LatestSuccessfulID, or is empty if |body| can't be decoded.
func (b *Backend) WriteSnapshot(ctx context.Context, id string, body []byte) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	var status string
	if snap, err := pb.DecodeSnapshot(body); err == nil {
		status = string(snap.Status)
	}

	return b.transact(ctx, "write_snapshot", func(txn *sql.Tx) error {
		var _, err = txn.ExecContext(ctx, "INSERT INTO snapshots (id, status, body, updated_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET "+
			"status = excluded.status, body = excluded.body, updated_at = excluded.updated_at;",
			id, status, body, b.now().UnixNano())
		return err
	})
}

func (b *Backend) ReadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return nil, err
	}
	var body []byte
	var err = b.DB.QueryRowContext(ctx, "SELECT body FROM snapshots WHERE id = $1;", id).Scan(&body)
	if err != nil {
		return nil, b.mapErr("read_snapshot", err)
	}
	return body, nil
}

func (b *Backend) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	var rows, err = b.DB.QueryContext(ctx, "SELECT id FROM snapshots;")
	if err != nil {
		return nil, b.mapErr("list_snapshots", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, b.mapErr("list_snapshots", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, b.mapErr("list_snapshots", err)
	}
	return ids, nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, id string) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	return b.transact(ctx, "delete_snapshot", func(txn *sql.Tx) error {
		return deleteOne(ctx, txn, "DELETE FROM snapshots WHERE id = $1;", id)
	})
}

// LatestSuccessfulID returns the greatest ID having status "success".
func (b *Backend) LatestSuccessfulID(ctx context.Context) (string, error) {
	var id string
	var err = b.DB.QueryRowContext(ctx,
		"SELECT id FROM snapshots WHERE status = $1 ORDER BY id DESC LIMIT 1;",
		string(pb.StatusSuccess)).Scan(&id)

	if err != nil {
		return "", b.mapErr("latest_successful", err)
	}
	return id, nil
}

func (b *Backend) WritePointer(ctx context.Context, body []byte) error {
	return b.putMeta(ctx, "write_pointer", pointerName, body)
}

func (b *Backend) ReadPointer(ctx context.Context) ([]byte, error) {
	var body []byte
	var err = b.DB.QueryRowContext(ctx, "SELECT body FROM snapshot_meta WHERE name = $1;", pointerName).Scan(&body)
	if err != nil {
		return nil, b.mapErr("read_pointer", err)
	}
	return body, nil
}

func (b *Backend) DeletePointer(ctx context.Context) error {
	return b.transact(ctx, "delete_pointer", func(txn *sql.Tx) error {
		return deleteOne(ctx, txn, "DELETE FROM snapshot_meta WHERE name = $1;", pointerName)
	})
}

// PointerFingerprint returns the update time and size of the pointer row,
// or "absent" if there is none.
func (b *Backend) PointerFingerprint(ctx context.Context) (string, error) {
	var updatedAt, size int64
	var err = b.DB.QueryRowContext(ctx,
		"SELECT updated_at, length(body) FROM snapshot_meta WHERE name = $1;",
		pointerName).Scan(&updatedAt, &size)

	if errors.Is(err, sql.ErrNoRows) {
		return "absent", nil
	} else if err != nil {
		return "", b.mapErr("pointer_fingerprint", err)
	}
	return fmt.Sprintf("%d:%d", updatedAt, size), nil
}

func (b *Backend) WriteBackup(ctx context.Context, name string, body []byte) error {
	if err := pb.ValidateToken(name, 1, 256); err != nil {
		return err
	}
	return b.putMeta(ctx, "write_backup", "backup:"+name, body)
}

// CheckReady pings the database, and inserts and removes a probe row
// within a transaction.
func (b *Backend) CheckReady(ctx context.Context) error {
	if err := b.DB.PingContext(ctx); err != nil {
		return b.mapErr("ping", err)
	}
	var probe = "ready:" + uuid.NewString()

	return b.transact(ctx, "check_ready", func(txn *sql.Tx) error {
		if _, err := txn.ExecContext(ctx, "INSERT INTO snapshot_meta (name, body, updated_at) "+
			"VALUES ($1, $2, $3);", probe, []byte("ready"), b.now().UnixNano()); err != nil {
			return err
		}
		return deleteOne(ctx, txn, "DELETE FROM snapshot_meta WHERE name = $1;", probe)
	})
}

// Close the Backend's *DB.
func (b *Backend) Close() error { return b.DB.Close() }

func (b *Backend) putMeta(ctx context.Context, op, name string, body []byte) error {
	return b.transact(ctx, op, func(txn *sql.Tx) error {
		var _, err = txn.ExecContext(ctx, "INSERT INTO snapshot_meta (name, body, updated_at) "+
			"VALUES ($1, $2, $3) ON CONFLICT (name) DO UPDATE SET "+
			"body = excluded.body, updated_at = excluded.updated_at;",
			name, body, b.now().UnixNano())
		return err
	})
}

// transact runs |fn| within a transaction which is committed if |fn|
// succeeds, and is otherwise rolled back.
func (b *Backend) transact(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	var txn, err = b.DB.BeginTx(ctx, nil)
	if err != nil {
		return b.mapErr(op, pkgerrors.WithMessage(err, "beginning transaction"))
	}
	if err = fn(txn); err != nil {
		_ = txn.Rollback()
		return b.mapErr(op, err)
	}
	if err = txn.Commit(); err != nil {
		return b.mapErr(op, pkgerrors.WithMessage(err, "committing transaction"))
	}
	return nil
}

func deleteOne(ctx context.Context, txn *sql.Tx, query string, arg string) error {
	var res, err = txn.ExecContext(ctx, query, arg)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// mapErr maps driver errors into the backend error taxonomy.
func (b *Backend) mapErr(op string, err error) error {
	var liteErr sqlite3.Error
	var pqErr *pq.Error

	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, backend.ErrNotFound):
		return backend.ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded):
		return &backend.UnavailableError{Backend: b.dialect.Name, Op: op, Err: err}
	case errors.As(err, &liteErr):
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return &backend.UnavailableError{Backend: b.dialect.Name, Op: op, Err: err}
		case sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrAuth, sqlite3.ErrNotADB:
			return &backend.ConfigurationError{Backend: b.dialect.Name, Message: "database is unusable", Err: err}
		}
	case errors.As(err, &pqErr):
		switch class := string(pqErr.Code.Class()); {
		case class == "08", class == "53", class == "57":
			// Connection exceptions, insufficient resources, and operator intervention.
			return &backend.UnavailableError{Backend: b.dialect.Name, Op: op, Err: err}
		case class == "28", class == "42", strings.HasPrefix(string(pqErr.Code), "3D"):
			// Authorization, syntax or access rules, and invalid catalog.
			return &backend.ConfigurationError{Backend: b.dialect.Name, Message: "database is unusable", Err: err}
		}
	}
	return pkgerrors.WithMessagef(err, "%s %s", b.dialect.Name, op)
}

var (
	_ backend.Backend       = (*Backend)(nil)
	_ backend.Fingerprinter = (*Backend)(nil)
	_ backend.LatestFinder  = (*Backend)(nil)
)
