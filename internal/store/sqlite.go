package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteStore is the sole Store implementation shipped here, backed by the
// pure-Go modernc.org/sqlite driver (no cgo, matching the teacher's
// preference for a statically linkable binary).
type sqliteStore struct {
	db   *sql.DB
	txn  *TxnGuard
	path string
}

// Open parses dsn as a URL and dispatches to a registered backend by
// scheme. Only "sqlite", "file" and no scheme (a bare path) are
// recognized; any other scheme
// returns ErrUnsupportedScheme so a future backend can be added purely by
// extending this switch (spec.md §4.5).
func Open(ctx context.Context, dsn string, limits Limits, logger *slog.Logger) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn %q: %w", dsn, err)
	}

	switch u.Scheme {
	case "sqlite", "file", "":
		return openSQLite(ctx, sqlitePath(u, dsn), limits, logger)
	default:
		return nil, fmt.Errorf("store: scheme %q: %w", u.Scheme, ErrUnsupportedScheme)
	}
}

func sqlitePath(u *url.URL, dsn string) string {
	if u.Scheme == "" {
		return dsn
	}

	if u.Opaque != "" {
		return u.Opaque
	}

	return u.Path
}

func openSQLite(ctx context.Context, path string, limits Limits, logger *slog.Logger) (Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(1000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{
		db:   db,
		txn:  NewTxnGuard(db, limits, logger),
		path: path,
	}, nil
}

func (s *sqliteStore) Close() error {
	if err := s.txn.Close(); err != nil {
		return err
	}

	return s.db.Close()
}

func (s *sqliteStore) GetFile(ctx context.Context, filename string) (*FileRecord, error) {
	var rec FileRecord

	err := s.txn.View(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT filename, checktext FROM file WHERE filename = ?`, filename)
		return row.Scan(&rec.Filename, &rec.CheckText)
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get file %q: %w", filename, err)
	}

	return &rec, nil
}

func (s *sqliteStore) UpsertFile(ctx context.Context, rec FileRecord) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file (filename, checktext) VALUES (?, ?)
			ON CONFLICT (filename) DO UPDATE SET checktext = excluded.checktext`,
			rec.Filename, rec.CheckText)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert file %q: %w", rec.Filename, err)
	}

	return nil
}

func (s *sqliteStore) DeleteFile(ctx context.Context, filename string) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM file WHERE filename = ?`, filename)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete file %q: %w", filename, err)
	}

	return nil
}

func (s *sqliteStore) ListFilesUnder(ctx context.Context, prefix string, recursive bool) ([]FileRecord, error) {
	pattern := prefix
	if recursive {
		pattern = strings.TrimSuffix(prefix, "/") + "/%"
	}

	var out []FileRecord

	err := s.txn.View(ctx, func(db *sql.DB) error {
		var rows *sql.Rows
		var err error

		if recursive {
			rows, err = db.QueryContext(ctx,
				`SELECT filename, checktext FROM file WHERE filename = ? OR filename LIKE ? ESCAPE '\' ORDER BY filename`,
				prefix, pattern)
		} else {
			rows, err = db.QueryContext(ctx,
				`SELECT filename, checktext FROM file WHERE filename = ? ORDER BY filename`, prefix)
		}

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec FileRecord
			if err := rows.Scan(&rec.Filename, &rec.CheckText); err != nil {
				return err
			}

			out = append(out, rec)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list files under %q: %w", prefix, err)
	}

	return out, nil
}

func (s *sqliteStore) MarkDirty(ctx context.Context, filename, myName, peerName string, force, upsert bool) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		if upsert {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO dirty (filename, peername, myname, force) VALUES (?, ?, ?, ?)
				ON CONFLICT (filename, peername) DO UPDATE SET force = excluded.force OR dirty.force`,
				filename, peerName, myName, force)
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dirty (filename, peername, myname, force) VALUES (?, ?, ?, ?)`,
			filename, peerName, myName, force)

		return err
	})
	if err != nil {
		return fmt.Errorf("store: mark dirty %q for %q: %w", filename, peerName, err)
	}

	return nil
}

func (s *sqliteStore) ListDirtyForPeer(ctx context.Context, peerName string) ([]DirtyRecord, error) {
	return s.queryDirty(ctx, `SELECT filename, peername, myname, force FROM dirty WHERE peername = ? ORDER BY filename`, peerName)
}

func (s *sqliteStore) ListAllDirty(ctx context.Context) ([]DirtyRecord, error) {
	return s.queryDirty(ctx, `SELECT filename, peername, myname, force FROM dirty ORDER BY filename, peername`)
}

func (s *sqliteStore) queryDirty(ctx context.Context, query string, args ...any) ([]DirtyRecord, error) {
	var out []DirtyRecord

	err := s.txn.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec DirtyRecord
			if err := rows.Scan(&rec.Filename, &rec.PeerName, &rec.MyName, &rec.Force); err != nil {
				return err
			}

			out = append(out, rec)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list dirty: %w", err)
	}

	return out, nil
}

func (s *sqliteStore) ListDirtyPeers(ctx context.Context) ([]string, error) {
	var out []string

	err := s.txn.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT peername FROM dirty ORDER BY peername`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var peer string
			if err := rows.Scan(&peer); err != nil {
				return err
			}

			out = append(out, peer)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list dirty peers: %w", err)
	}

	return out, nil
}

func (s *sqliteStore) DeleteDirty(ctx context.Context, filename, peerName string) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM dirty WHERE filename = ? AND peername = ?`, filename, peerName)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete dirty %q/%q: %w", filename, peerName, err)
	}

	return nil
}

func (s *sqliteStore) SetForce(ctx context.Context, filename string) (int64, error) {
	var n int64

	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE dirty SET force = 1 WHERE filename = ?`, filename)
		if err != nil {
			return err
		}

		n, err = res.RowsAffected()

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: set force %q: %w", filename, err)
	}

	return n, nil
}

func (s *sqliteStore) IsDirty(ctx context.Context, filename, peerName string) (bool, error) {
	var exists bool

	err := s.txn.View(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM dirty WHERE filename = ? AND peername = ?)`, filename, peerName)
		return row.Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("store: is dirty %q/%q: %w", filename, peerName, err)
	}

	return exists, nil
}

func (s *sqliteStore) AddHint(ctx context.Context, filename string, recursive bool) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO hint (filename, recursive) VALUES (?, ?)`, filename, recursive)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: add hint %q: %w", filename, err)
	}

	return nil
}

func (s *sqliteStore) ListHints(ctx context.Context) ([]HintRecord, error) {
	var out []HintRecord

	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, filename, recursive FROM hint ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h HintRecord
			if err := rows.Scan(&h.ID, &h.Filename, &h.Recursive); err != nil {
				return err
			}

			out = append(out, h)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list hints: %w", err)
	}

	return out, nil
}

func (s *sqliteStore) DrainHints(ctx context.Context) ([]HintRecord, error) {
	var out []HintRecord

	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, filename, recursive FROM hint ORDER BY id`)
		if err != nil {
			return err
		}

		for rows.Next() {
			var h HintRecord
			if err := rows.Scan(&h.ID, &h.Filename, &h.Recursive); err != nil {
				rows.Close()
				return err
			}

			out = append(out, h)
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}

		rows.Close()

		_, err = tx.ExecContext(ctx, `DELETE FROM hint`)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: drain hints: %w", err)
	}

	return out, nil
}

func (s *sqliteStore) ScheduleAction(ctx context.Context, filename, command, logfile string) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO action (filename, command, logfile) VALUES (?, ?, ?)`,
			filename, command, logfile)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: schedule action for %q: %w", filename, err)
	}

	return nil
}

func (s *sqliteStore) ListActionBatches(ctx context.Context) ([]ActionBatch, error) {
	var out []ActionBatch

	err := s.txn.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT command, logfile, filename FROM action ORDER BY command, logfile, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		batches := make(map[[2]string]*ActionBatch)

		for rows.Next() {
			var command, logfile, filename string
			if err := rows.Scan(&command, &logfile, &filename); err != nil {
				return err
			}

			key := [2]string{command, logfile}

			b, ok := batches[key]
			if !ok {
				b = &ActionBatch{Command: command, Logfile: logfile}
				batches[key] = b
				out = append(out, b)
			}

			b.Filenames = append(b.Filenames, filename)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list action batches: %w", err)
	}

	result := make([]ActionBatch, len(out))
	for i, b := range out {
		result[i] = *b
	}

	return result, nil
}

func (s *sqliteStore) DeleteActionBatch(ctx context.Context, command, logfile string) error {
	err := s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM action WHERE command = ? AND logfile = ?`, command, logfile)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete action batch (%q, %q): %w", command, logfile, err)
	}

	return nil
}

func (s *sqliteStore) GetPinnedCert(ctx context.Context, peerName string) ([]byte, error) {
	var data []byte

	err := s.txn.View(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT certdata FROM x509_cert WHERE peername = ?`, peerName)
		return row.Scan(&data)
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get pinned cert for %q: %w", peerName, err)
	}

	return data, nil
}

// PinCert records cert as the trusted certificate for peerName on first
// contact. A later call with a different cert is rejected with
// ErrCertMismatch rather than silently re-pinning, so a swapped
// certificate surfaces as an error instead of a silent trust change
// (spec.md §4.7's trust-on-first-use model).
func (s *sqliteStore) PinCert(ctx context.Context, peerName string, cert []byte) error {
	existing, err := s.GetPinnedCert(ctx, peerName)
	if err != nil {
		return err
	}

	if existing != nil {
		if !bytes.Equal(existing, cert) {
			return fmt.Errorf("store: pin cert for %q: %w", peerName, ErrCertMismatch)
		}

		return nil
	}

	err = s.txn.Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO x509_cert (peername, certdata) VALUES (?, ?)`, peerName, cert)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: pin cert for %q: %w", peerName, err)
	}

	return nil
}
