// Package metadata stores the replica state dsync keeps between runs:
// which mailbox GUIDs pair with which peer, and how far each pair's last
// sync got.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenilsonani/mailstore/internal/guid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite replica-state database.
type DB struct {
	*sql.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate runs all pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	currentVersion, err := db.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func (db *DB) getSchemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	return version, err
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(entry.Name(), ".sql"), "_", 2)
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("bad migration filename %s: %w", entry.Name(), err)
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{
			version: version,
			name:    entry.Name(),
			sql:     string(data),
		})
	}
	return migrations, nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// PairState is the remembered sync position of one (peer, mailbox) pair.
type PairState struct {
	Peer                string
	MailboxGUID         guid.GUID
	MailboxName         string
	UIDValidity         uint32
	LastCommonUID       uint32
	LastCommonModseq    uint64
	LastCommonPvtModseq uint64
	LastSyncAt          time.Time
}

// GetPairState loads the state for a peer/mailbox pair, returning a zero
// state when the pair has never synced.
func (db *DB) GetPairState(ctx context.Context, peer string, mailboxGUID guid.GUID) (*PairState, error) {
	st := &PairState{Peer: peer, MailboxGUID: mailboxGUID}
	var g string
	err := db.QueryRowContext(ctx,
		`SELECT mailbox_guid, mailbox_name, uid_validity, last_common_uid,
		        last_common_modseq, last_common_pvt_modseq, last_sync_at
		 FROM pair_state WHERE peer = ? AND mailbox_guid = ?`,
		peer, mailboxGUID.String(),
	).Scan(&g, &st.MailboxName, &st.UIDValidity, &st.LastCommonUID,
		&st.LastCommonModseq, &st.LastCommonPvtModseq, &st.LastSyncAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return st, nil
		}
		return nil, err
	}
	return st, nil
}

// PutPairState upserts a pair's state after a completed sync.
func (db *DB) PutPairState(ctx context.Context, st *PairState) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO pair_state
		   (peer, mailbox_guid, mailbox_name, uid_validity, last_common_uid,
		    last_common_modseq, last_common_pvt_modseq, last_sync_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer, mailbox_guid) DO UPDATE SET
		   mailbox_name = excluded.mailbox_name,
		   uid_validity = excluded.uid_validity,
		   last_common_uid = excluded.last_common_uid,
		   last_common_modseq = excluded.last_common_modseq,
		   last_common_pvt_modseq = excluded.last_common_pvt_modseq,
		   last_sync_at = excluded.last_sync_at`,
		st.Peer, st.MailboxGUID.String(), st.MailboxName, st.UIDValidity,
		st.LastCommonUID, st.LastCommonModseq, st.LastCommonPvtModseq,
		time.Now(),
	)
	return err
}

// ListPairStates returns every mailbox state known for a peer.
func (db *DB) ListPairStates(ctx context.Context, peer string) ([]*PairState, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT mailbox_guid, mailbox_name, uid_validity, last_common_uid,
		        last_common_modseq, last_common_pvt_modseq, last_sync_at
		 FROM pair_state WHERE peer = ? ORDER BY mailbox_name`,
		peer,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PairState
	for rows.Next() {
		st := &PairState{Peer: peer}
		var g string
		if err := rows.Scan(&g, &st.MailboxName, &st.UIDValidity, &st.LastCommonUID,
			&st.LastCommonModseq, &st.LastCommonPvtModseq, &st.LastSyncAt); err != nil {
			return nil, err
		}
		if parsed, err := guid.Parse(g); err == nil {
			st.MailboxGUID = parsed
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeletePairState forgets a pair, forcing the next sync to start over.
func (db *DB) DeletePairState(ctx context.Context, peer string, mailboxGUID guid.GUID) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM pair_state WHERE peer = ? AND mailbox_guid = ?",
		peer, mailboxGUID.String(),
	)
	return err
}
