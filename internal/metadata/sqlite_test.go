package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/mailstore/internal/guid"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPairStateRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	g := guid.New()

	// Unknown pair: zero state, no error.
	st, err := db.GetPairState(ctx, "backup-host", g)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.LastCommonUID != 0 {
		t.Errorf("fresh pair has last_common_uid %d", st.LastCommonUID)
	}

	st.MailboxName = "INBOX"
	st.UIDValidity = 12345
	st.LastCommonUID = 42
	st.LastCommonModseq = 99
	if err := db.PutPairState(ctx, st); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := db.GetPairState(ctx, "backup-host", g)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastCommonUID != 42 || got.LastCommonModseq != 99 || got.MailboxName != "INBOX" {
		t.Errorf("state lost: %+v", got)
	}

	// Upsert advances in place.
	st.LastCommonUID = 50
	if err := db.PutPairState(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = db.GetPairState(ctx, "backup-host", g)
	if got.LastCommonUID != 50 {
		t.Errorf("upsert did not advance: %d", got.LastCommonUID)
	}

	states, err := db.ListPairStates(ctx, "backup-host")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 1 || states[0].MailboxGUID != g {
		t.Errorf("list = %+v", states)
	}

	if err := db.DeletePairState(ctx, "backup-host", g); err != nil {
		t.Fatalf("delete: %v", err)
	}
	states, _ = db.ListPairStates(ctx, "backup-host")
	if len(states) != 0 {
		t.Error("pair survived delete")
	}
}
