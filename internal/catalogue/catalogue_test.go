package catalogue

import (
	"path/filepath"
	"testing"
)

func TestOpenAndRecordTransition(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "catalogue.db")
	c, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if err := c.RecordTransition("m1", "pending", ""); err != nil {
		t.Fatalf("record pending: %v", err)
	}
	if err := c.RecordTransition("m1", "failed", "launch exploded"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM mission_events WHERE mission_id = ?", "m1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events, got %d", count)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "catalogue.db")
	c1, err := Open(dsn)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	c1.Close()

	c2, err := Open(dsn)
	if err != nil {
		t.Fatalf("open 2 (re-migrate): %v", err)
	}
	defer c2.Close()
}
