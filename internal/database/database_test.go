package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ftpbroker/internal/config"
)

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "broker.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	row := ConnectionAuditLog{
		EventID:      "4b7c0f0e-1c1a-4d8e-9a55-0c2b8e0f7a11",
		ConnectionID: "alice_1700000000000_0123456789abcdef",
		OwnerID:      "alice",
		EventType:    "created",
		Details:      "ftp ftp.example.com:21",
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var loaded ConnectionAuditLog
	if err := db.First(&loaded, row.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.OwnerID != "alice" || loaded.EventType != "created" {
		t.Errorf("unexpected row: %+v", loaded)
	}
	if time.Since(loaded.CreatedAt) > time.Minute {
		t.Errorf("expected CreatedAt to be set, got %v", loaded.CreatedAt)
	}
}

func TestEventIDIsUnique(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	row := ConnectionAuditLog{EventID: "dup", EventType: "closed"}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := ConnectionAuditLog{EventID: "dup", EventType: "closed"}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestInitAndClose(t *testing.T) {
	orig := config.Cfg
	t.Cleanup(func() { config.Cfg = orig; DB = nil })

	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "broker.db")
	if err := Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if DB == nil {
		t.Fatal("expected DB to be set")
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
