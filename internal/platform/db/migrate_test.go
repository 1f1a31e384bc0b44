package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_users.sql":    {Data: []byte("CREATE TABLE users (id UUID PRIMARY KEY);")},
		"002_sessions.sql": {Data: []byte("CREATE TABLE sessions (id UUID PRIMARY KEY);")},
		"003_mfa.sql":      {Data: []byte("CREATE TABLE mfa_codes (id UUID PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_users.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE users (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	src := fstest.MapFS{
		"README.md":        {Data: []byte("docs")},
		"embed.go":         {Data: []byte("package migrations")},
		"seed.sql":         {Data: []byte("SELECT 1;")},
		"abc_bad.sql":      {Data: []byte("SELECT 1;")},
		"010_late.sql":     {Data: []byte("SELECT 10;")},
		"002_early.sql":    {Data: []byte("SELECT 2;")},
		"sub/004_deep.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 2 || migrations[1].Version != 10 {
		t.Errorf("expected versions [2 10], got [%d %d]", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_users.sql"},
		{Version: 2, Name: "002_sessions.sql"},
		{Version: 3, Name: "003_mfa.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migrations, applied)
	if len(pending) != 2 || pending[0].Version != 2 {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	statuses := BuildStatus(migrations, applied)
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}
