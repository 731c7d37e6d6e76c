package db

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	source := fstest.MapFS{
		"001_core.sql":        {Data: []byte("CREATE TABLE app_user (id UUID PRIMARY KEY);")},
		"002_rbac.sql":        {Data: []byte("CREATE TABLE role (id UUID PRIMARY KEY);")},
		"003_delegation.sql":  {Data: []byte("CREATE TABLE delegation_permission (id UUID PRIMARY KEY);")},
		"README.md":           {Data: []byte("not a migration")},
		"notes_no_number.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE app_user (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	source := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, source).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	source := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, source).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}
