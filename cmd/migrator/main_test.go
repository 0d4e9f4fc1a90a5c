package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestUpMigrations_LexicalOrderUpOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_history_index.up.sql",
		"0001_push.up.sql",
		"0001_push.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o700); err != nil {
		t.Fatal(err)
	}

	got, err := upMigrations(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"0001_push.up.sql", "0002_history_index.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestUpMigrations_MissingDir(t *testing.T) {
	if _, err := upMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestUpMigrations_RepositoryFiles(t *testing.T) {
	got, err := upMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 || got[0] != "0001_push.up.sql" {
		t.Errorf("expected 0001_push.up.sql first, got %v", got)
	}
	for _, name := range got {
		down := filepath.Join("..", "..", "migrations", name[:len(name)-len(".up.sql")]+".down.sql")
		if _, err := os.Stat(down); err != nil {
			t.Errorf("%s has no down migration: %v", name, err)
		}
	}
}
