package store

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestMigrateRequiresDSN(t *testing.T) {
	if err := Migrate("", MigrateUp); !errors.Is(err, ErrNoDSN) {
		t.Fatalf("expected ErrNoDSN, got %v", err)
	}
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	for _, direction := range []string{"", "UP", "sideways"} {
		if err := Migrate("postgres://localhost/relay", direction); err == nil {
			t.Fatalf("direction %q should be rejected", direction)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, name := range names {
		base := strings.TrimPrefix(name, "migrations/")
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[strings.TrimSuffix(base, ".up.sql")] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[strings.TrimSuffix(base, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("iofs source: %v", err)
	}
	defer source.Close()
	if first, err := source.First(); err != nil || first != 1 {
		t.Fatalf("first version = %d, %v", first, err)
	}
}
