package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true

		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			t.Fatalf("%s is empty", entry.Name())
		}
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	versions := make([]int, 0, len(byVersion))
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
		n, err := strconv.Atoi(version)
		if err != nil {
			t.Fatalf("version %s: %v", version, err)
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("migration versions must be contiguous from 1, got %v", versions)
		}
	}
}

func TestUpMigrationFilesAreSorted(t *testing.T) {
	files, err := upMigrationFiles(migrationsDir)
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected up migrations")
	}
	if !sort.StringsAreSorted(files) {
		t.Fatalf("expected sorted files, got %v", files)
	}
	for _, file := range files {
		if !strings.HasSuffix(file, ".up.sql") {
			t.Fatalf("unexpected file %s", file)
		}
	}
}
