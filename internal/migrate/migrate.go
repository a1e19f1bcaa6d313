// Package migrate reads ordered SQL migrations from an embedded
// filesystem. Adapters apply them with their own driver and record each
// applied name in a schema_migrations table.
package migrate

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Table records applied migrations.
const Table = "schema_migrations"

type Migration struct {
	Name string
	Up   string
}

// Load returns the *.sql files of fsys in name order, reduced to their
// "-- +migrate Up" section. Files without markers are used whole.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		up := strings.TrimSpace(ExtractUp(string(content)))
		if up == "" {
			continue
		}
		out = append(out, Migration{Name: entry.Name(), Up: up})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExtractUp returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func ExtractUp(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
