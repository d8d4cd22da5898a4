package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Open selects a backend based on databaseURL: a non-empty URL selects the
// concurrent Postgres backend; an empty URL selects the embedded SQLite
// backend rooted at sqlitePath.
func Open(databaseURL, sqlitePath string) (Repository, error) {
	if databaseURL != "" {
		return openPostgres(databaseURL)
	}
	return openSQLite(sqlitePath)
}

func migrate(sqlDB *sql.DB, fsys embed.FS, dir string, placeholder func(n int) string) error {
	_, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var already int
		q := fmt.Sprintf("SELECT COUNT(*) FROM schema_migrations WHERE name = %s", placeholder(1))
		if err := sqlDB.QueryRow(q, name).Scan(&already); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if already > 0 {
			continue
		}

		body, err := fsys.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		ins := fmt.Sprintf("INSERT INTO schema_migrations (name, applied_at) VALUES (%s, %s)", placeholder(1), placeholder(2))
		if _, err := tx.Exec(ins, name, nowISO()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Printf("db: applied migration %s", name)
	}
	return nil
}
