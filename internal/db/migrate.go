package db

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
)

// MigrationFileFor returns the init migration filename for a driver.
func MigrationFileFor(driver string) string {
	return fmt.Sprintf("%s_001_init.sql", driver)
}

// ApplyMigrationFile reads a migration file and executes it statement by
// statement. Statements are split on ";" so the file also works with drivers
// that reject multi-statement Exec (pgx).
func ApplyMigrationFile(db *sqlx.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil && !isAlreadyAppliedErr(err) {
			return fmt.Errorf("apply migration statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func isAlreadyAppliedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
