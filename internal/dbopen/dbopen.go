// Package dbopen resolves MAPLE_DB_URL into an open *sql.DB using the
// tursodatabase/libsql-client-go driver, which speaks both local SQLite
// files and remote libsql/Turso endpoints over the same database/sql
// interface.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

const defaultLocalDBURL = "file:../api/.data/maple.db"

// Open resolves dbURL (as read from MAPLE_DB_URL, possibly empty) and
// authToken (MAPLE_DB_AUTH_TOKEN) into an open database handle.
func Open(dbURL, authToken string) (*sql.DB, error) {
	if strings.TrimSpace(dbURL) == "" {
		dbURL = defaultLocalDBURL
	}

	if IsRemote(dbURL) {
		if strings.TrimSpace(authToken) == "" {
			return nil, fmt.Errorf("MAPLE_DB_AUTH_TOKEN is required for remote MAPLE_DB_URL")
		}
		dsn := dbURL
		if !strings.Contains(dsn, "authToken=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn = dsn + sep + "authToken=" + url.QueryEscape(authToken)
		}
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("dbopen: open remote: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping remote: %w", err)
		}
		return db, nil
	}

	localPath, err := resolveLocalPath(dbURL)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(localPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: failed to create DB directory: %w", err)
		}
	}

	db, err := sql.Open("libsql", "file:"+localPath)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open local: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping local: %w", err)
	}
	return db, nil
}

// IsRemote reports whether dbURL points at a remote libsql/Turso endpoint.
func IsRemote(dbURL string) bool {
	return strings.HasPrefix(dbURL, "libsql://") ||
		strings.HasPrefix(dbURL, "https://") ||
		strings.HasPrefix(dbURL, "http://")
}

func resolveLocalPath(dbURL string) (string, error) {
	if strings.HasPrefix(dbURL, "file://") {
		return fileURLToPath(dbURL)
	}

	if rest, ok := strings.CutPrefix(dbURL, "file:"); ok {
		path := strings.TrimSpace(rest)
		if path == "" {
			return "", fmt.Errorf("dbopen: invalid MAPLE_DB_URL file path")
		}
		return path, nil
	}

	return dbURL, nil
}

func fileURLToPath(fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("dbopen: invalid file URL: %w", err)
	}
	path := parsed.Path
	if path == "" {
		return "", fmt.Errorf("dbopen: invalid MAPLE_DB_URL file path")
	}
	return path, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	return nil
}
