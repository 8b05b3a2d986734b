package credentials

import (
	"database/sql"
	"fmt"

	"github.com/aeolun/chatrelay/pkg/accounts"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL
)`

// LoadSQLite reads credentials from the credentials table of a SQLite database
func LoadSQLite(path string) ([]accounts.Credential, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	rows, err := conn.Query("SELECT username, password FROM credentials ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []accounts.Credential
	for rows.Next() {
		var cred accounts.Credential
		if err := rows.Scan(&cred.Username, &cred.Password); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if err := validate(cred); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	return creds, nil
}

// CreateSQLiteStore creates (or extends) a credential database at path
func CreateSQLiteStore(path string, creds []accounts.Credential) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO credentials (username, password) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, cred := range creds {
		if err := validate(cred); err != nil {
			return err
		}
		if _, err := stmt.Exec(cred.Username, cred.Password); err != nil {
			return fmt.Errorf("failed to insert %q: %w", cred.Username, err)
		}
	}

	return tx.Commit()
}
