// Package credentials loads the fixed account list the server starts with.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	// ErrMalformedLine is returned for a line without exactly two fields
	ErrMalformedLine = errors.New("malformed credential line")
	// ErrFieldTooLong is returned when a username or password does not fit its wire field
	ErrFieldTooLong = errors.New("credential field too long")
	// ErrUnknownDriver is returned by Load for an unsupported driver name
	ErrUnknownDriver = errors.New("unknown credentials driver")
)

// LoadFile reads whitespace-separated "username password" pairs, one per line.
// Blank lines and lines starting with # are skipped.
func LoadFile(path string) ([]accounts.Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	creds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// Parse reads credential pairs from r
func Parse(r io.Reader) ([]accounts.Credential, error) {
	var creds []accounts.Credential

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: %w: want 2 fields, got %d", lineNo, ErrMalformedLine, len(fields))
		}
		cred := accounts.Credential{Username: fields[0], Password: fields[1]}
		if err := validate(cred); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		creds = append(creds, cred)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	return creds, nil
}

func validate(cred accounts.Credential) error {
	if len(cred.Username) > protocol.UsernameSize-1 {
		return fmt.Errorf("%w: username %d bytes", ErrFieldTooLong, len(cred.Username))
	}
	if len(cred.Password) > protocol.PasswordSize-1 {
		return fmt.Errorf("%w: password for %q", ErrFieldTooLong, cred.Username)
	}
	return nil
}

// Load reads credentials with the named driver ("file" or "sqlite")
func Load(driver, path string) ([]accounts.Credential, error) {
	switch driver {
	case "", "file":
		return LoadFile(path)
	case "sqlite":
		return LoadSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
