package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "alice wonderland\n\n# comment\n  bob\tbuilder  \ncarol singer")

	creds, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []accounts.Credential{
		{Username: "alice", Password: "wonderland"},
		{Username: "bob", Password: "builder"},
		{Username: "carol", Password: "singer"},
	}, creds)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		line    string
	}{
		{"one field", "alice wonderland\nbob\n", ErrMalformedLine, "line 2"},
		{"three fields", "alice won der\n", ErrMalformedLine, "line 1"},
		{"long username", strings.Repeat("u", 128) + " pw\n", ErrFieldTooLong, "line 1"},
		{"long password", "alice " + strings.Repeat("p", 128) + "\n", ErrFieldTooLong, "line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.line)
		})
	}
}

func TestParseMaxLengthFields(t *testing.T) {
	name := strings.Repeat("u", 127)
	creds, err := Parse(strings.NewReader(name + " " + strings.Repeat("p", 127)))
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, name, creds[0].Username)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	want := []accounts.Credential{
		{Username: "zed", Password: "last"},
		{Username: "alice", Password: "wonderland"},
	}

	require.NoError(t, CreateSQLiteStore(path, want))

	got, err := LoadSQLite(path)
	require.NoError(t, err)
	assert.Equal(t, want, got, "rows come back in insertion order")

	err = CreateSQLiteStore(path, []accounts.Credential{{Username: "alice", Password: "again"}})
	assert.Error(t, err, "usernames are unique")

	got, err = LoadSQLite(path)
	require.NoError(t, err)
	assert.Len(t, got, 2, "failed insert rolls back")
}

func TestLoadDispatch(t *testing.T) {
	filePath := writeFile(t, "alice wonderland\n")
	dbPath := filepath.Join(t.TempDir(), "credentials.db")
	require.NoError(t, CreateSQLiteStore(dbPath, []accounts.Credential{{Username: "bob", Password: "builder"}}))

	creds, err := Load("file", filePath)
	require.NoError(t, err)
	assert.Equal(t, "alice", creds[0].Username)

	creds, err = Load("", filePath)
	require.NoError(t, err)
	assert.Len(t, creds, 1)

	creds, err = Load("sqlite", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "bob", creds[0].Username)

	_, err = Load("ldap", filePath)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
