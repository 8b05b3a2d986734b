package main

import (
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/credentials"
	"github.com/aeolun/chatrelay/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestOtherNames(t *testing.T) {
	names := []string{"alice", "bob", "carol"}
	assert.Equal(t, []string{"alice", "carol"}, otherNames(names, 1))
	assert.Equal(t, []string{"bob", "carol"}, otherNames(names, 0))
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
}

func TestRunAgainstServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice wonderland\nbob builder\ncarol singer\n"), 0600))

	creds, err := credentials.LoadFile(path)
	require.NoError(t, err)

	config := server.DefaultConfig()
	config.TCPPort = 0
	srv := server.NewServer(creds, config)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	opts := &options{
		serverAddr:        net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Addr().(*net.TCPAddr).Port)),
		credentialsPath:   path,
		credentialsDriver: "file",
		numClients:        5,
		duration:          300 * time.Millisecond,
		minDelay:          10 * time.Millisecond,
		maxDelay:          20 * time.Millisecond,
	}
	require.NoError(t, run(opts))

	// Capped at the number of accounts
	assert.Equal(t, 3, opts.numClients)
}
