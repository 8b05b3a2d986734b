package server

import (
	"strings"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// commandHandler services one parsed command. done ends the session.
type commandHandler func(s *Server, sess *Session, acct *accounts.Account, args []string) (done bool, err error)

// commandSpec describes one command of the text protocol
type commandSpec struct {
	name      string
	minTokens int  // including the command name
	freeText  bool // last token is the verbatim rest of the line
	handle    commandHandler
}

var commandTable = []commandSpec{
	{name: "message", minTokens: 3, freeText: true, handle: (*Server).handleMessage},
	{name: "broadcast", minTokens: 2, freeText: true, handle: (*Server).handleBroadcast},
	{name: "whoelsesince", minTokens: 2, handle: (*Server).handleWhoElseSince},
	{name: "whoelse", minTokens: 1, handle: (*Server).handleWhoElse},
	{name: "block", minTokens: 2, handle: (*Server).handleBlock},
	{name: "unblock", minTokens: 2, handle: (*Server).handleUnblock},
	{name: "logout", minTokens: 1, handle: (*Server).handleLogout},
	{name: "startprivate", minTokens: 2, handle: (*Server).handleStartPrivate},
}

func lookupCommand(name string) *commandSpec {
	for i := range commandTable {
		if commandTable[i].name == name {
			return &commandTable[i]
		}
	}
	return nil
}

// tokenize splits a command line into the command and its arguments.
// Runs of spaces separate fixed tokens. For free text commands the final
// argument is everything after the single space that follows the last
// fixed token, and must not be blank. Extra fixed tokens are ignored.
func tokenize(line string) (*commandSpec, []string, bool) {
	line = strings.TrimRight(line, "\r\n")

	name, rest := cutToken(strings.TrimLeft(line, " "))
	if name == "" {
		return nil, nil, false
	}
	spec := lookupCommand(name)
	if spec == nil {
		return nil, nil, false
	}

	fixed := spec.minTokens
	if spec.freeText {
		fixed--
	}

	args := make([]string, 0, spec.minTokens-1)
	for len(args) < fixed-1 {
		var tok string
		tok, rest = cutToken(strings.TrimLeft(rest, " "))
		if tok == "" {
			return nil, nil, false
		}
		args = append(args, tok)
	}

	if spec.freeText {
		if !strings.HasPrefix(rest, " ") {
			return nil, nil, false
		}
		text := rest[1:]
		if strings.TrimLeft(text, " ") == "" {
			return nil, nil, false
		}
		args = append(args, text)
	}

	return spec, args, true
}

// cutToken splits s at the first space
func cutToken(s string) (string, string) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

// dispatch parses a command line and runs its handler. An unparsable line
// gets bad_command and the session carries on.
func (s *Server) dispatch(sess *Session, acct *accounts.Account, line string) (bool, error) {
	spec, args, ok := tokenize(line)
	if !ok {
		debugLog.Printf("Session %d: bad command %q", sess.ID, line)
		s.metrics.RecordCommand("invalid")
		return false, s.sendCommandReply(sess, protocol.StatusBadCommand, 0)
	}

	s.metrics.RecordCommand(spec.name)
	return spec.handle(s, sess, acct, args)
}
