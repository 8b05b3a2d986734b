package server

import (
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ErrLoginRejected wraps every handshake outcome other than a successful login
var ErrLoginRejected = errors.New("login rejected")

var (
	errLoginBlocked   = fmt.Errorf("%w: account blocked", ErrLoginRejected)
	errLoginAlreadyOn = fmt.Errorf("%w: account already logged on", ErrLoginRejected)
	errLoginLockedOut = fmt.Errorf("%w: too many password attempts", ErrLoginRejected)
)

// authenticate runs the username/password handshake. On success the
// account is logged on and returned.
//
// Unknown usernames may be retried without limit. Once a username is
// accepted the connection gets MaxLoginAttempts passwords; running out
// blocks the account for good unless it was logged on elsewhere meanwhile.
func (s *Server) authenticate(sess *Session) (*accounts.Account, error) {
	acct, err := s.awaitUsername(sess)
	if err != nil {
		return nil, err
	}
	return s.awaitPassword(sess, acct)
}

func (s *Server) awaitUsername(sess *Session) (*accounts.Account, error) {
	for {
		frame, err := s.readFrame(sess)
		if err != nil {
			return nil, err
		}
		if err := protocol.Expect(frame, protocol.TaskClientUsername); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		var msg protocol.UsernameMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		acct, ok := s.directory.Lookup(msg.Username)
		switch {
		case !ok:
			s.metrics.RecordLogin("bad_username")
			if err := s.sendStatus(sess, protocol.TaskServerUsername, protocol.StatusBadUsername); err != nil {
				return nil, err
			}
			continue

		case s.directory.IsBlocked(acct):
			s.metrics.RecordLogin("blocked")
			if err := s.sendStatus(sess, protocol.TaskServerUsername, protocol.StatusUserBlocked); err != nil {
				return nil, err
			}
			return nil, errLoginBlocked

		case acct.IsLoggedOn():
			s.metrics.RecordLogin("already_on")
			if err := s.sendStatus(sess, protocol.TaskServerUsername, protocol.StatusAlreadyOn); err != nil {
				return nil, err
			}
			return nil, errLoginAlreadyOn
		}

		if err := s.sendStatus(sess, protocol.TaskServerUsername, protocol.StatusInitSuccess); err != nil {
			return nil, err
		}
		return acct, nil
	}
}

func (s *Server) awaitPassword(sess *Session, acct *accounts.Account) (*accounts.Account, error) {
	maxAttempts := s.config.MaxLoginAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		frame, err := s.readFrame(sess)
		if err != nil {
			return nil, err
		}
		if err := protocol.Expect(frame, protocol.TaskClientPassword); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		var msg protocol.PasswordMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		if s.directory.AuthenticatePassword(acct, msg.Password) {
			return s.completeLogin(sess, acct)
		}

		total := s.directory.RecordFailedAttempt(acct)
		debugLog.Printf("Session %d: bad password for %s (attempt %d/%d, %d since last login)",
			sess.ID, acct.Username(), attempt, maxAttempts, total)

		if attempt < maxAttempts {
			s.metrics.RecordLogin("bad_password")
			if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusBadPassword); err != nil {
				return nil, err
			}
			continue
		}

		// Out of attempts. An account someone else is using is left alone.
		if acct.IsLoggedOn() {
			s.metrics.RecordLogin("already_on")
			if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusAlreadyOn); err != nil {
				return nil, err
			}
			return nil, errLoginAlreadyOn
		}

		s.directory.Block(acct)
		s.metrics.RecordLogin("locked_out")
		s.metrics.RecordLockout()
		log.Printf("Session %d: %s blocked after %d failed password attempts", sess.ID, acct.Username(), maxAttempts)
		if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusUserBlocked); err != nil {
			return nil, err
		}
		return nil, errLoginLockedOut
	}

	return nil, errLoginLockedOut
}

// completeLogin claims the account. The log-on is atomic, so of two
// sessions racing with the right password only one gets in.
func (s *Server) completeLogin(sess *Session, acct *accounts.Account) (*accounts.Account, error) {
	err := s.directory.LogOn(acct)
	switch {
	case err == nil:
		s.metrics.RecordLogin("success")
		if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusInitSuccess); err != nil {
			// The account is ours; hand it back so the caller logs it off
			return acct, err
		}
		return acct, nil

	case errors.Is(err, accounts.ErrAlreadyOn):
		s.metrics.RecordLogin("already_on")
		if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusAlreadyOn); err != nil {
			return nil, err
		}
		return nil, errLoginAlreadyOn

	case errors.Is(err, accounts.ErrAccountBlocked):
		s.metrics.RecordLogin("blocked")
		if err := s.sendStatus(sess, protocol.TaskServerPassword, protocol.StatusUserBlocked); err != nil {
			return nil, err
		}
		return nil, errLoginBlocked
	}

	return nil, err
}
