package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// handleMessage: message <user> <text>
func (s *Server) handleMessage(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	if err := s.sendCommandReply(sess, protocol.StatusTaskReady, 0); err != nil {
		return false, err
	}

	status := s.DeliverDirect(acct, args[0], args[1])
	return false, s.sendStatus(sess, protocol.TaskServerDirectResponse, status)
}

// handleBroadcast: broadcast <text>. The reply's extra field counts the
// users who were skipped because they block the sender.
func (s *Server) handleBroadcast(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	if err := s.sendCommandReply(sess, protocol.StatusTaskReady, 0); err != nil {
		return false, err
	}

	skipped := s.BroadcastMessage(acct, args[0])
	return false, s.sendCommandReply(sess, protocol.StatusTaskSuccess, uint64(skipped))
}

// handleWhoElse: whoelse
func (s *Server) handleWhoElse(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	names := s.directory.ListOnlineExcept(acct)
	return false, s.sendNameList(sess, protocol.TaskServerWhoElse, names)
}

// handleWhoElseSince: whoelsesince <seconds>
func (s *Server) handleWhoElseSince(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	seconds, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return false, s.sendCommandReply(sess, protocol.StatusBadCommand, 0)
	}

	names := s.directory.ListLoggedOnSince(acct, time.Duration(seconds)*time.Second)
	return false, s.sendNameList(sess, protocol.TaskServerWhoElseSince, names)
}

// sendNameList sends server_command{task_ready, N} followed by N name frames
func (s *Server) sendNameList(sess *Session, task protocol.TaskID, names []string) error {
	frames := make([]*protocol.Frame, 0, len(names)+1)
	frames = append(frames, commandReplyFrame(protocol.StatusTaskReady, uint64(len(names))))
	for _, name := range names {
		frame, err := protocol.NewFrame(task, &protocol.UsernameMessage{Username: name})
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}
	return s.sendFrames(sess, frames...)
}

// handleBlock: block <user>
func (s *Server) handleBlock(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	if err := s.sendCommandReply(sess, protocol.StatusTaskReady, 0); err != nil {
		return false, err
	}

	err := s.directory.AddBlockRelation(acct, args[0])
	if err == nil {
		debugLog.Printf("Session %d: %s blocked %s", sess.ID, acct.Username(), args[0])
	}
	return false, s.sendStatus(sess, protocol.TaskServerBlockUser, blockStatus(err))
}

// handleUnblock: unblock <user>
func (s *Server) handleUnblock(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	if err := s.sendCommandReply(sess, protocol.StatusTaskReady, 0); err != nil {
		return false, err
	}

	err := s.directory.RemoveBlockRelation(acct, args[0])
	return false, s.sendStatus(sess, protocol.TaskServerUnblockUser, blockStatus(err))
}

// blockStatus maps block list errors to wire status codes
func blockStatus(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusTaskSuccess
	case errors.Is(err, accounts.ErrNoSuchUser):
		return protocol.StatusBadUsername
	case errors.Is(err, accounts.ErrSelfBlock):
		return protocol.StatusDupError
	case errors.Is(err, accounts.ErrAlreadyBlocked):
		return protocol.StatusUserBlocked
	case errors.Is(err, accounts.ErrNotBlocked):
		return protocol.StatusUserUnblocked
	default:
		return protocol.StatusServerError
	}
}

// handleLogout: logout
func (s *Server) handleLogout(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	return true, s.sendCommandReply(sess, protocol.StatusTaskReady, 0)
}

// handleStartPrivate: startprivate <user>
func (s *Server) handleStartPrivate(sess *Session, acct *accounts.Account, args []string) (bool, error) {
	if err := s.sendCommandReply(sess, protocol.StatusTaskReady, 0); err != nil {
		return false, err
	}

	reply := s.StartPrivateRendezvous(acct, args[0])
	frame, err := protocol.NewFrame(protocol.TaskServerStartPrivate, reply)
	if err != nil {
		return false, err
	}
	return false, s.sendFrames(sess, frame)
}
