package server

import (
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// notification builds the server_command{status} + payload pair that every
// unsolicited message is sent as
func notification(status protocol.Status, task protocol.TaskID, p protocol.Payload) ([]*protocol.Frame, error) {
	frame, err := protocol.NewFrame(task, p)
	if err != nil {
		return nil, err
	}
	return []*protocol.Frame{commandReplyFrame(status, 0), frame}, nil
}

// BroadcastLogon tells everyone who does not block acct that it logged on
func (s *Server) BroadcastLogon(acct *accounts.Account) {
	frames, err := notification(protocol.StatusBroadLogon, protocol.TaskServerBroadcastLogon,
		&protocol.UsernameMessage{Username: acct.Username()})
	if err != nil {
		errorLog.Printf("Failed to encode logon notice for %s: %v", acct.Username(), err)
		return
	}
	s.fanOut("logon", acct, frames)
}

// BroadcastLogoff tells everyone who does not block acct that it logged off
func (s *Server) BroadcastLogoff(acct *accounts.Account) {
	frames, err := notification(protocol.StatusBroadLogoff, protocol.TaskServerBroadcastLogoff,
		&protocol.UsernameMessage{Username: acct.Username()})
	if err != nil {
		errorLog.Printf("Failed to encode logoff notice for %s: %v", acct.Username(), err)
		return
	}
	s.fanOut("logoff", acct, frames)
}

// BroadcastMessage sends text to every online user except the sender and
// those blocking it. Returns how many were skipped for blocking.
func (s *Server) BroadcastMessage(sender *accounts.Account, text string) int {
	frames, err := notification(protocol.StatusBroadMsg, protocol.TaskServerBroadcastMessage,
		&protocol.TextMessage{Sender: sender.Username(), Text: text})
	if err != nil {
		errorLog.Printf("Failed to encode broadcast from %s: %v", sender.Username(), err)
		return 0
	}

	skipped := s.fanOut("message", sender, frames)
	s.metrics.RecordBroadcastSkipped(skipped)
	return skipped
}

// fanOut sends frames to every ready, logged on session other than origin's,
// skipping sessions whose account blocks origin. The registry is copied
// first so no registry lock is held while sending. A session whose send
// fails has its socket closed; its own loop then tears it down.
func (s *Server) fanOut(kind string, origin *accounts.Account, frames []*protocol.Frame) int {
	start := time.Now()
	delivered, skipped := 0, 0

	for _, sess := range s.sessions.RegisteredSessions() {
		target := sess.Account()
		if target == nil || target == origin || !sess.IsReady() || !target.IsLoggedOn() {
			continue
		}
		if s.directory.IsBlocking(target, origin.Username()) {
			skipped++
			continue
		}

		if err := s.sendFrames(sess, frames...); err != nil {
			errorLog.Printf("Session %d: %s broadcast failed: %v", sess.ID, kind, err)
			sess.Conn.Close()
			continue
		}
		delivered++
	}

	s.metrics.RecordBroadcastFanout(kind, delivered)
	s.metrics.RecordBroadcastDuration(kind, time.Since(start).Seconds())
	return skipped
}

// DeliverDirect sends a direct message, or stores it if the recipient is
// not connected. The status is what the sender is told.
func (s *Server) DeliverDirect(sender *accounts.Account, recipientName, text string) protocol.Status {
	if recipientName == sender.Username() {
		s.metrics.RecordDirectMessage("self")
		return protocol.StatusDupError
	}

	recipient, ok := s.directory.Lookup(recipientName)
	if !ok {
		s.metrics.RecordDirectMessage("bad_username")
		return protocol.StatusBadUsername
	}

	if s.directory.IsBlocking(recipient, sender.Username()) {
		s.metrics.RecordDirectMessage("blocked")
		return protocol.StatusUserBlocked
	}

	frames, err := notification(protocol.StatusClientMsg, protocol.TaskServerDirectMessage,
		&protocol.TextMessage{Sender: sender.Username(), Text: text})
	if err != nil {
		errorLog.Printf("Failed to encode message from %s: %v", sender.Username(), err)
		return protocol.StatusServerError
	}

	// The recipient's connection is reserved under its account lock, so the
	// write lands after a backlog drain that reserved first. The write runs
	// once that lock is released. The turn is handed on only after a failed
	// message has been stored, so later messages cannot overtake it.
	var turn *writeTurn
	claim := func() func() error {
		sess, ok := s.sessions.LookupByUsername(recipientName)
		if !ok || !sess.IsReady() {
			return nil
		}
		turn = sess.Conn.reserve()
		return func() error {
			if err := turn.SendBatch(frames...); err != nil {
				sess.Conn.Close()
				return err
			}
			s.traceSent(sess, frames)
			return nil
		}
	}

	queued, err := s.directory.DeliverOrQueue(recipient, sender.Username(), text, claim)
	if turn != nil {
		turn.release()
	}
	if err != nil {
		errorLog.Printf("Direct message %s -> %s failed, stored instead: %v", sender.Username(), recipientName, err)
	}
	if queued {
		s.metrics.RecordDirectMessage("stored")
		return protocol.StatusMsgStored
	}
	s.metrics.RecordDirectMessage("delivered")
	return protocol.StatusTaskSuccess
}

// StartPrivateRendezvous looks up where peerName accepts peer-to-peer dials.
// Checks run in order: unknown user, self, blocked by peer, peer offline.
func (s *Server) StartPrivateRendezvous(requester *accounts.Account, peerName string) *protocol.StartPrivateMessage {
	reply := &protocol.StartPrivateMessage{}

	peer, ok := s.directory.Lookup(peerName)
	switch {
	case !ok:
		reply.Status = protocol.StatusBadUsername
	case peer == requester:
		reply.Status = protocol.StatusDupError
	case s.directory.IsBlocking(peer, requester.Username()):
		reply.Status = protocol.StatusUserBlocked
	default:
		sess, online := s.sessions.LookupByUsername(peerName)
		if !online {
			reply.Status = protocol.StatusUserOffline
			break
		}
		reply.Status = protocol.StatusTaskSuccess
		reply.Port = sess.ListenPort()
		reply.Addr = sess.Addr
	}

	s.metrics.RecordRendezvous(reply.Status.String())
	return reply
}

// drainBacklog sends the stored message count and every stored message.
// The connection is reserved and the session marked ready while the account
// lock is held, so any direct message that arrives later is written after
// the backlog.
func (s *Server) drainBacklog(sess *Session, acct *accounts.Account) error {
	var held *writeTurn
	entries := s.directory.DrainBacklog(acct, func() {
		held = sess.Conn.reserve()
		sess.markReady()
	})
	defer held.release()

	frames := make([]*protocol.Frame, 0, len(entries)+1)
	frames = append(frames, commandReplyFrame(protocol.StatusBacklogMsg, uint64(len(entries))))
	for _, e := range entries {
		frame, err := protocol.NewFrame(protocol.TaskServerDirectMessage, &protocol.TextMessage{Sender: e.Sender, Text: e.Text})
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	if err := held.SendBatch(frames...); err != nil {
		return err
	}
	s.traceSent(sess, frames)
	s.metrics.RecordBacklogDrained(len(entries))
	return nil
}
