package client

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ErrBadCommand is returned when the server rejects a command line
var ErrBadCommand = errors.New("server rejected command")

// LoginResult is the outcome of Login
type LoginResult struct {
	Status  protocol.Status // init_success on success
	Backlog []Message       // Messages stored while offline, oldest first
}

// OK reports whether the login succeeded
func (r *LoginResult) OK() bool {
	return r.Status == protocol.StatusInitSuccess
}

// SendUsername sends a username and returns the server's verdict
func (c *Connection) SendUsername(username string) (protocol.Status, error) {
	if err := c.send(protocol.TaskClientUsername, &protocol.UsernameMessage{Username: username}); err != nil {
		return 0, err
	}
	return c.readStatus(protocol.TaskServerUsername)
}

// SendPassword sends a password and returns the server's verdict
func (c *Connection) SendPassword(password string) (protocol.Status, error) {
	if err := c.send(protocol.TaskClientPassword, &protocol.PasswordMessage{Password: password}); err != nil {
		return 0, err
	}
	return c.readStatus(protocol.TaskServerPassword)
}

// Login sends one username and one password. On success it also reads the
// backlog the server sends right after. A rejected login is reported through
// Status, not as an error.
func (c *Connection) Login(username, password string) (*LoginResult, error) {
	status, err := c.SendUsername(username)
	if err != nil {
		return nil, err
	}
	if status != protocol.StatusInitSuccess {
		return &LoginResult{Status: status}, nil
	}

	status, err = c.SendPassword(password)
	if err != nil {
		return nil, err
	}
	result := &LoginResult{Status: status}
	if !result.OK() {
		return result, nil
	}

	count, err := c.expectReply(protocol.StatusBacklogMsg)
	if err != nil {
		return nil, fmt.Errorf("reading backlog: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		frame, err := c.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("reading backlog: %w", err)
		}
		if err := protocol.Expect(frame, protocol.TaskServerDirectMessage); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		var msg protocol.TextMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil, err
		}
		result.Backlog = append(result.Backlog, Message{Sender: msg.Sender, Text: msg.Text})
	}

	return result, nil
}

// SendCommand sends a raw command line without waiting for a reply
func (c *Connection) SendCommand(line string) error {
	return c.send(protocol.TaskClientCommand, &protocol.CommandMessage{Command: line})
}

// command sends line and waits for the task_ready that precedes every
// accepted command's result
func (c *Connection) command(line string) (uint64, error) {
	if err := c.SendCommand(line); err != nil {
		return 0, err
	}

	reply, err := c.readReply()
	if err != nil {
		return 0, err
	}
	switch reply.Status {
	case protocol.StatusTaskReady:
		return reply.Extra, nil
	case protocol.StatusBadCommand:
		return 0, fmt.Errorf("%w: %q", ErrBadCommand, line)
	default:
		return 0, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, reply.Status, protocol.StatusTaskReady)
	}
}

func (c *Connection) readNames(task protocol.TaskID, count uint64) ([]string, error) {
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		frame, err := c.next()
		if err != nil {
			return nil, err
		}
		if err := protocol.Expect(frame, task); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		var msg protocol.UsernameMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return nil, err
		}
		names = append(names, msg.Username)
	}
	return names, nil
}

// WhoElse lists the other users online
func (c *Connection) WhoElse() ([]string, error) {
	count, err := c.command("whoelse")
	if err != nil {
		return nil, err
	}
	return c.readNames(protocol.TaskServerWhoElse, count)
}

// WhoElseSince lists the other users online now or within the window
func (c *Connection) WhoElseSince(window time.Duration) ([]string, error) {
	seconds := int64(window / time.Second)
	count, err := c.command("whoelsesince " + strconv.FormatInt(seconds, 10))
	if err != nil {
		return nil, err
	}
	return c.readNames(protocol.TaskServerWhoElseSince, count)
}

// Broadcast sends text to everyone online. It returns how many users were
// skipped because they block this one.
func (c *Connection) Broadcast(text string) (int, error) {
	if _, err := c.command("broadcast " + text); err != nil {
		return 0, err
	}
	skipped, err := c.expectReply(protocol.StatusTaskSuccess)
	return int(skipped), err
}

// Message sends text to one user. The status tells whether it was
// delivered (task_success), stored (msg_stored) or refused.
func (c *Connection) Message(to, text string) (protocol.Status, error) {
	if _, err := c.command("message " + to + " " + text); err != nil {
		return 0, err
	}
	return c.readStatus(protocol.TaskServerDirectResponse)
}

// Block stops username's messages reaching this user
func (c *Connection) Block(username string) (protocol.Status, error) {
	if _, err := c.command("block " + username); err != nil {
		return 0, err
	}
	return c.readStatus(protocol.TaskServerBlockUser)
}

// Unblock undoes Block
func (c *Connection) Unblock(username string) (protocol.Status, error) {
	if _, err := c.command("unblock " + username); err != nil {
		return 0, err
	}
	return c.readStatus(protocol.TaskServerUnblockUser)
}

// StartPrivate asks where username accepts peer-to-peer dials
func (c *Connection) StartPrivate(username string) (*protocol.StartPrivateMessage, error) {
	if _, err := c.command("startprivate " + username); err != nil {
		return nil, err
	}

	frame, err := c.next()
	if err != nil {
		return nil, err
	}
	if err := protocol.Expect(frame, protocol.TaskServerStartPrivate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	var msg protocol.StartPrivateMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Logout ends the session and closes the connection
func (c *Connection) Logout() error {
	if _, err := c.command("logout"); err != nil {
		return err
	}
	return c.Close()
}
