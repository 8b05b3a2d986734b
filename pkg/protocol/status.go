package protocol

import "fmt"

// Status is the result code carried by most server replies
type Status uint32

const (
	StatusInitSuccess   Status = 1
	StatusInitFailed    Status = 2
	StatusBadUsername   Status = 4
	StatusBadPassword   Status = 5
	StatusUserBlocked   Status = 6
	StatusServerError   Status = 7
	StatusClientError   Status = 8
	StatusCommsError    Status = 9
	StatusAlreadyOn     Status = 10
	StatusTaskSuccess   Status = 11
	StatusKillMeNow     Status = 12
	StatusTimeOut       Status = 13
	StatusBadCommand    Status = 14
	StatusTaskReady     Status = 15
	StatusBroadLogon    Status = 16
	StatusBroadLogoff   Status = 17
	StatusBroadMsg      Status = 18
	StatusDupError      Status = 19
	StatusMsgStored     Status = 20
	StatusTrue          Status = 21
	StatusFalse         Status = 22
	StatusClientMsg     Status = 23
	StatusBacklogMsg    Status = 24
	StatusUserUnblocked Status = 25
	StatusUserOffline   Status = 26
)

var statusNames = map[Status]string{
	StatusInitSuccess:   "init_success",
	StatusInitFailed:    "init_failed",
	StatusBadUsername:   "bad_uname",
	StatusBadPassword:   "bad_pword",
	StatusUserBlocked:   "user_blocked",
	StatusServerError:   "server_error",
	StatusClientError:   "client_error",
	StatusCommsError:    "comms_error",
	StatusAlreadyOn:     "already_on",
	StatusTaskSuccess:   "task_success",
	StatusKillMeNow:     "kill_me_now",
	StatusTimeOut:       "time_out",
	StatusBadCommand:    "bad_command",
	StatusTaskReady:     "task_ready",
	StatusBroadLogon:    "broad_logon",
	StatusBroadLogoff:   "broad_logoff",
	StatusBroadMsg:      "broad_msg",
	StatusDupError:      "dup_error",
	StatusMsgStored:     "msg_stored",
	StatusTrue:          "code_true",
	StatusFalse:         "code_false",
	StatusClientMsg:     "client_msg",
	StatusBacklogMsg:    "backlog_msg",
	StatusUserUnblocked: "user_unblocked",
	StatusUserOffline:   "user_offline",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Describe returns a human readable explanation, used by clients
func (s Status) Describe() string {
	switch s {
	case StatusInitSuccess, StatusTaskSuccess:
		return "OK"
	case StatusBadUsername:
		return "Invalid username"
	case StatusBadPassword:
		return "Invalid password. Please try again"
	case StatusUserBlocked:
		return "Blocked"
	case StatusAlreadyOn:
		return "This account is already logged in"
	case StatusTimeOut:
		return "Logged out after being idle"
	case StatusBadCommand:
		return "Invalid command"
	case StatusDupError:
		return "Cannot target yourself"
	case StatusMsgStored:
		return "User is offline, message stored"
	case StatusUserUnblocked:
		return "User was not blocked"
	case StatusUserOffline:
		return "User is offline"
	default:
		return s.String()
	}
}
