package protocol

import (
	"bytes"
	"net"
	"testing"

	"pgregory.net/rapid"
)

// fieldString draws strings that fit a fixed-width field and contain no NUL
func fieldString(width int) *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		return string(rapid.SliceOfN(rapid.ByteRange(1, 255), 0, width-1).Draw(t, "bytes"))
	})
}

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		task := TaskID(rapid.Uint32().Draw(t, "task"))
		payload := rapid.SliceOfN(rapid.Byte(), 0, MaxPayloadSize).Draw(t, "payload")

		original := &Frame{Task: task, Payload: payload}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Task != original.Task {
			t.Fatalf("task mismatch: got %d, want %d", decoded.Task, original.Task)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
		if buf.Len() != 0 {
			t.Fatalf("decoder left %d bytes unread", buf.Len())
		}
	})
}

// TestUsernameRoundTrip tests username-shaped payloads
func TestUsernameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &UsernameMessage{Username: fieldString(UsernameSize).Draw(t, "username")}
		decoded := &UsernameMessage{}
		roundTrip(t, original, decoded)
		if decoded.Username != original.Username {
			t.Fatalf("username mismatch: got %q, want %q", decoded.Username, original.Username)
		}
	})
}

// TestPasswordRoundTrip tests password payloads
func TestPasswordRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &PasswordMessage{Password: fieldString(PasswordSize).Draw(t, "password")}
		decoded := &PasswordMessage{}
		roundTrip(t, original, decoded)
		if decoded.Password != original.Password {
			t.Fatalf("password mismatch: got %q, want %q", decoded.Password, original.Password)
		}
	})
}

// TestCommandRoundTrip tests command payloads
func TestCommandRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &CommandMessage{Command: fieldString(TextSize).Draw(t, "command")}
		decoded := &CommandMessage{}
		roundTrip(t, original, decoded)
		if decoded.Command != original.Command {
			t.Fatalf("command mismatch")
		}
	})
}

// TestTextRoundTrip tests sender+text payloads
func TestTextRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &TextMessage{
			Sender: fieldString(UsernameSize).Draw(t, "sender"),
			Text:   fieldString(TextSize).Draw(t, "text"),
		}
		decoded := &TextMessage{}
		roundTrip(t, original, decoded)
		if *decoded != *original {
			t.Fatalf("text mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestNumericPayloadRoundTrip covers the payloads made only of integers
func TestNumericPayloadRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := Status(rapid.Uint32().Draw(t, "status"))

		st := &StatusMessage{Status: status}
		gotStatus := &StatusMessage{}
		roundTrip(t, st, gotStatus)
		if *gotStatus != *st {
			t.Fatalf("status mismatch")
		}

		reply := &CommandReplyMessage{Status: status, Extra: rapid.Uint64().Draw(t, "extra")}
		gotReply := &CommandReplyMessage{}
		roundTrip(t, reply, gotReply)
		if *gotReply != *reply {
			t.Fatalf("command reply mismatch")
		}

		init := &ClientInitMessage{Status: status, ListenPort: rapid.Uint16().Draw(t, "port")}
		gotInit := &ClientInitMessage{}
		roundTrip(t, init, gotInit)
		if *gotInit != *init {
			t.Fatalf("client init mismatch")
		}
	})
}

// TestAddressPayloadRoundTrip covers payloads that carry an IPv4 address
func TestAddressPayloadRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "addr")
		addr := net.IPv4(raw[0], raw[1], raw[2], raw[3])
		port := rapid.Uint16().Draw(t, "port")

		sp := &StartPrivateMessage{Status: Status(rapid.Uint32().Draw(t, "status")), Port: port, Addr: addr}
		gotSP := &StartPrivateMessage{}
		roundTrip(t, sp, gotSP)
		if gotSP.Status != sp.Status || gotSP.Port != sp.Port || !gotSP.Addr.Equal(sp.Addr) {
			t.Fatalf("start private mismatch: got %+v, want %+v", gotSP, sp)
		}

		pi := &PeerInitMessage{Port: port, Addr: addr}
		gotPI := &PeerInitMessage{}
		roundTrip(t, pi, gotPI)
		if gotPI.Port != pi.Port || !gotPI.Addr.Equal(pi.Addr) {
			t.Fatalf("peer init mismatch")
		}
	})
}

func roundTrip(t *rapid.T, in, out Payload) {
	payload, err := Encode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(payload) != in.Size() {
		t.Fatalf("encoded %d bytes, declared %d", len(payload), in.Size())
	}
	if err := out.Decode(payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}
