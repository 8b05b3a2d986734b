package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder
func FuzzDecodeFrame(f *testing.F) {
	valid, _ := EncodeMessage(TaskClientCommand, make([]byte, TextSize))
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0, 1, 0x1F, 0x90})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return
		}
		if len(frame.Payload) > MaxPayloadSize {
			t.Fatalf("decoded payload of %d bytes", len(frame.Payload))
		}
	})
}

// FuzzPayloadDecoders feeds arbitrary bytes to every payload decoder
func FuzzPayloadDecoders(f *testing.F) {
	seed, _ := Encode(&TextMessage{Sender: "bob", Text: "hi"})
	f.Add(seed)
	f.Add(make([]byte, 12))

	f.Fuzz(func(t *testing.T, data []byte) {
		decoders := []Payload{
			&ClientInitMessage{},
			&StatusMessage{},
			&UsernameMessage{},
			&PasswordMessage{},
			&CommandMessage{},
			&CommandReplyMessage{},
			&TextMessage{},
			&StartPrivateMessage{},
			&PeerInitMessage{},
		}
		for _, d := range decoders {
			// Should never panic
			_ = d.Decode(data)
		}
	})
}
