package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// HeaderSize is the size of the frame header in bytes
	HeaderSize = 8

	// MaxPayloadSize is the largest payload any task may carry. Every payload
	// has a fixed size, so anything above the biggest one is garbage.
	MaxPayloadSize = 4096
)

var (
	ErrFrameTooLarge        = errors.New("frame payload exceeds maximum size")
	ErrConnectionClosed     = errors.New("connection closed by peer")
	ErrTimeout              = errors.New("receive deadline exceeded")
	ErrInvalidPayloadLength = errors.New("payload length does not match task")
)

// Frame represents a protocol frame
// Format: [TaskID (4 bytes)][PayloadLength (4 bytes)][Payload (N bytes)]
type Frame struct {
	Task    TaskID
	Payload []byte
}

// UnexpectedTaskError is returned when a frame arrives that the current
// protocol state does not allow.
type UnexpectedTaskError struct {
	Want TaskID
	Got  TaskID
}

func (e *UnexpectedTaskError) Error() string {
	return fmt.Sprintf("unexpected task %s (want %s)", e.Got, e.Want)
}

// AppendFrame appends the encoded header and payload to dst
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, ErrFrameTooLarge
	}

	var header [HeaderSize]byte
	putUint32(header[0:4], uint32(f.Task))
	putUint32(header[4:8], uint32(len(f.Payload)))

	dst = append(dst, header[:]...)
	return append(dst, f.Payload...), nil
}

// EncodeFrame writes a frame to the writer.
// Header and payload go out in a single Write so that two writers sharing a
// socket can never interleave half frames.
func EncodeFrame(w io.Writer, f *Frame) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classifyReadError(err)
	}

	task := TaskID(getUint32(header[0:4]))
	length := getUint32(header[4:8])

	// Validate length before allocating anything
	if length > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, classifyReadError(err)
		}
	}

	return &Frame{
		Task:    task,
		Payload: payload,
	}, nil
}

// Expect checks that the frame carries the wanted task
func Expect(f *Frame, want TaskID) error {
	if f.Task != want {
		return &UnexpectedTaskError{Want: want, Got: f.Task}
	}
	return nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(task TaskID, payload []byte) ([]byte, error) {
	return AppendFrame(nil, &Frame{Task: task, Payload: payload})
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// classifyReadError maps low level read failures onto the codec's error kinds
func classifyReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return err
}
