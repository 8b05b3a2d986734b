package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

const (
	// UsernameSize is the width of a username field (NUL padded)
	UsernameSize = 128

	// PasswordSize is the width of a password field (NUL padded)
	PasswordSize = 128

	// TextSize is the width of a message or command field (NUL padded)
	TextSize = 1024
)

var (
	ErrFieldTooLong = errors.New("value does not fit in fixed-width field")
	ErrInvalidIPv4  = errors.New("address is not an IPv4 address")
)

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }

// WriteUint16 writes a 16-bit unsigned integer in big-endian
func WriteUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint16 reads a 16-bit unsigned integer in big-endian
func ReadUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// WriteUint64 writes a 64-bit unsigned integer in big-endian
func WriteUint64(w io.Writer, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint64 reads a 64-bit unsigned integer in big-endian
func ReadUint64(r io.Reader) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// WriteFixedString writes s into a NUL padded field of the given width.
// The last byte is always NUL, so the longest value is width-1 bytes.
func WriteFixedString(w io.Writer, s string, width int) error {
	if len(s) > width-1 {
		return ErrFieldTooLong
	}
	buf := make([]byte, width)
	copy(buf, s)
	_, err := w.Write(buf)
	return err
}

// ReadFixedString reads a NUL padded field and returns the text before the first NUL
func ReadFixedString(r io.Reader, width int) (string, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// WriteIPv4 writes an IPv4 address as 4 bytes in network order
func WriteIPv4(w io.Writer, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		if ip != nil {
			return ErrInvalidIPv4
		}
		v4 = net.IPv4zero.To4()
	}
	_, err := w.Write(v4)
	return err
}

// ReadIPv4 reads a 4 byte IPv4 address
func ReadIPv4(r io.Reader) (net.IP, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return net.IPv4(buf[0], buf[1], buf[2], buf[3]).To4(), nil
}

// readFixed checks the declared length and returns a reader over the payload
func readFixed(payload []byte, size int) (*bytes.Reader, error) {
	if len(payload) != size {
		return nil, ErrInvalidPayloadLength
	}
	return bytes.NewReader(payload), nil
}
