package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// MaxFieldLength is the largest field a peer may announce (16 MiB).
	MaxFieldLength = 16 << 20

	lengthPrefixSize = 4
)

var (
	ErrInvalidLength    = errors.New("field length must be positive")
	ErrFieldTooLarge    = errors.New("field exceeds maximum size (16 MiB)")
	ErrConnectionClosed = errors.New("connection closed mid-frame")
	ErrInvalidUTF8      = errors.New("field is not valid UTF-8")
	ErrEmptyField       = errors.New("cannot encode empty field")
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
)

// ProtocolError reports a malformed frame. It is fatal to the connection.
type ProtocolError struct {
	Op     Opcode
	Length int32
	Err    error
}

func (e *ProtocolError) Error() string {
	if errors.Is(e.Err, ErrInvalidLength) || errors.Is(e.Err, ErrFieldTooLarge) {
		return fmt.Sprintf("protocol error: %s: length %d: %v", e.Op, e.Length, e.Err)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Frame is one opcode plus its positional fields.
// Wire format: [Opcode (1 byte)] then per field [Length (4 bytes, little-endian, signed)][UTF-8 bytes]
type Frame struct {
	Opcode Opcode
	Fields []string
}

// Field returns the i-th field or "" when absent.
func (f *Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

type flusher interface {
	Flush() error
}

// Encode builds the wire bytes for one frame.
func Encode(op Opcode, fields ...string) ([]byte, error) {
	size := 1
	for _, field := range fields {
		if len(field) == 0 {
			return nil, ErrEmptyField
		}
		if len(field) > MaxFieldLength {
			return nil, ErrFieldTooLarge
		}
		if !utf8.ValidString(field) {
			return nil, ErrInvalidUTF8
		}
		size += lengthPrefixSize + len(field)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(op))
	for _, field := range fields {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(field))))
		buf = append(buf, field...)
	}
	return buf, nil
}

// WriteFrame encodes a frame and writes it with a single Write call,
// flushing w when it buffers.
func WriteFrame(w io.Writer, op Opcode, fields ...string) error {
	data, err := Encode(op, fields...)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// EncodeFrame is WriteFrame for an already assembled Frame.
func EncodeFrame(w io.Writer, f *Frame) error {
	return WriteFrame(w, f.Opcode, f.Fields...)
}

// Reader decodes opcodes and fields from a byte stream. It is not safe for
// concurrent use; each connection owns one.
type Reader struct {
	r    io.Reader
	last Opcode
	hdr  [lengthPrefixSize]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadOpcode blocks until the next opcode arrives. A clean end of stream
// before the opcode is reported as io.EOF.
func (r *Reader) ReadOpcode() (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	r.last = Opcode(b[0])
	return r.last, nil
}

// ReadField reads one length-prefixed field belonging to the last opcode.
func (r *Reader) ReadField() (string, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return "", r.truncated(err)
	}
	length := int32(binary.LittleEndian.Uint32(r.hdr[:]))
	if length <= 0 {
		return "", &ProtocolError{Op: r.last, Length: length, Err: ErrInvalidLength}
	}
	if length > MaxFieldLength {
		return "", &ProtocolError{Op: r.last, Length: length, Err: ErrFieldTooLarge}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return "", r.truncated(err)
	}
	if !utf8.Valid(data) {
		return "", &ProtocolError{Op: r.last, Length: length, Err: ErrInvalidUTF8}
	}
	return string(data), nil
}

// ReadFields reads n consecutive fields.
func (r *Reader) ReadFields(n int) ([]string, error) {
	fields := make([]string, 0, n)
	for i := 0; i < n; i++ {
		field, err := r.ReadField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// ReadFrame reads a complete frame, using the opcode table to know how many
// fields follow. Opcodes not valid for dir are a ProtocolError since the
// stream position can no longer be trusted.
func (r *Reader) ReadFrame(dir Direction) (*Frame, error) {
	op, err := r.ReadOpcode()
	if err != nil {
		return nil, err
	}
	n, ok := FieldCount(op, dir)
	if !ok {
		return nil, &ProtocolError{Op: op, Err: ErrUnexpectedOpcode}
	}
	fields, err := r.ReadFields(n)
	if err != nil {
		return nil, err
	}
	return &Frame{Opcode: op, Fields: fields}, nil
}

func (r *Reader) truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Op: r.last, Err: ErrConnectionClosed}
	}
	return err
}

// DecodeFrame parses a single frame from data.
func DecodeFrame(data []byte, dir Direction) (*Frame, error) {
	return NewReader(bytes.NewReader(data)).ReadFrame(dir)
}
