package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxLineBytes bounds a single inbound frame (64KB).
	DefaultMaxLineBytes = 65536

	// MalformedText is the system text sent back for a line that is not JSON.
	MalformedText = "invalid JSON"
)

var ErrLineTooLong = errors.New("protocol: line too long")

// Encode serializes a packet into a complete frame, trailing newline included.
func Encode(p *Packet) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode appends the '\n' terminator.
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePacket writes one frame with a single Write call so that concurrent
// writers serialized by the caller never interleave partial frames.
func WritePacket(w io.Writer, p *Packet) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// Reader splits a byte stream into packets.
type Reader struct {
	br      *bufio.Reader
	maxLine int
	eof     bool
}

// NewReader wraps r. maxLine <= 0 selects DefaultMaxLineBytes.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	size := 4096
	if maxLine < size {
		size = maxLine
	}
	return &Reader{br: bufio.NewReaderSize(r, size), maxLine: maxLine}
}

// Next returns the next non-blank frame. A line that is not a JSON object
// yields a system packet with Malformed set rather than an error. Errors are
// io.EOF at end of stream, ErrLineTooLong, or the underlying read error.
func (r *Reader) Next() (*Packet, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		p := &Packet{}
		if err := json.Unmarshal(line, p); err != nil {
			return &Packet{Type: TypeSystem, Text: MalformedText, Malformed: true}, nil
		}
		return p, nil
	}
}

// readLine returns one line without its terminator. A final line missing its
// '\n' is still returned; the following call reports io.EOF.
func (r *Reader) readLine() ([]byte, error) {
	if r.eof {
		return nil, io.EOF
	}
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > r.maxLine+1 || (len(line) > r.maxLine && !bytes.HasSuffix(line, []byte{'\n'})) {
			return nil, ErrLineTooLong
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			r.eof = true
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		default:
			return nil, err
		}
	}
}
