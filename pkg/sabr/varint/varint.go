// Package varint implements the two variable-length integer encodings used
// by the SABR wire protocol: UMP's big-endian, leading-bit-run length prefix,
// and the standard protobuf 7-bit continuation form.
package varint

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnexpectedEOF indicates the stream ended in the middle of a varint.
var ErrUnexpectedEOF = errors.New("varint: unexpected end of stream")

// ErrOverflow indicates a protobuf varint runs past 64 bits of shift.
var ErrOverflow = errors.New("varint: value overflows 64 bits")

// UMP varint length boundaries, by first-byte value.
const (
	boundary1 = 128 // < 128: 1 byte
	boundary2 = 192 // < 192: 2 bytes
	boundary3 = 224 // < 224: 3 bytes
	boundary4 = 240 // < 240: 4 bytes

	magnitude1 = 128
	magnitude2 = 16384
	magnitude3 = 2097152
	magnitude4 = 268435456
)

// EndOfStream is returned by the UMP decoder in place of a value when the
// stream ends cleanly before the first byte of a varint.
const EndOfStream = -1

// EncodeUMP encodes v as a UMP varint, choosing the shortest form that fits.
// v must be non-negative and fit in 32 bits.
func EncodeUMP(v uint32) []byte {
	switch {
	case v < magnitude1:
		return []byte{byte(v)}
	case v < magnitude2:
		b := make([]byte, 2)
		b[0] = 0x80 | byte(v&0x3f)
		b[1] = byte(v >> 6)
		return b
	case v < magnitude3:
		b := make([]byte, 3)
		b[0] = 0xc0 | byte(v&0x1f)
		b[1] = byte(v >> 5)
		b[2] = byte(v >> 13)
		return b
	case v < magnitude4:
		b := make([]byte, 4)
		b[0] = 0xe0 | byte(v&0x0f)
		b[1] = byte(v >> 4)
		b[2] = byte(v >> 12)
		b[3] = byte(v >> 20)
		return b
	default:
		b := make([]byte, 5)
		b[0] = 0xf0
		b[1] = byte(v)
		b[2] = byte(v >> 8)
		b[3] = byte(v >> 16)
		b[4] = byte(v >> 24)
		return b
	}
}

// DecodeUMP decodes a UMP varint from the front of b, returning the value and
// the number of bytes consumed. Unlike DecodeUMPReader, an empty b is a
// truncation error, not end-of-stream. Callers that need the end-of-stream
// sentinel should read through DecodeUMPReader.
func DecodeUMP(b []byte) (int64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrUnexpectedEOF
	}
	first := b[0]
	n := ump32Len(first)
	if len(b) < n {
		return 0, 0, ErrUnexpectedEOF
	}
	return decodeUMPBody(first, b[1:n]), n, nil
}

// ump32Len returns the total encoded length (including the first byte)
// implied by first.
func ump32Len(first byte) int {
	switch {
	case first < boundary1:
		return 1
	case first < boundary2:
		return 2
	case first < boundary3:
		return 3
	case first < boundary4:
		return 4
	default:
		return 5
	}
}

func decodeUMPBody(first byte, rest []byte) int64 {
	switch {
	case first < boundary1:
		return int64(first)
	case first < boundary2:
		return int64(first&0x3f) | int64(rest[0])<<6
	case first < boundary3:
		return int64(first&0x1f) | int64(rest[0])<<5 | int64(rest[1])<<13
	case first < boundary4:
		return int64(first&0x0f) | int64(rest[0])<<4 | int64(rest[1])<<12 | int64(rest[2])<<20
	default:
		return int64(rest[0]) | int64(rest[1])<<8 | int64(rest[2])<<16 | int64(rest[3])<<24
	}
}

// DecodeUMPReader reads one UMP varint from r. If the stream ends cleanly
// before any byte is read, it returns EndOfStream with a nil error, the
// sentinel callers use to detect a clean end of the part stream.
// An EOF in the middle of a varint is ErrUnexpectedEOF.
func DecodeUMPReader(r io.ByteReader) (int64, error) {
	first, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return EndOfStream, nil
		}
		return 0, err
	}

	n := ump32Len(first)
	rest := make([]byte, n-1)
	for i := range rest {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
		rest[i] = b
	}
	return decodeUMPBody(first, rest), nil
}

// EncodeProtobuf encodes v as a standard protobuf varint (7-bit continuation,
// little-endian), delegating to protowire for the wire-level primitive.
func EncodeProtobuf(v uint64) []byte {
	return protowire.AppendVarint(nil, v)
}

// DecodeProtobufReader reads one protobuf varint from r. Like
// DecodeUMPReader, a clean EOF before the first byte yields EndOfStream.
// Shift overflow beyond 64 bits is a protocol error.
func DecodeProtobufReader(r io.ByteReader) (int64, error) {
	first, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return EndOfStream, nil
		}
		return 0, err
	}

	var value uint64
	var shift uint
	b := first
	for {
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("%w: shift %d", ErrOverflow, shift)
		}
		b, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
		}
	}
	return int64(value), nil
}

// byteReader adapts an io.Reader without ReadByte into an io.ByteReader,
// matching the pull-based stream the UMP part reader hands each varint
// decoder.
func byteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// NewByteReader exposes byteReader for callers outside this package that need
// to adapt a plain io.Reader before calling DecodeUMPReader/DecodeProtobufReader.
func NewByteReader(r io.Reader) io.ByteReader {
	return byteReader(r)
}
