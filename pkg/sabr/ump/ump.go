// Package ump implements the UMP framed container format: a pull-based
// reader that yields (partType, payload) pairs from a byte stream, each
// framed as a UMP varint type id, a UMP varint payload length, and exactly
// that many payload bytes.
//
// The read loop peeks the header, confirms the complete unit is available,
// then slices exactly that many bytes, pulling from an io.Reader since UMP
// parts arrive over one HTTP response body rather than a pre-buffered
// stream.
package ump

import (
	"errors"
	"fmt"
	"io"

	"github.com/jmylchreest/sabrfetch/pkg/sabr/varint"
)

// ErrTruncatedPart indicates the stream ended mid-frame: after a type id was
// read, either the length varint or the payload bytes were cut short.
var ErrTruncatedPart = errors.New("ump: truncated part")

// Part is one (typeId, payload) unit yielded by the part stream.
type Part struct {
	Type    int64
	Payload []byte
}

// PartReader lazily parses UMP parts from an underlying stream. The next
// part is not read until Next is called.
type PartReader struct {
	br io.ByteReader
	r  io.Reader
}

// NewPartReader wraps r for UMP part parsing. If r does not already
// implement io.ByteReader, it is adapted with a buffered reader so payload
// bytes can still be read in bulk via io.ReadFull.
func NewPartReader(r io.Reader) *PartReader {
	br := varint.NewByteReader(r)
	bulkReader, ok := br.(io.Reader)
	if !ok {
		bulkReader = r
	}
	return &PartReader{br: br, r: bulkReader}
}

// Next reads and returns the next part. It returns io.EOF when the stream
// ends cleanly before a type id (the normal end of the response body);
// any other error is a protocol-level framing failure.
func (p *PartReader) Next() (Part, error) {
	typeID, err := varint.DecodeUMPReader(p.br)
	if err != nil {
		return Part{}, fmt.Errorf("ump: reading part type: %w", err)
	}
	if typeID == varint.EndOfStream {
		return Part{}, io.EOF
	}

	size, err := varint.DecodeUMPReader(p.br)
	if err != nil {
		return Part{}, fmt.Errorf("ump: reading part length: %w", err)
	}
	if size == varint.EndOfStream {
		return Part{}, fmt.Errorf("%w: stream ended reading length for part type %d", ErrTruncatedPart, typeID)
	}
	if size < 0 {
		return Part{}, fmt.Errorf("ump: negative part length %d for type %d", size, typeID)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return Part{}, fmt.Errorf("%w: short payload for type %d (want %d bytes): %v", ErrTruncatedPart, typeID, size, err)
	}

	return Part{Type: typeID, Payload: payload}, nil
}
