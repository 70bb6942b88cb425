// Package wire implements the minimal protobuf wire codec the SABR protocol
// uses: tagged fields, varints, length-delimited byte strings, and fixed
// 32/64-bit values, with a parse result that preserves wire-level
// multiplicity instead of decoding into generated message types.
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// WireType mirrors the protobuf wire types this codec understands. Any other
// wire type terminates parsing gracefully rather than erroring.
type WireType = protowire.Type

const (
	WireVarint  = protowire.VarintType
	WireFixed64 = protowire.Fixed64Type
	WireBytes   = protowire.BytesType
	WireFixed32 = protowire.Fixed32Type
)

// Writer is an append-only builder over the wire primitives used to assemble
// the request body. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated wire bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len reports the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Tag appends a field tag: (fieldNumber << 3) | wireType.
func (w *Writer) Tag(fieldNumber int32, wireType WireType) {
	w.buf = protowire.AppendTag(w.buf, protowire.Number(fieldNumber), wireType)
}

// Varint appends a raw varint with no preceding tag.
func (w *Writer) Varint(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

// VarintField appends a tagged varint field.
func (w *Writer) VarintField(fieldNumber int32, v uint64) {
	w.Tag(fieldNumber, WireVarint)
	w.Varint(v)
}

// LengthDelimited appends a varint length prefix followed by b with no tag.
func (w *Writer) LengthDelimited(b []byte) {
	w.buf = protowire.AppendBytes(w.buf, b)
}

// BytesField appends a tagged length-delimited field.
func (w *Writer) BytesField(fieldNumber int32, b []byte) {
	w.Tag(fieldNumber, WireBytes)
	w.LengthDelimited(b)
}

// StringField appends a tagged length-delimited UTF-8 string field.
func (w *Writer) StringField(fieldNumber int32, s string) {
	w.BytesField(fieldNumber, []byte(s))
}

// SubmessageField appends a tagged length-delimited field whose payload is
// itself a set of wire-encoded fields built by build.
func (w *Writer) SubmessageField(fieldNumber int32, build func(*Writer)) {
	sub := NewWriter()
	build(sub)
	w.BytesField(fieldNumber, sub.Bytes())
}

// Field holds one decoded wire value, tagged with the wire type it was read
// as so the right accessor can retrieve it.
type Field struct {
	Type    WireType
	Varint  int64
	Fixed64 int64
	Fixed32 uint32
	Bytes   []byte
}

// Message is the parse result: field number to the ordered list of values
// seen for it, preserving repeated-field and packed-but-split multiplicity
// exactly as they appeared on the wire.
type Message map[uint32][]Field

// ParseMessage walks b tag by tag, dispatching on wire type. Any wire type
// outside {varint, fixed64, bytes, fixed32}, or a length-delimited field
// whose declared length would run past the end of b, terminates parsing and
// returns everything parsed so far rather than erroring.
func ParseMessage(b []byte) Message {
	msg := Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			break
		}
		b = b[n:]

		var field Field
		field.Type = typ
		var consumed int

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return msg
			}
			field.Varint = int64(v)
			consumed = m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return msg
			}
			field.Fixed64 = int64(v)
			consumed = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return msg
			}
			field.Bytes = v
			consumed = m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return msg
			}
			field.Fixed32 = v
			consumed = m
		default:
			return msg
		}

		msg[uint32(num)] = append(msg[uint32(num)], field)
		b = b[consumed:]
	}
	return msg
}

// FirstVarint returns the first varint-typed value stored under fieldNumber,
// or (0, false) if absent.
func (m Message) FirstVarint(fieldNumber uint32) (int64, bool) {
	fields, ok := m[fieldNumber]
	if !ok || len(fields) == 0 {
		return 0, false
	}
	return fields[0].Varint, true
}

// FirstBool returns the first varint-typed value under fieldNumber,
// interpreted as a boolean (nonzero == true).
func (m Message) FirstBool(fieldNumber uint32) (bool, bool) {
	v, ok := m.FirstVarint(fieldNumber)
	return v != 0, ok
}

// FirstBytes returns the first length-delimited value under fieldNumber.
func (m Message) FirstBytes(fieldNumber uint32) ([]byte, bool) {
	fields, ok := m[fieldNumber]
	if !ok || len(fields) == 0 {
		return nil, false
	}
	return fields[0].Bytes, true
}

// FirstString decodes the first length-delimited value under fieldNumber as
// UTF-8 text.
func (m Message) FirstString(fieldNumber uint32) (string, bool) {
	b, ok := m.FirstBytes(fieldNumber)
	if !ok {
		return "", false
	}
	return string(b), true
}

// FirstSubmessage recursively parses the first length-delimited value under
// fieldNumber as a nested Message.
func (m Message) FirstSubmessage(fieldNumber uint32) (Message, bool) {
	b, ok := m.FirstBytes(fieldNumber)
	if !ok {
		return nil, false
	}
	return ParseMessage(b), true
}

// AllSubmessages parses every length-delimited value under fieldNumber as a
// nested Message, preserving wire order.
func (m Message) AllSubmessages(fieldNumber uint32) []Message {
	fields := m[fieldNumber]
	out := make([]Message, 0, len(fields))
	for _, f := range fields {
		if f.Type != protowire.BytesType {
			continue
		}
		out = append(out, ParseMessage(f.Bytes))
	}
	return out
}

// AllVarints returns every varint-typed value under fieldNumber in wire
// order.
func (m Message) AllVarints(fieldNumber uint32) []int64 {
	fields := m[fieldNumber]
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		if f.Type != protowire.VarintType {
			continue
		}
		out = append(out, f.Varint)
	}
	return out
}
