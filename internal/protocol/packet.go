package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Fixed widths of the scalar wire types.
const (
	Int16Size   = 2
	Int32Size   = 4
	Int64Size   = 8
	Float32Size = 4
	Vector3Size = 3 * Float32Size

	// LengthPrefixSize is the width of the count prefix in front of strings and arrays.
	LengthPrefixSize = Int32Size
)

// ErrOutOfRange is returned by the plain readers when the requested width
// exceeds the bytes left in the packet.
var ErrOutOfRange = errors.New("read out of range")

// RangeError describes a plain read that ran past the end of the buffer.
type RangeError struct {
	Op        string
	Want      int
	Remaining int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %v (want %d bytes, %d remaining)", e.Op, ErrOutOfRange, e.Want, e.Remaining)
}

func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

// Vector3 is three float32 components written X, Y, Z.
type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Packet is a growable little-endian byte buffer with an independent read
// cursor. Writes always append; reads consume from the cursor.
//
// A Packet is either composed (writer side) or filled once from a datagram
// (reader side). Clear resets both the contents and the cursor.
type Packet struct {
	buf []byte
	pos int
}

// NewPacket creates an empty packet.
func NewPacket() *Packet {
	return &Packet{}
}

// NewPacketFrom creates a packet holding a copy of data, ready for reading.
func NewPacketFrom(data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{buf: buf}
}

// Len returns the total number of bytes in the packet.
func (p *Packet) Len() int {
	return len(p.buf)
}

// Remaining returns the number of unread bytes.
func (p *Packet) Remaining() int {
	return len(p.buf) - p.pos
}

// Position returns the read cursor offset.
func (p *Packet) Position() int {
	return p.pos
}

// Bytes returns a snapshot of the full contents, ignoring the read cursor.
func (p *Packet) Bytes() []byte {
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// Clear empties the packet and rewinds the cursor so it can hold a new message.
func (p *Packet) Clear() {
	p.buf = p.buf[:0]
	p.pos = 0
}

// Release drops the backing storage. The packet is empty afterwards and may
// still be written to.
func (p *Packet) Release() {
	p.buf = nil
	p.pos = 0
}

// String returns a hex dump of the packet for debugging.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet[%d bytes, pos %d]: %x", len(p.buf), p.pos, p.buf)
}

// ---- Writers ----

// WriteBytes appends raw bytes verbatim, without a length prefix.
func (p *Packet) WriteBytes(data ...byte) *Packet {
	p.buf = append(p.buf, data...)
	return p
}

// WriteUint8 appends a single byte.
func (p *Packet) WriteUint8(v uint8) *Packet {
	p.buf = append(p.buf, v)
	return p
}

// WriteInt16 appends an int16 in little-endian order.
func (p *Packet) WriteInt16(v int16) *Packet {
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(v))
	return p
}

// WriteInt32 appends an int32 in little-endian order.
func (p *Packet) WriteInt32(v int32) *Packet {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(v))
	return p
}

// WriteInt64 appends an int64 in little-endian order.
func (p *Packet) WriteInt64(v int64) *Packet {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, uint64(v))
	return p
}

// WriteFloat32 appends the IEEE-754 bits of v in little-endian order.
func (p *Packet) WriteFloat32(v float32) *Packet {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, math.Float32bits(v))
	return p
}

// WriteVector3 writes X, Y and Z as three float32 values.
func (p *Packet) WriteVector3(v Vector3) *Packet {
	return p.WriteFloat32(v.X).WriteFloat32(v.Y).WriteFloat32(v.Z)
}

// WriteString writes an ASCII string.
// Format: [char_count:4][ascii bytes...]
func (p *Packet) WriteString(s string) *Packet {
	p.WriteInt32(int32(utf8.RuneCountInString(s)))
	p.buf = appendASCII(p.buf, s)
	return p
}

// WriteOptionalString writes *s, or nothing at all when s is nil.
// Not even a zero length is written for nil, so a reader cannot tell an
// absent string from the next field; presence has to be tracked elsewhere.
func (p *Packet) WriteOptionalString(s *string) *Packet {
	if s == nil {
		return p
	}
	return p.WriteString(*s)
}

// WriteInt16Array writes a count prefix followed by each element.
func (p *Packet) WriteInt16Array(values []int16) *Packet {
	p.WriteInt32(int32(len(values)))
	for _, v := range values {
		p.WriteInt16(v)
	}
	return p
}

// WriteInt32Array writes a count prefix followed by each element.
func (p *Packet) WriteInt32Array(values []int32) *Packet {
	p.WriteInt32(int32(len(values)))
	for _, v := range values {
		p.WriteInt32(v)
	}
	return p
}

// WriteInt64Array writes a count prefix followed by each element.
func (p *Packet) WriteInt64Array(values []int64) *Packet {
	p.WriteInt32(int32(len(values)))
	for _, v := range values {
		p.WriteInt64(v)
	}
	return p
}

// WriteFloat32Array writes a count prefix followed by each element.
func (p *Packet) WriteFloat32Array(values []float32) *Packet {
	p.WriteInt32(int32(len(values)))
	for _, v := range values {
		p.WriteFloat32(v)
	}
	return p
}

// WriteStringArray writes a count prefix followed by each string.
func (p *Packet) WriteStringArray(values []string) *Packet {
	p.WriteInt32(int32(len(values)))
	for _, v := range values {
		p.WriteString(v)
	}
	return p
}

// ---- Plain readers ----

// take consumes n bytes or fails without moving the cursor.
func (p *Packet) take(op string, n int) ([]byte, error) {
	if n < 0 || n > p.Remaining() {
		return nil, &RangeError{Op: op, Want: n, Remaining: p.Remaining()}
	}
	data := p.buf[p.pos : p.pos+n]
	p.pos += n
	return data, nil
}

// ReadByte reads a single byte.
func (p *Packet) ReadByte() (byte, error) {
	data, err := p.take("read byte", 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// ReadBytes reads exactly n bytes into a new slice.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	data, err := p.take("read bytes", n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// ReadInt16 reads a little-endian int16.
func (p *Packet) ReadInt16() (int16, error) {
	data, err := p.take("read int16", Int16Size)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(data)), nil
}

// ReadInt32 reads a little-endian int32.
func (p *Packet) ReadInt32() (int32, error) {
	data, err := p.take("read int32", Int32Size)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// ReadInt64 reads a little-endian int64.
func (p *Packet) ReadInt64() (int64, error) {
	data, err := p.take("read int64", Int64Size)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// ReadFloat32 reads a little-endian IEEE-754 float32.
func (p *Packet) ReadFloat32() (float32, error) {
	data, err := p.take("read float32", Float32Size)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
}

// ReadVector3 reads three float32 values as X, Y, Z.
func (p *Packet) ReadVector3() (Vector3, error) {
	data, err := p.take("read vector3", Vector3Size)
	if err != nil {
		return Vector3{}, err
	}
	return decodeVector3(data), nil
}

// ReadString reads a length-prefixed ASCII string. The cursor is left
// untouched if either the prefix or the body is short.
func (p *Packet) ReadString() (string, error) {
	start := p.pos
	length, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	data, err := p.take("read string", int(length))
	if err != nil {
		p.pos = start
		return "", err
	}
	return decodeASCII(data), nil
}

// ---- Try readers ----
//
// Each try reader either consumes the whole value and reports true, or
// reports false with the zero value and the cursor where it was on entry.

// TryReadByte reads a single byte if one is available.
func (p *Packet) TryReadByte() (byte, bool) {
	if p.Remaining() < 1 {
		return 0, false
	}
	v := p.buf[p.pos]
	p.pos++
	return v, true
}

// TryReadBytes reads exactly n bytes if they are available.
func (p *Packet) TryReadBytes(n int) ([]byte, bool) {
	if n < 0 || n > p.Remaining() {
		return []byte{}, false
	}
	out, _ := p.ReadBytes(n)
	return out, true
}

// TryReadInt16 reads an int16 if two bytes are available.
func (p *Packet) TryReadInt16() (int16, bool) {
	if p.Remaining() < Int16Size {
		return 0, false
	}
	v, _ := p.ReadInt16()
	return v, true
}

// TryReadInt32 reads an int32 if four bytes are available.
func (p *Packet) TryReadInt32() (int32, bool) {
	if p.Remaining() < Int32Size {
		return 0, false
	}
	v, _ := p.ReadInt32()
	return v, true
}

// TryReadInt64 reads an int64 if eight bytes are available.
func (p *Packet) TryReadInt64() (int64, bool) {
	if p.Remaining() < Int64Size {
		return 0, false
	}
	v, _ := p.ReadInt64()
	return v, true
}

// TryReadFloat32 reads a float32 if four bytes are available.
func (p *Packet) TryReadFloat32() (float32, bool) {
	if p.Remaining() < Float32Size {
		return 0, false
	}
	v, _ := p.ReadFloat32()
	return v, true
}

// TryReadVector3 reads a Vector3 if twelve bytes are available.
func (p *Packet) TryReadVector3() (Vector3, bool) {
	if p.Remaining() < Vector3Size {
		return Vector3{}, false
	}
	v, _ := p.ReadVector3()
	return v, true
}

// TryReadString reads a length-prefixed ASCII string. A truncated prefix,
// a negative length, or a body longer than what remains all report false.
func (p *Packet) TryReadString() (string, bool) {
	length, ok := p.tryReadCount(1)
	if !ok {
		return "", false
	}
	data, _ := p.take("read string", length)
	return decodeASCII(data), true
}

// tryReadCount reads a count prefix and checks that count*width bytes
// remain after it. On failure the cursor is restored.
func (p *Packet) tryReadCount(width int) (int, bool) {
	start := p.pos
	count, ok := p.TryReadInt32()
	if !ok {
		return 0, false
	}
	if count < 0 || int64(count)*int64(width) > int64(p.Remaining()) {
		p.pos = start
		return 0, false
	}
	return int(count), true
}

// TryReadInt16Array reads a count-prefixed int16 array.
func (p *Packet) TryReadInt16Array() ([]int16, bool) {
	count, ok := p.tryReadCount(Int16Size)
	if !ok {
		return nil, false
	}
	out := make([]int16, count)
	for i := range out {
		out[i], _ = p.ReadInt16()
	}
	return out, true
}

// TryReadInt32Array reads a count-prefixed int32 array.
func (p *Packet) TryReadInt32Array() ([]int32, bool) {
	count, ok := p.tryReadCount(Int32Size)
	if !ok {
		return nil, false
	}
	out := make([]int32, count)
	for i := range out {
		out[i], _ = p.ReadInt32()
	}
	return out, true
}

// TryReadInt64Array reads a count-prefixed int64 array.
func (p *Packet) TryReadInt64Array() ([]int64, bool) {
	count, ok := p.tryReadCount(Int64Size)
	if !ok {
		return nil, false
	}
	out := make([]int64, count)
	for i := range out {
		out[i], _ = p.ReadInt64()
	}
	return out, true
}

// TryReadFloat32Array reads a count-prefixed float32 array.
func (p *Packet) TryReadFloat32Array() ([]float32, bool) {
	count, ok := p.tryReadCount(Float32Size)
	if !ok {
		return nil, false
	}
	out := make([]float32, count)
	for i := range out {
		out[i], _ = p.ReadFloat32()
	}
	return out, true
}

// TryReadStringArray reads a count-prefixed array of strings. Every element
// needs at least its own prefix, so the count is checked against that first.
func (p *Packet) TryReadStringArray() ([]string, bool) {
	start := p.pos
	count, ok := p.tryReadCount(LengthPrefixSize)
	if !ok {
		return nil, false
	}
	out := make([]string, count)
	for i := range out {
		s, ok := p.TryReadString()
		if !ok {
			p.pos = start
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// ---- Array plain readers ----

// ReadInt16Array reads a count-prefixed int16 array.
func (p *Packet) ReadInt16Array() ([]int16, error) {
	out, ok := p.TryReadInt16Array()
	if !ok {
		return nil, p.arrayRangeError("read int16 array", Int16Size)
	}
	return out, nil
}

// ReadInt32Array reads a count-prefixed int32 array.
func (p *Packet) ReadInt32Array() ([]int32, error) {
	out, ok := p.TryReadInt32Array()
	if !ok {
		return nil, p.arrayRangeError("read int32 array", Int32Size)
	}
	return out, nil
}

// ReadInt64Array reads a count-prefixed int64 array.
func (p *Packet) ReadInt64Array() ([]int64, error) {
	out, ok := p.TryReadInt64Array()
	if !ok {
		return nil, p.arrayRangeError("read int64 array", Int64Size)
	}
	return out, nil
}

// ReadFloat32Array reads a count-prefixed float32 array.
func (p *Packet) ReadFloat32Array() ([]float32, error) {
	out, ok := p.TryReadFloat32Array()
	if !ok {
		return nil, p.arrayRangeError("read float32 array", Float32Size)
	}
	return out, nil
}

// ReadStringArray reads a count-prefixed array of strings.
func (p *Packet) ReadStringArray() ([]string, error) {
	out, ok := p.TryReadStringArray()
	if !ok {
		return nil, p.arrayRangeError("read string array", LengthPrefixSize)
	}
	return out, nil
}

// arrayRangeError builds the error for a failed array read. The cursor is
// still on the prefix, so the declared count can be peeked for the message.
func (p *Packet) arrayRangeError(op string, width int) error {
	want := LengthPrefixSize
	if p.Remaining() >= LengthPrefixSize {
		if count := int32(binary.LittleEndian.Uint32(p.buf[p.pos:])); count > 0 {
			want += int(count) * width
		}
	}
	return &RangeError{Op: op, Want: want, Remaining: p.Remaining()}
}

func decodeVector3(data []byte) Vector3 {
	return Vector3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(data[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])),
	}
}

// appendASCII encodes s one byte per character; anything outside 7-bit
// ASCII becomes '?'.
func appendASCII(dst []byte, s string) []byte {
	for _, r := range s {
		if r > 0x7F {
			r = '?'
		}
		dst = append(dst, byte(r))
	}
	return dst
}

func decodeASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b > 0x7F {
			b = '?'
		}
		out[i] = b
	}
	return string(out)
}
