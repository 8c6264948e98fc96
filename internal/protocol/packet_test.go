package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	p := NewPacket()
	p.WriteUint8(0xAB).
		WriteInt16(math.MinInt16).
		WriteInt16(-2).
		WriteInt32(math.MaxInt32).
		WriteInt32(-123456).
		WriteInt64(math.MinInt64).
		WriteInt64(1 << 40).
		WriteFloat32(-3.25).
		WriteFloat32(math.MaxFloat32).
		WriteFloat32(math.SmallestNonzeroFloat32)

	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)

	for _, want := range []int16{math.MinInt16, -2} {
		got, err := p.ReadInt16()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, want := range []int32{math.MaxInt32, -123456} {
		got, err := p.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, want := range []int64{math.MinInt64, 1 << 40} {
		got, err := p.ReadInt64()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, want := range []float32{-3.25, math.MaxFloat32, math.SmallestNonzeroFloat32} {
		got, err := p.ReadFloat32()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, p.Remaining())
}

func TestLittleEndianLayout(t *testing.T) {
	p := NewPacket().WriteInt32(0x01020304).WriteInt16(0x0506)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x06, 0x05}, p.Bytes())

	f := NewPacket().WriteFloat32(1.0)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, f.Bytes())
}

func TestNaNRoundTripKeepsBits(t *testing.T) {
	nan := math.Float32frombits(0x7FC00001)
	p := NewPacket().WriteFloat32(nan)

	got, err := p.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, math.Float32bits(nan), math.Float32bits(got))
}

func TestVector3RoundTrip(t *testing.T) {
	v := Vector3{X: 1.5, Y: 2.0, Z: -3.25}
	p := NewPacket().WriteVector3(v)
	require.Equal(t, Vector3Size, p.Len())

	got, err := p.ReadVector3()
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestTransformScenarioIs26Bytes(t *testing.T) {
	p := NewPacket()
	p.WriteBytes(7, byte(ActionTransform))
	p.WriteVector3(Vector3{X: 1.5, Y: 2.0, Z: -3.25})
	p.WriteVector3(Vector3{X: 0, Y: 90, Z: 0})

	require.Equal(t, 26, p.Len())

	peer, err := p.ReadByte()
	require.NoError(t, err)
	action, err := p.ReadByte()
	require.NoError(t, err)
	pos, err := p.ReadVector3()
	require.NoError(t, err)
	rot, err := p.ReadVector3()
	require.NoError(t, err)

	assert.Equal(t, byte(7), peer)
	assert.Equal(t, byte(ActionTransform), action)
	assert.Equal(t, Vector3{X: 1.5, Y: 2.0, Z: -3.25}, pos)
	assert.Equal(t, Vector3{X: 0, Y: 90, Z: 0}, rot)
}

func TestStringRoundTrip(t *testing.T) {
	values := []string{"", "hi", "Hello, World!", "peer-255"}
	p := NewPacket()
	for _, v := range values {
		p.WriteString(v)
	}

	for _, want := range values {
		got, err := p.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStringLayout(t *testing.T) {
	p := NewPacket().WriteString("hi")
	assert.Equal(t, []byte{2, 0, 0, 0, 'h', 'i'}, p.Bytes())
}

func TestStringNonASCIIBecomesQuestionMark(t *testing.T) {
	p := NewPacket().WriteString("hé!")

	// Prefix is the character count, one byte per character.
	assert.Equal(t, []byte{3, 0, 0, 0, 'h', '?', '!'}, p.Bytes())

	got, err := p.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "h?!", got)

	raw := NewPacket().WriteInt32(1).WriteBytes(0xC3)
	got, err = raw.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "?", got)
}

func TestWriteOptionalStringNilWritesNothing(t *testing.T) {
	p := NewPacket()
	p.WriteOptionalString(nil)
	assert.Zero(t, p.Len())

	s := "x"
	p.WriteOptionalString(&s)
	assert.Equal(t, []byte{1, 0, 0, 0, 'x'}, p.Bytes())
}

func TestArrayRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 5, 64} {
		i16 := make([]int16, n)
		i32 := make([]int32, n)
		i64 := make([]int64, n)
		f32 := make([]float32, n)
		str := make([]string, n)
		for i := 0; i < n; i++ {
			i16[i] = int16(i - 3)
			i32[i] = int32(i * -1000)
			i64[i] = int64(i) << 33
			f32[i] = float32(i) * 0.5
			str[i] = string(rune('a' + i%26))
		}

		p := NewPacket().
			WriteInt16Array(i16).
			WriteInt32Array(i32).
			WriteInt64Array(i64).
			WriteFloat32Array(f32).
			WriteStringArray(str)

		got16, err := p.ReadInt16Array()
		require.NoError(t, err)
		assert.Equal(t, i16, got16)

		got32, ok := p.TryReadInt32Array()
		require.True(t, ok)
		assert.Equal(t, i32, got32)

		got64, err := p.ReadInt64Array()
		require.NoError(t, err)
		assert.Equal(t, i64, got64)

		gotF, ok := p.TryReadFloat32Array()
		require.True(t, ok)
		assert.Equal(t, f32, gotF)

		gotS, err := p.ReadStringArray()
		require.NoError(t, err)
		assert.Equal(t, str, gotS)

		assert.Zero(t, p.Remaining(), "n=%d", n)
	}
}

func TestPlainReadOutOfRange(t *testing.T) {
	p := NewPacket().WriteBytes(1, 2, 3)

	_, err := p.ReadInt32()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, 4, rangeErr.Want)
	assert.Equal(t, 3, rangeErr.Remaining)

	// A failed plain read leaves the cursor alone.
	assert.Equal(t, 0, p.Position())

	_, err = p.ReadBytes(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = p.ReadBytes(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	got, err := p.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, err = p.ReadByte()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReadStringShortBodyRestoresCursor(t *testing.T) {
	p := NewPacket().WriteInt32(10).WriteBytes('a', 'b')

	_, err := p.ReadString()
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, 0, p.Position())
}

func TestReadArrayOutOfRange(t *testing.T) {
	p := NewPacket().WriteInt32(3).WriteInt32(1)

	_, err := p.ReadInt32Array()
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, LengthPrefixSize+3*Int32Size, rangeErr.Want)
	assert.Equal(t, 0, p.Position())
}

func TestTryReadEmptyPacket(t *testing.T) {
	p := NewPacket()

	v, ok := p.TryReadInt32()
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.Equal(t, 0, p.Position())

	_, ok = p.TryReadInt16()
	assert.False(t, ok)
	_, ok = p.TryReadInt64()
	assert.False(t, ok)
	_, ok = p.TryReadFloat32()
	assert.False(t, ok)
	b, ok := p.TryReadBytes(1)
	assert.False(t, ok)
	assert.Empty(t, b)
	assert.Equal(t, 0, p.Position())
}

// A string whose 4-byte prefix is itself cut short is reported as a
// failure, as is one whose declared length runs past the end.
func TestTryReadStringTruncatedPrefixFails(t *testing.T) {
	full := NewPacket().WriteString("hi").Bytes()
	require.Len(t, full, 6)

	p := NewPacketFrom(full[:3])
	s, ok := p.TryReadString()
	assert.False(t, ok)
	assert.Empty(t, s)
	assert.Equal(t, 0, p.Position())

	p = NewPacketFrom(full[:5])
	s, ok = p.TryReadString()
	assert.False(t, ok)
	assert.Empty(t, s)
	assert.Equal(t, 0, p.Position())

	p = NewPacketFrom(full)
	s, ok = p.TryReadString()
	assert.True(t, ok)
	assert.Equal(t, "hi", s)
}

func TestTryReadArrayTruncatedPrefixFails(t *testing.T) {
	p := NewPacketFrom([]byte{1, 0})
	arr, ok := p.TryReadInt16Array()
	assert.False(t, ok)
	assert.Nil(t, arr)

	strs, ok := p.TryReadStringArray()
	assert.False(t, ok)
	assert.Nil(t, strs)
	assert.Equal(t, 0, p.Position())
}

func TestTryReadNegativeLengthFails(t *testing.T) {
	p := NewPacket().WriteInt32(-1).WriteBytes(0, 0, 0, 0)

	_, ok := p.TryReadString()
	assert.False(t, ok)
	_, ok = p.TryReadInt32Array()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Position())

	_, err := p.ReadString()
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// The array count is checked against the element width, so a count that
// fits as bytes but not as elements is still rejected.
func TestTryReadArrayChecksElementWidth(t *testing.T) {
	p := NewPacket().WriteInt32(3).WriteInt32(7).WriteInt32(8)

	_, ok := p.TryReadInt32Array()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Position())
}

func TestTryReadStringArrayBadElementRestoresCursor(t *testing.T) {
	p := NewPacket().WriteInt32(2).WriteString("ok").WriteInt32(50)

	_, ok := p.TryReadStringArray()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Position())
}

// Every prefix of a valid message must parse without panicking and the
// first value whose bytes are missing must report failure.
func TestTruncationSafety(t *testing.T) {
	msg := NewPacket().
		WriteInt16(-5).
		WriteInt32(42).
		WriteInt64(-1).
		WriteFloat32(1.25).
		WriteString("truncate").
		WriteInt16Array([]int16{1, 2, 3}).
		WriteInt32Array([]int32{4, 5}).
		WriteInt64Array([]int64{6}).
		WriteFloat32Array([]float32{7, 8}).
		WriteStringArray([]string{"a", "bc"}).
		Bytes()

	readers := []func(p *Packet) bool{
		func(p *Packet) bool { _, ok := p.TryReadInt16(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadInt32(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadInt64(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadFloat32(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadString(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadInt16Array(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadInt32Array(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadInt64Array(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadFloat32Array(); return ok },
		func(p *Packet) bool { _, ok := p.TryReadStringArray(); return ok },
	}

	for cut := 0; cut <= len(msg); cut++ {
		p := NewPacketFrom(msg[:cut])
		failed := false
		for i, read := range readers {
			before := p.Position()
			ok := read(p)
			assert.GreaterOrEqual(t, p.Position(), before, "cut=%d reader=%d", cut, i)
			assert.LessOrEqual(t, p.Position(), p.Len(), "cut=%d reader=%d", cut, i)
			assert.Equal(t, p.Len()-p.Position(), p.Remaining())
			if !ok {
				assert.Equal(t, before, p.Position(), "failed read moved cursor, cut=%d reader=%d", cut, i)
				failed = true
				break
			}
		}
		if cut < len(msg) {
			assert.True(t, failed, "cut=%d should fail somewhere", cut)
		} else {
			assert.False(t, failed)
			assert.Zero(t, p.Remaining())
		}
	}
}

func TestClearResetsBufferAndCursor(t *testing.T) {
	p := NewPacket().WriteInt32(1).WriteInt32(2)
	_, err := p.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, 4, p.Position())

	p.Clear()
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Position())
	assert.Zero(t, p.Remaining())

	p.WriteInt16(9)
	got, err := p.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(9), got)
}

func TestBytesIsSnapshot(t *testing.T) {
	p := NewPacket().WriteBytes(1, 2, 3)
	_, _ = p.ReadByte()

	snap := p.Bytes()
	assert.Equal(t, []byte{1, 2, 3}, snap, "snapshot ignores the read cursor")

	snap[0] = 99
	again := p.Bytes()
	assert.Equal(t, byte(1), again[0])

	p.WriteBytes(4)
	assert.Len(t, snap, 3)
}

func TestNewPacketFromCopies(t *testing.T) {
	data := []byte{5, 6}
	p := NewPacketFrom(data)
	data[0] = 0

	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(5), b)
}

func TestRelease(t *testing.T) {
	p := NewPacket().WriteInt64(1)
	p.Release()
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Remaining())

	p.WriteUint8(3)
	assert.Equal(t, []byte{3}, p.Bytes())
}
