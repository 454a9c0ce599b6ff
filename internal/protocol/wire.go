package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
)

// MaxVarIntLen is the longest encoding of a 32-bit VarInt.
const MaxVarIntLen = 5

var (
	errVarIntTooLong = errors.New("varint longer than 5 bytes")
	errShortField    = errors.New("field runs past end of packet")
	errStringTooLong = errors.New("string exceeds maximum length")
	errNegativeLen   = errors.New("negative length prefix")
)

// ReadVarInt decodes a VarInt from the head of buf.
//
// Postcondition: Returns (value, bytesRead, nil); ErrNeedMoreData when buf ends
// mid-VarInt; or an error for encodings longer than MaxVarIntLen.
func ReadVarInt(buf []byte) (int32, int, error) {
	v, n, err := varint.FromUvarint(buf)
	switch {
	case errors.Is(err, varint.ErrUnderflow):
		if len(buf) >= MaxVarIntLen {
			return 0, 0, errVarIntTooLong
		}
		return 0, 0, ErrNeedMoreData
	case err != nil:
		return 0, 0, fmt.Errorf("reading varint: %w", err)
	case n > MaxVarIntLen || v > math.MaxUint32:
		return 0, 0, errVarIntTooLong
	}
	return int32(uint32(v)), n, nil
}

// AppendVarInt appends the VarInt encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	var tmp [varint.MaxLenUvarint63]byte
	n := varint.PutUvarint(tmp[:], uint64(uint32(v)))
	return append(dst, tmp[:n]...)
}

// VarIntSize returns the encoded length of v.
func VarIntSize(v int32) int {
	return varint.UvarintSize(uint64(uint32(v)))
}

// Writer accumulates a packet body.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated body.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) VarInt(v int32) { w.buf = AppendVarInt(w.buf, v) }
func (w *Writer) Byte(v uint8) { w.buf = append(w.buf, v) }
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) Int32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) Int64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *Writer) Float32(v float32) { w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v)) }
func (w *Writer) Float64(v float64) { w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v)) }
func (w *Writer) UUID(v uuid.UUID) { w.buf = append(w.buf, v[:]...) }

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// ByteArray appends b with a VarInt length prefix.
func (w *Writer) ByteArray(b []byte) {
	w.VarInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// String appends s with a VarInt length prefix, enforcing a maximum length in
// characters.
func (w *Writer) String(s string, max int) error {
	if utf8.RuneCountInString(s) > max {
		return fmt.Errorf("%w: %d > %d", errStringTooLong, utf8.RuneCountInString(s), max)
	}
	w.VarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// Reader consumes a complete packet body. Reads past the end record an error
// and return zero values; callers check Err once after reading all fields.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over body.
func NewReader(body []byte) *Reader {
	return &Reader{buf: body}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = errShortField
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) VarInt() int32 {
	if r.err != nil {
		return 0
	}
	v, n, err := ReadVarInt(r.buf[r.off:])
	if err != nil {
		if errors.Is(err, ErrNeedMoreData) {
			err = errShortField
		}
		r.err = err
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) Byte() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Byte() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) Float32() float32 { return math.Float32frombits(uint32(r.Int32())) }
func (r *Reader) Float64() float64 { return math.Float64frombits(uint64(r.Int64())) }

func (r *Reader) UUID() uuid.UUID {
	var id uuid.UUID
	if b := r.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}

// ByteArray reads a VarInt length-prefixed byte slice.
func (r *Reader) ByteArray() []byte {
	n := r.VarInt()
	if r.err == nil && n < 0 {
		r.err = errNegativeLen
	}
	return r.copyOf(r.take(int(n)))
}

// Rest returns a copy of all remaining bytes.
func (r *Reader) Rest() []byte {
	return r.copyOf(r.take(r.Remaining()))
}

// String reads a VarInt length-prefixed UTF-8 string of at most max characters.
func (r *Reader) String(max int) string {
	n := r.VarInt()
	if r.err != nil {
		return ""
	}
	if n < 0 {
		r.err = errNegativeLen
		return ""
	}
	if int(n) > max*4 {
		r.err = errStringTooLong
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	s := string(b)
	if utf8.RuneCountInString(s) > max {
		r.err = errStringTooLong
		return ""
	}
	return s
}

func (r *Reader) copyOf(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
