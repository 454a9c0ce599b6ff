package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxFrameLength is the largest frame payload accepted or produced
	// (the largest value a three-byte VarInt can hold).
	MaxFrameLength = 1<<21 - 1
	// MaxUncompressedLength bounds inflated payloads.
	MaxUncompressedLength = 8 << 20
	// CompressionDisabled is the threshold value meaning "no compression".
	CompressionDisabled int32 = -1
)

// Phase is the protocol connection state. Packet IDs are scoped per phase.
type Phase uint8

const (
	PhaseHandshaking Phase = iota
	PhaseStatus
	PhaseLogin
	PhasePlay
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseStatus:
		return "status"
	case PhaseLogin:
		return "login"
	case PhasePlay:
		return "play"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Direction is the travel direction of a packet.
type Direction uint8

const (
	Serverbound Direction = iota
	Clientbound
)

// Side selects which end of a connection a Codec speaks for.
type Side uint8

const (
	// Client encodes serverbound packets and decodes clientbound ones.
	Client Side = iota
	// Server encodes clientbound packets and decodes serverbound ones.
	Server
)

func (s Side) outbound() Direction {
	if s == Client {
		return Serverbound
	}
	return Clientbound
}

func (s Side) inbound() Direction {
	if s == Client {
		return Clientbound
	}
	return Serverbound
}

// Version identifies one supported protocol version.
type Version struct {
	// ID is the lookup key, e.g. "1.17.1".
	ID string
	// Protocol is the numeric protocol version sent in the handshake.
	Protocol int32
	// Name is a human-readable label.
	Name string
}

// Codec translates between wire frames and Operations for one connection.
// A Codec instance belongs to exactly one connection; it tracks the phase and
// compression threshold of that connection.
type Codec interface {
	Version() Version
	Side() Side
	Phase() Phase
	// SetPhase forces the connection phase.
	SetPhase(Phase)
	CompressionThreshold() int32
	// Encode returns one complete frame for op.
	Encode(op Operation) ([]byte, error)
	// Decode reads one frame from the head of buf. It returns ErrNeedMoreData
	// when buf holds only a prefix of the frame.
	Decode(buf []byte) (Operation, int, error)
}

// Factory builds a fresh Codec for one connection.
type Factory func(side Side) Codec

// Packet describes how one packet of a dialect maps to an Operation.
type Packet struct {
	Phase Phase
	Bound Direction
	ID    int32
	Kind  Kind
	// Accept narrows which operations of Kind this packet encodes; nil accepts all.
	Accept func(op Operation) bool
	Encode func(w *Writer, op Operation) error
	Decode func(r *Reader) (Operation, error)
}

type kindKey struct {
	phase Phase
	bound Direction
	kind  Kind
}

type idKey struct {
	phase Phase
	bound Direction
	id    int32
}

// Dialect is the version-specific packet table behind a Codec.
type Dialect struct {
	version Version
	byKind  map[kindKey][]Packet
	byID    map[idKey]Packet
}

// NewDialect indexes packets for version.
//
// Precondition: no two packets share (phase, direction, id).
// Postcondition: Returns a Dialect or an error naming the duplicate.
func NewDialect(version Version, packets ...[]Packet) (*Dialect, error) {
	d := &Dialect{
		version: version,
		byKind:  make(map[kindKey][]Packet),
		byID:    make(map[idKey]Packet),
	}
	for _, group := range packets {
		for _, p := range group {
			ik := idKey{p.Phase, p.Bound, p.ID}
			if _, dup := d.byID[ik]; dup {
				return nil, fmt.Errorf("dialect %s: duplicate packet 0x%02x in %s phase", version.ID, p.ID, p.Phase)
			}
			d.byID[ik] = p
			kk := kindKey{p.Phase, p.Bound, p.Kind}
			d.byKind[kk] = append(d.byKind[kk], p)
		}
	}
	return d, nil
}

// MustDialect is NewDialect for compiled-in tables.
func MustDialect(version Version, packets ...[]Packet) *Dialect {
	d, err := NewDialect(version, packets...)
	if err != nil {
		panic(err)
	}
	return d
}

// Version returns the dialect's version.
func (d *Dialect) Version() Version { return d.version }

// Factory returns a Factory producing codecs for this dialect.
func (d *Dialect) Factory() Factory {
	return func(side Side) Codec { return NewCodec(d, side) }
}

// Modelled reports whether id names a modelled packet in phase travelling in
// direction bound. Raw Unknown operations may only carry ids that are not.
func (d *Dialect) Modelled(phase Phase, bound Direction, id int32) bool {
	_, ok := d.byID[idKey{phase, bound, id}]
	return ok
}

func (d *Dialect) lookupOp(phase Phase, bound Direction, op Operation) (Packet, bool) {
	for _, p := range d.byKind[kindKey{phase, bound, op.Kind()}] {
		if p.Accept == nil || p.Accept(op) {
			return p, true
		}
	}
	return Packet{}, false
}

type codec struct {
	dialect *Dialect
	side    Side

	mu        sync.Mutex
	phase     Phase
	threshold int32
}

// NewCodec returns a Codec for one connection speaking dialect from side.
//
// Precondition: dialect must be non-nil.
// Postcondition: The codec starts in the handshaking phase with compression disabled.
func NewCodec(dialect *Dialect, side Side) Codec {
	return &codec{
		dialect:   dialect,
		side:      side,
		phase:     PhaseHandshaking,
		threshold: CompressionDisabled,
	}
}

func (c *codec) Version() Version { return c.dialect.version }
func (c *codec) Side() Side       { return c.side }

func (c *codec) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *codec) SetPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}

func (c *codec) CompressionThreshold() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

func (c *codec) encodingError(op Operation, err error) error {
	return &EncodingError{Version: c.dialect.version.ID, Phase: c.phase, Op: op, Err: err}
}

func (c *codec) Encode(op Operation) ([]byte, error) {
	op = deref(op)
	if IsNil(op) {
		return nil, &EncodingError{Version: c.dialect.version.ID, Phase: c.Phase(), Err: errors.New("nil operation")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hs, ok := op.(Handshake); ok && hs.Protocol == 0 {
		hs.Protocol = c.dialect.version.Protocol
		op = hs
	}

	var w Writer
	if raw, ok := op.(Unknown); ok {
		if c.phase != PhasePlay {
			return nil, c.encodingError(op, fmt.Errorf("%w: raw packets only travel in play phase", ErrNotRepresentable))
		}
		if c.dialect.Modelled(c.phase, c.side.outbound(), raw.ID) {
			return nil, c.encodingError(op, fmt.Errorf("%w: id 0x%02x is a modelled packet", ErrNotRepresentable, raw.ID))
		}
		if len(raw.Data) == 0 {
			raw.Data = nil
			op = raw
		}
		w.VarInt(raw.ID)
		w.Raw(raw.Data)
	} else {
		p, ok := c.dialect.lookupOp(c.phase, c.side.outbound(), op)
		if !ok {
			return nil, c.encodingError(op, ErrNotRepresentable)
		}
		w.VarInt(p.ID)
		if err := p.Encode(&w, op); err != nil {
			return nil, c.encodingError(op, err)
		}
	}

	frame, err := c.frame(w.Bytes())
	if err != nil {
		return nil, c.encodingError(op, err)
	}
	c.advance(op)
	return frame, nil
}

// frame wraps data (packet ID and body) in the length prefix, compressing it
// when the connection has a threshold and data is large enough.
func (c *codec) frame(data []byte) ([]byte, error) {
	payload := data
	if c.threshold >= 0 {
		if int32(len(data)) >= c.threshold {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(data); err != nil {
				return nil, fmt.Errorf("compressing frame: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("compressing frame: %w", err)
			}
			payload = AppendVarInt(nil, int32(len(data)))
			payload = append(payload, zbuf.Bytes()...)
		} else {
			payload = AppendVarInt(make([]byte, 0, len(data)+1), 0)
			payload = append(payload, data...)
		}
	}
	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", len(payload), MaxFrameLength)
	}
	out := make([]byte, 0, len(payload)+MaxVarIntLen)
	out = AppendVarInt(out, int32(len(payload)))
	return append(out, payload...), nil
}

func (c *codec) Decode(buf []byte) (Operation, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	length, n, err := ReadVarInt(buf)
	if err != nil {
		if errors.Is(err, ErrNeedMoreData) {
			return nil, 0, ErrNeedMoreData
		}
		return nil, 0, c.decodingError(-1, fmt.Errorf("frame length: %w", err))
	}
	if length <= 0 || length > MaxFrameLength {
		return nil, 0, c.decodingError(-1, fmt.Errorf("frame length %d out of range", length))
	}
	if len(buf) < n+int(length) {
		return nil, 0, ErrNeedMoreData
	}
	consumed := n + int(length)

	data, err := c.unframe(buf[n:consumed])
	if err != nil {
		return nil, 0, c.decodingError(-1, err)
	}

	id, idLen, err := ReadVarInt(data)
	if err != nil {
		return nil, 0, c.decodingError(-1, fmt.Errorf("packet id: %w", err))
	}
	body := data[idLen:]

	p, ok := c.dialect.byID[idKey{c.phase, c.side.inbound(), id}]
	if !ok {
		if c.phase == PhasePlay {
			raw := Unknown{ID: id}
			if len(body) > 0 {
				raw.Data = append([]byte(nil), body...)
			}
			return raw, consumed, nil
		}
		return nil, 0, c.decodingError(id, errors.New("unknown packet"))
	}

	r := NewReader(body)
	op, err := p.Decode(r)
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		return nil, 0, c.decodingError(id, err)
	}
	c.advance(op)
	return op, consumed, nil
}

// unframe strips the compression header from a frame payload.
func (c *codec) unframe(payload []byte) ([]byte, error) {
	if c.threshold < 0 {
		return payload, nil
	}
	dataLen, n, err := ReadVarInt(payload)
	if err != nil {
		return nil, fmt.Errorf("data length: %w", err)
	}
	if dataLen == 0 {
		return payload[n:], nil
	}
	if dataLen < c.threshold || dataLen > MaxUncompressedLength {
		return nil, fmt.Errorf("compressed data length %d out of range", dataLen)
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload[n:]))
	if err != nil {
		return nil, fmt.Errorf("inflating frame: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, int64(dataLen)+1))
	if err != nil {
		return nil, fmt.Errorf("inflating frame: %w", err)
	}
	if len(data) != int(dataLen) {
		return nil, fmt.Errorf("inflated %d bytes, header says %d", len(data), dataLen)
	}
	return data, nil
}

func (c *codec) decodingError(id int32, err error) error {
	return &DecodingError{Version: c.dialect.version.ID, Phase: c.phase, PacketID: id, Err: err}
}

// advance applies the connection-state side effects of an operation that has
// just been encoded or decoded. Caller holds c.mu.
func (c *codec) advance(op Operation) {
	switch o := op.(type) {
	case Handshake:
		switch o.Next {
		case NextStatus:
			c.phase = PhaseStatus
		case NextLogin:
			c.phase = PhaseLogin
		}
	case LoginSuccess:
		c.phase = PhasePlay
	case SetCompression:
		c.threshold = o.Threshold
		if c.threshold < 0 {
			c.threshold = CompressionDisabled
		}
	}
}

// deref turns a pointer to an operation struct into the struct value, so
// callers may pass either form.
func deref(op Operation) Operation {
	v := reflect.ValueOf(op)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return op
	}
	if o, ok := v.Elem().Interface().(Operation); ok {
		return o
	}
	return op
}

// IsNil reports whether op is nil or a nil pointer to an operation struct.
func IsNil(op Operation) bool {
	if op == nil {
		return true
	}
	v := reflect.ValueOf(op)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// As converts op to the concrete operation type T.
func As[T Operation](op Operation) (T, error) {
	if o, ok := deref(op).(T); ok {
		return o, nil
	}
	var zero T
	return zero, fmt.Errorf("unexpected operation type %T", op)
}
