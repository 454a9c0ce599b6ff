package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMoreData is returned by Decode when the buffer holds only a prefix of
// the next frame. It is not a failure: the caller reads more bytes and retries.
var ErrNeedMoreData = errors.New("need more data")

// ErrUnsupportedVersion is returned when no codec is registered for a version.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrNotRepresentable marks operations a version, phase or direction cannot carry.
var ErrNotRepresentable = errors.New("operation not representable")

// EncodingError reports an operation that could not be encoded.
type EncodingError struct {
	Version string
	Phase   Phase
	Op      Operation
	Err     error
}

func (e *EncodingError) Error() string {
	kind := "nil"
	if e.Op != nil {
		kind = e.Op.Kind().String()
	}
	return fmt.Sprintf("encoding %s for %s in %s phase: %v", kind, e.Version, e.Phase, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError reports a malformed frame.
type DecodingError struct {
	Version  string
	Phase    Phase
	PacketID int32
	Err      error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decoding packet 0x%02x for %s in %s phase: %v", e.PacketID, e.Version, e.Phase, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// IsCodecError reports whether err is an EncodingError or DecodingError.
func IsCodecError(err error) bool {
	var enc *EncodingError
	var dec *DecodingError
	return errors.As(err, &enc) || errors.As(err, &dec)
}
