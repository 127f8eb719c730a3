package types

import (
	"github.com/pkg/errors"
)

// Payload is the opaque unit of user data stored in a log. The log never
// inspects payload contents.
type Payload []byte

// payloadTag is the codec version prefix of every stored payload. Bump it
// when the envelope layout changes; decoders reject tags they don't know.
const payloadTag byte = 0x01

// EncodePayload wraps a payload in its storage envelope. Encoding never
// fails.
func EncodePayload(p Payload) []byte {
	buf := make([]byte, 1+len(p))
	buf[0] = payloadTag
	copy(buf[1:], p)
	return buf
}

// DecodePayload unwraps a storage envelope produced by EncodePayload.
// Decoding is total on the codec's own output.
func DecodePayload(b []byte) (Payload, error) {
	if len(b) == 0 {
		return nil, errors.New("payload envelope is empty")
	}
	if b[0] != payloadTag {
		return nil, errors.Errorf("unknown payload codec tag %#x", b[0])
	}
	p := make(Payload, len(b)-1)
	copy(p, b[1:])
	return p, nil
}
