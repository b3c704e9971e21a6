// Package codec turns messages into wire payloads and back.
//
// Decoding is strict about shape and lenient about extras: a payload that does
// not describe exactly one message kind is rejected as a whole, while unknown
// top-level fields are ignored. A DecodeError is never fatal to a connection;
// callers drop the payload and keep reading.
package codec

import (
	"fmt"

	"mini-peer/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON is the only wire format, so
// unknown types fall back to it.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}

// DecodeError describes why a payload could not be turned into a message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return "codec: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}
