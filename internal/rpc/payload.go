package rpc

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Message is a call argument or result: msgpack-encoded fields in Payload and
// raw binary buffers in Transfer, referenced from Payload by index.
type Message struct {
	Payload  []byte
	Transfer [][]byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// Encode serializes v into a Message that carries transfer alongside it.
func Encode(v any, transfer ...[]byte) (Message, error) {
	var out []byte
	if v != nil {
		if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
			return Message{}, fmt.Errorf("rpc: encode %T: %w", v, err)
		}
	}
	return Message{Payload: out, Transfer: transfer}, nil
}

// MustEncode is Encode for values that cannot fail to encode.
func MustEncode(v any, transfer ...[]byte) Message {
	m, err := Encode(v, transfer...)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode reads msg.Payload into v. An empty payload leaves v untouched.
func Decode(msg Message, v any) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := codec.NewDecoderBytes(msg.Payload, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", v, err)
	}
	return nil
}

func (m Message) transferSize() int {
	n := 0
	for _, t := range m.Transfer {
		n += len(t)
	}
	return n
}
