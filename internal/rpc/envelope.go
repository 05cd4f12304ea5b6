// Package rpc carries calls between a host and a worker over a message
// channel. Each call gets a correlation id; responses are matched by id, so
// they may arrive in any order. Binary payloads ride in a transfer list next
// to the encoded arguments and are handed over without copying on in-process
// connections.
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tells the receiver how to treat an envelope.
type Kind uint8

const (
	KindCall Kind = iota + 1
	KindResult
	KindError
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ErrorInfo describes a handler failure well enough to rebuild it on the caller.
type ErrorInfo struct {
	Name    string
	Message string
	Stack   string
}

// Envelope is the unit exchanged on a Conn.
type Envelope struct {
	ID       uint64
	Kind     Kind
	Method   string
	Payload  []byte
	Transfer [][]byte
	Err      *ErrorInfo
}

// Wire field numbers.
const (
	fieldID       protowire.Number = 1
	fieldKind     protowire.Number = 2
	fieldMethod   protowire.Number = 3
	fieldPayload  protowire.Number = 4
	fieldTransfer protowire.Number = 5
	fieldError    protowire.Number = 6

	fieldErrName    protowire.Number = 1
	fieldErrMessage protowire.Number = 2
	fieldErrStack   protowire.Number = 3
)

// MarshalBinary encodes e in protobuf wire format.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	size := 32 + len(e.Method) + len(e.Payload)
	for _, t := range e.Transfer {
		size += len(t) + 8
	}
	b := make([]byte, 0, size)
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Method != "" {
		b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, e.Method)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	for _, t := range e.Transfer {
		b = protowire.AppendTag(b, fieldTransfer, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	if e.Err != nil {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldErrName, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Err.Name)
		eb = protowire.AppendTag(eb, fieldErrMessage, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Err.Message)
		if e.Err.Stack != "" {
			eb = protowire.AppendTag(eb, fieldErrStack, protowire.BytesType)
			eb = protowire.AppendString(eb, e.Err.Stack)
		}
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b, nil
}

// UnmarshalBinary decodes b into e. Byte fields alias b.
func (e *Envelope) UnmarshalBinary(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("rpc: bad envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("rpc: bad envelope id: %w", protowire.ParseError(n))
			}
			e.ID = v
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("rpc: bad envelope kind: %w", protowire.ParseError(n))
			}
			e.Kind = Kind(v)
			b = b[n:]
		case typ == protowire.BytesType && (num == fieldMethod || num == fieldPayload || num == fieldTransfer || num == fieldError):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("rpc: bad envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldMethod:
				e.Method = string(v)
			case fieldPayload:
				e.Payload = v
			case fieldTransfer:
				e.Transfer = append(e.Transfer, v)
			case fieldError:
				info, err := unmarshalErrorInfo(v)
				if err != nil {
					return err
				}
				e.Err = info
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("rpc: bad envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalErrorInfo(b []byte) (*ErrorInfo, error) {
	info := &ErrorInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("rpc: bad error tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("rpc: bad error field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("rpc: bad error field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldErrName:
			info.Name = string(v)
		case fieldErrMessage:
			info.Message = string(v)
		case fieldErrStack:
			info.Stack = string(v)
		}
	}
	return info, nil
}
