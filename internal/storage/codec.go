package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pierrec/lz4/v4"

	"github.com/withobsrvr/flowscope/internal/model"
)

// ErrCorruptRecord is returned when a stored value fails to decode.
var ErrCorruptRecord = errors.New("storage: corrupt record")

// Record value encoding:
// flags(1) | uvarint topicLen | topic | uvarint schemaLen | schema |
// varint pubSec | uvarint pubNsec | uvarint rawLen | payload | crc32c(all before)

const (
	flagLZ4 byte = 1 << 0

	// CompressThreshold is the payload size above which lz4 is attempted.
	CompressThreshold = 512
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord serializes everything but the key fields of r.
func EncodeRecord(r *Record) ([]byte, error) {
	payload := r.Payload
	var flags byte
	if len(payload) > CompressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagLZ4
		}
	}

	out := make([]byte, 0, 1+len(r.Topic)+len(r.Schema)+len(payload)+40)
	out = append(out, flags)
	out = binary.AppendUvarint(out, uint64(len(r.Topic)))
	out = append(out, r.Topic...)
	out = binary.AppendUvarint(out, uint64(len(r.Schema)))
	out = append(out, r.Schema...)
	out = binary.AppendVarint(out, r.PublishTime.Sec)
	out = binary.AppendUvarint(out, uint64(r.PublishTime.Nsec))
	out = binary.AppendUvarint(out, uint64(len(r.Payload)))
	out = append(out, payload...)
	crc := crc32.Checksum(out, castagnoli)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out, nil
}

// DecodeRecord parses a stored value; key supplies receive time and sequence.
func DecodeRecord(key Key, b []byte) (*Record, error) {
	corrupt := func(why string) error {
		return fmt.Errorf("%w at %s#%d: %s", ErrCorruptRecord, key.Time(), key.Seq(), why)
	}
	if len(b) < 1+4 {
		return nil, corrupt("short value")
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, corrupt("checksum mismatch")
	}

	flags := body[0]
	rest := body[1:]
	topic, rest, ok := readString(rest)
	if !ok {
		return nil, corrupt("bad topic")
	}
	schema, rest, ok := readString(rest)
	if !ok {
		return nil, corrupt("bad schema")
	}
	pubSec, n := binary.Varint(rest)
	if n <= 0 {
		return nil, corrupt("bad publish time")
	}
	rest = rest[n:]
	pubNsec, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, corrupt("bad publish time")
	}
	rest = rest[n:]
	rawLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, corrupt("bad payload length")
	}
	rest = rest[n:]

	var payload []byte
	if flags&flagLZ4 != 0 {
		raw, err := decompress(rest, int(rawLen))
		if err != nil {
			return nil, corrupt(err.Error())
		}
		payload = raw
	} else {
		if uint64(len(rest)) != rawLen {
			return nil, corrupt("payload length mismatch")
		}
		payload = append([]byte(nil), rest...)
	}

	return &Record{
		Seq:         key.Seq(),
		Topic:       topic,
		Schema:      schema,
		ReceiveTime: key.Time(),
		PublishTime: model.Time{Sec: pubSec, Nsec: int32(pubNsec)},
		Payload:     payload,
	}, nil
}

func readString(b []byte) (string, []byte, bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return "", nil, false
	}
	return string(b[n : n+int(l)]), b[n+int(l):], true
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, rawLen int) ([]byte, error) {
	out := make([]byte, 0, rawLen)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	if buf.Len() != rawLen {
		return nil, fmt.Errorf("decompressed %d bytes, want %d", buf.Len(), rawLen)
	}
	return buf.Bytes(), nil
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeSummary(s *Summary) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(s); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return out, nil
}

func decodeSummary(b []byte) (*Summary, error) {
	s := newSummary()
	if err := codec.NewDecoderBytes(b, msgpackHandle).Decode(s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if s.Topics == nil {
		s.Topics = map[string]TopicSummary{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s, nil
}
