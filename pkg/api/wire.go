package api

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned by DecodeMessage for input that is not a valid
// encoded Message.
var ErrMalformed = errors.New("malformed message")

const maxDepth = 32

// Field numbers of the Message encoding.
const (
	fieldEntry protowire.Number = 1

	entryKey    protowire.Number = 1
	entryString protowire.Number = 2
	entryInt64  protowire.Number = 3
	entryBlob   protowire.Number = 4
	entryDict   protowire.Number = 5
)

// EncodeMessage returns the protobuf-wire encoding of m. Correlation is not
// encoded.
func EncodeMessage(m *Message) []byte {
	return AppendMessage(nil, m)
}

// AppendMessage appends the encoding of m to b. Keys are written in sorted
// order so equal messages encode identically.
func AppendMessage(b []byte, m *Message) []byte {
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		var e []byte
		e = protowire.AppendTag(e, entryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		switch v.kind {
		case KindString:
			e = protowire.AppendTag(e, entryString, protowire.BytesType)
			e = protowire.AppendString(e, v.s)
		case KindInt64:
			e = protowire.AppendTag(e, entryInt64, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeZigZag(v.i))
		case KindBlob:
			e = protowire.AppendTag(e, entryBlob, protowire.BytesType)
			e = protowire.AppendBytes(e, v.b)
		case KindDict:
			e = protowire.AppendTag(e, entryDict, protowire.BytesType)
			e = protowire.AppendBytes(e, EncodeMessage(v.d))
		}
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// DecodeMessage parses an encoded Message. Unknown fields are skipped.
func DecodeMessage(b []byte) (*Message, error) {
	return decodeMessage(b, 0)
}

func decodeMessage(b []byte, depth int) (*Message, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting exceeds %d", ErrMalformed, maxDepth)
	}
	m := &Message{fields: map[string]Value{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		e, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		key, val, err := decodeEntry(e, depth)
		if err != nil {
			return nil, err
		}
		m.fields[key] = val
	}
	return m, nil
}

func decodeEntry(b []byte, depth int) (string, Value, error) {
	var (
		key    string
		hasKey bool
		val    Value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == entryInt64 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			val = Int64Value(protowire.DecodeZigZag(x))
		case typ == protowire.BytesType && num >= entryKey && num <= entryDict:
			p, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case entryKey:
				key, hasKey = string(p), true
			case entryString:
				if !utf8.Valid(p) {
					return "", Value{}, fmt.Errorf("%w: string value is not UTF-8", ErrMalformed)
				}
				val = StringValue(string(p))
			case entryBlob:
				val = BlobValue(p)
			case entryDict:
				d, err := decodeMessage(p, depth+1)
				if err != nil {
					return "", Value{}, err
				}
				val = DictValue(d)
			default:
				return "", Value{}, fmt.Errorf("%w: field %d has wrong wire type", ErrMalformed, num)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", Value{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasKey {
		return "", Value{}, fmt.Errorf("%w: entry without key", ErrMalformed)
	}
	if val.kind == KindInvalid {
		return "", Value{}, fmt.Errorf("%w: entry %q without value", ErrMalformed, key)
	}
	return key, val, nil
}
