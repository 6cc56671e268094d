package api

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt64
	KindBlob
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindBlob:
		return "blob"
	case KindDict:
		return "dict"
	default:
		return "invalid"
	}
}

// Value is one field of a Message. The zero Value is KindInvalid.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    []byte
	d    *Message
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func Int64Value(i int64) Value   { return Value{kind: KindInt64, i: i} }

// BlobValue copies b.
func BlobValue(b []byte) Value {
	return Value{kind: KindBlob, b: append([]byte(nil), b...)}
}

func DictValue(m *Message) Value {
	if m == nil {
		m = &Message{}
	}
	return Value{kind: KindDict, d: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindBlob:
		return fmt.Sprintf("<%d bytes>", len(v.b))
	case KindDict:
		return v.d.String()
	default:
		return "<invalid>"
	}
}

func (v Value) equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt64:
		return v.i == o.i
	case KindBlob:
		return bytes.Equal(v.b, o.b)
	case KindDict:
		return v.d.Equal(o.d)
	}
	return true
}

// Correlation ties an inbound request to the connection and sequence number it
// arrived with. Replies built from a request carry the same Correlation.
type Correlation struct {
	Conn string
	Seq  uint64
}

func (c Correlation) IsZero() bool { return c.Conn == "" && c.Seq == 0 }

// Message is an immutable string-keyed record. A nil *Message behaves as an
// empty one.
type Message struct {
	fields map[string]Value
	corr   Correlation
}

func (m *Message) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.fields[key]
	return v, ok
}

func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Message) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok || v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (m *Message) GetInt64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok || v.kind != KindInt64 {
		return 0, false
	}
	return v.i, true
}

// GetBlob returns a copy of the blob stored under key.
func (m *Message) GetBlob(key string) ([]byte, bool) {
	v, ok := m.Get(key)
	if !ok || v.kind != KindBlob {
		return nil, false
	}
	return append([]byte(nil), v.b...), true
}

func (m *Message) GetDict(key string) (*Message, bool) {
	v, ok := m.Get(key)
	if !ok || v.kind != KindDict {
		return nil, false
	}
	return v.d, true
}

func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Keys returns field names in sorted order.
func (m *Message) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares fields only; correlation is ignored.
func (m *Message) Equal(o *Message) bool {
	if m.Len() != o.Len() {
		return false
	}
	for _, k := range m.Keys() {
		a, _ := m.Get(k)
		b, ok := o.Get(k)
		if !ok || !a.equal(b) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy without correlation.
func (m *Message) Clone() *Message {
	out := &Message{fields: make(map[string]Value, m.Len())}
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		out.fields[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindBlob:
		return BlobValue(v.b)
	case KindDict:
		return DictValue(v.d.Clone())
	}
	return v
}

func (m *Message) Correlation() Correlation {
	if m == nil {
		return Correlation{}
	}
	return m.corr
}

// WithCorrelation returns a shallow copy of m bound to c.
func (m *Message) WithCorrelation(c Correlation) *Message {
	out := &Message{corr: c}
	if m != nil {
		out.fields = m.fields
	}
	return out
}

func (m *Message) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		v, _ := m.Get(k)
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v.String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// ToMap renders the message as plain Go values suitable for encoding/json.
// Blobs stay []byte and therefore encode as base64.
func (m *Message) ToMap() map[string]any {
	out := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch v.kind {
		case KindString:
			out[k] = v.s
		case KindInt64:
			out[k] = v.i
		case KindBlob:
			out[k] = append([]byte(nil), v.b...)
		case KindDict:
			out[k] = v.d.ToMap()
		}
	}
	return out
}

// Builder assembles a Message. The zero Builder is not usable; call NewBuilder.
type Builder struct {
	fields map[string]Value
	corr   Correlation
}

func NewBuilder() *Builder {
	return &Builder{fields: map[string]Value{}}
}

// From starts a builder pre-populated with a copy of m's fields.
func From(m *Message) *Builder {
	b := NewBuilder()
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		b.fields[k] = cloneValue(v)
	}
	return b
}

func (b *Builder) Set(key string, v Value) *Builder {
	if v.kind == KindInvalid {
		delete(b.fields, key)
		return b
	}
	b.fields[key] = cloneValue(v)
	return b
}

func (b *Builder) SetString(key, s string) *Builder { return b.Set(key, StringValue(s)) }
func (b *Builder) SetInt64(key string, i int64) *Builder {
	return b.Set(key, Int64Value(i))
}
func (b *Builder) SetBlob(key string, p []byte) *Builder { return b.Set(key, BlobValue(p)) }
func (b *Builder) SetDict(key string, m *Message) *Builder {
	return b.Set(key, DictValue(m))
}

func (b *Builder) Delete(key string) *Builder {
	delete(b.fields, key)
	return b
}

// Correlate binds the built message to an inbound request.
func (b *Builder) Correlate(c Correlation) *Builder {
	b.corr = c
	return b
}

func (b *Builder) Correlation() Correlation { return b.corr }

// Build returns an immutable snapshot; the builder stays usable.
func (b *Builder) Build() *Message {
	out := &Message{fields: make(map[string]Value, len(b.fields)), corr: b.corr}
	for k, v := range b.fields {
		out.fields[k] = cloneValue(v)
	}
	return out
}
