package api

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAccessors(t *testing.T) {
	nested := NewBuilder().SetString("k", "v").Build()
	m := NewBuilder().
		SetString("type", "echo").
		SetInt64("a", -7).
		SetBlob("raw", []byte{1, 2, 3}).
		SetDict("meta", nested).
		Build()

	s, ok := m.GetString("type")
	require.True(t, ok)
	assert.Equal(t, "echo", s)

	i, ok := m.GetInt64("a")
	require.True(t, ok)
	assert.Equal(t, int64(-7), i)

	_, ok = m.GetString("a")
	assert.False(t, ok, "int field must not read as string")

	_, ok = m.GetInt64("missing")
	assert.False(t, ok)

	d, ok := m.GetDict("meta")
	require.True(t, ok)
	assert.True(t, d.Equal(nested))

	assert.Equal(t, []string{"a", "meta", "raw", "type"}, m.Keys())
	assert.Equal(t, 4, m.Len())
}

func TestMessageImmutable(t *testing.T) {
	raw := []byte("abc")
	b := NewBuilder().SetBlob("raw", raw)
	m := b.Build()
	raw[0] = 'X'
	b.SetString("extra", "later")

	got, ok := m.GetBlob("raw")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'Y'
	again, _ := m.GetBlob("raw")
	assert.Equal(t, []byte("abc"), again)
	assert.False(t, m.Has("extra"))
}

func TestNilMessage(t *testing.T) {
	var m *Message
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Has("type"))
	assert.True(t, m.Equal(NewBuilder().Build()))
	assert.Equal(t, "{}", m.String())
	assert.True(t, m.Correlation().IsZero())
}

func TestCorrelationNotPartOfEquality(t *testing.T) {
	m := NewBuilder().SetString("response", "pong").Build()
	c := m.WithCorrelation(Correlation{Conn: "c1", Seq: 9})
	assert.True(t, m.Equal(c))
	assert.Equal(t, uint64(9), c.Correlation().Seq)
	assert.True(t, m.Correlation().IsZero())
	assert.True(t, c.Clone().Correlation().IsZero())
}

func TestEncodeDecodeMessage(t *testing.T) {
	m := NewBuilder().
		SetString("type", "add").
		SetString("empty", "").
		SetInt64("min", math.MinInt64).
		SetInt64("max", math.MaxInt64).
		SetBlob("raw", []byte{0, 255}).
		SetDict("meta", NewBuilder().SetInt64("depth", 1).Build()).
		Build()

	got, err := DecodeMessage(EncodeMessage(m))
	require.NoError(t, err)
	assert.True(t, m.Equal(got), "got %s want %s", got, m)
	assert.Equal(t, EncodeMessage(m), EncodeMessage(got), "encoding must be deterministic")
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	// entry with a value but no key
	entry := []byte{0x12, 0x01, 'x'}
	buf := append([]byte{0x0a, byte(len(entry))}, entry...)
	_, err = DecodeMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)

	// string value that is not UTF-8
	entry = []byte{0x0a, 0x01, 'k', 0x12, 0x02, 0xff, 0xfe}
	buf = append([]byte{0x0a, byte(len(entry))}, entry...)
	_, err = DecodeMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)

	// the same bytes are fine as a blob
	entry = []byte{0x0a, 0x01, 'k', 0x22, 0x02, 0xff, 0xfe}
	buf = append([]byte{0x0a, byte(len(entry))}, entry...)
	m, err := DecodeMessage(buf)
	require.NoError(t, err)
	blob, ok := m.GetBlob("k")
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0xfe}, blob)
}

func TestDecodeDepthLimit(t *testing.T) {
	m := NewBuilder().SetString("leaf", "x").Build()
	for i := 0; i < maxDepth+2; i++ {
		m = NewBuilder().SetDict("d", m).Build()
	}
	_, err := DecodeMessage(EncodeMessage(m))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestToMapJSON(t *testing.T) {
	m := NewBuilder().SetString("status", "running").SetInt64("pid", 42).Build()
	out, err := json.Marshal(m.ToMap())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":42,"status":"running"}`, string(out))
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
