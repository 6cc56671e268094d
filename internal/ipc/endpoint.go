package ipc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadEndpoint is returned when an endpoint token cannot be parsed.
var ErrBadEndpoint = errors.New("bad endpoint token")

const endpointPrefix = "conduit1."

// Endpoint is a copyable capability naming one Listener. It stays usable only
// while that Listener exists.
type Endpoint struct {
	Network string
	Address string
	ID      string
	MAC     []byte
}

func (e Endpoint) IsZero() bool { return e.ID == "" }

// MarshalText renders the token as conduit1.<base64url>.
func (e Endpoint) MarshalText() ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, e.Network)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, e.Address)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, e.MAC)
	return []byte(endpointPrefix + base64.RawURLEncoding.EncodeToString(b)), nil
}

func (e *Endpoint) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if !strings.HasPrefix(s, endpointPrefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrBadEndpoint, endpointPrefix)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, endpointPrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	var out Endpoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadEndpoint, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadEndpoint, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadEndpoint, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			out.Network = string(v)
		case 2:
			out.Address = string(v)
		case 3:
			out.ID = string(v)
		case 4:
			out.MAC = append([]byte(nil), v...)
		}
	}
	if out.Network == "" || out.ID == "" {
		return fmt.Errorf("%w: incomplete token", ErrBadEndpoint)
	}
	*e = out
	return nil
}

func (e Endpoint) String() string {
	b, err := e.MarshalText()
	if err != nil {
		return "<invalid endpoint>"
	}
	return string(b)
}

// ParseEndpoint parses the text form produced by Endpoint.String.
func ParseEndpoint(s string) (Endpoint, error) {
	var e Endpoint
	err := e.UnmarshalText([]byte(s))
	return e, err
}
