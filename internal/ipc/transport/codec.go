package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrame caps a single encoded frame (16MB).
const DefaultMaxFrame = 16 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// ErrBadFrame is returned for frames that cannot be parsed.
var ErrBadFrame = errors.New("bad frame")

// FrameKind distinguishes handshake and data frames.
type FrameKind uint8

const (
	FrameHello FrameKind = iota + 1
	FrameWelcome
	FrameReject
	FrameMessage
	FrameRequest
	FrameReply
	FrameGoodbye
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameWelcome:
		return "welcome"
	case FrameReject:
		return "reject"
	case FrameMessage:
		return "message"
	case FrameRequest:
		return "request"
	case FrameReply:
		return "reply"
	case FrameGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is the unit exchanged on a Stream. Body holds an encoded api.Message
// for message, request and reply frames.
type Frame struct {
	Kind     FrameKind
	Seq      uint64
	ReplyTo  uint64
	PID      int64
	Listener string
	MAC      []byte
	Reason   string
	Body     []byte
}

const (
	fKind     protowire.Number = 1
	fSeq      protowire.Number = 2
	fReplyTo  protowire.Number = 3
	fPID      protowire.Number = 4
	fListener protowire.Number = 5
	fMAC      protowire.Number = 6
	fReason   protowire.Number = 7
	fBody     protowire.Number = 8
)

// MarshalFrame encodes f in protobuf wire format. Zero fields are omitted.
func MarshalFrame(f Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, fKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.Seq != 0 {
		b = protowire.AppendTag(b, fSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Seq)
	}
	if f.ReplyTo != 0 {
		b = protowire.AppendTag(b, fReplyTo, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ReplyTo)
	}
	if f.PID != 0 {
		b = protowire.AppendTag(b, fPID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.PID))
	}
	if f.Listener != "" {
		b = protowire.AppendTag(b, fListener, protowire.BytesType)
		b = protowire.AppendString(b, f.Listener)
	}
	if len(f.MAC) > 0 {
		b = protowire.AppendTag(b, fMAC, protowire.BytesType)
		b = protowire.AppendBytes(b, f.MAC)
	}
	if f.Reason != "" {
		b = protowire.AppendTag(b, fReason, protowire.BytesType)
		b = protowire.AppendString(b, f.Reason)
	}
	if f.Body != nil {
		b = protowire.AppendTag(b, fBody, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Body)
	}
	return b
}

// UnmarshalFrame decodes a frame produced by MarshalFrame. Unknown fields are
// skipped.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fKind || num == fSeq || num == fReplyTo || num == fPID):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fKind:
				f.Kind = FrameKind(v)
			case fSeq:
				f.Seq = v
			case fReplyTo:
				f.ReplyTo = v
			case fPID:
				f.PID = int64(v)
			}
		case typ == protowire.BytesType && num >= fListener && num <= fBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fListener:
				f.Listener = string(v)
			case fMAC:
				f.MAC = append([]byte(nil), v...)
			case fReason:
				f.Reason = string(v)
			case fBody:
				f.Body = append([]byte{}, v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind < FrameHello || f.Kind > FrameGoodbye {
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, f.Kind)
	}
	return f, nil
}

// Framer reads and writes varint length-prefixed frames on a Stream. Writes
// are serialized; reads must come from a single goroutine.
type Framer struct {
	s   Stream
	br  *bufio.Reader
	max int

	wmu sync.Mutex
}

func NewFramer(s Stream, max int) *Framer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Framer{s: s, br: bufio.NewReader(s), max: max}
}

func (fr *Framer) Stream() Stream { return fr.s }

// WriteFrame writes a varint length then the encoded frame.
func (fr *Framer) WriteFrame(f Frame) error {
	return fr.WriteFrameBy(f, time.Time{})
}

// WriteFrameBy is WriteFrame with a write deadline; a zero deadline waits
// indefinitely. The read side is unaffected.
func (fr *Framer) WriteFrameBy(f Frame, deadline time.Time) error {
	b := MarshalFrame(f)
	if len(b) > fr.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(b), fr.max)
	}
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
	fr.wmu.Lock()
	defer fr.wmu.Unlock()
	if wd, ok := fr.s.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(deadline)
	}
	if _, err := fr.s.Write(append(lenbuf[:n:n], b...)); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads a single frame.
func (fr *Framer) ReadFrame() (Frame, error) {
	ln, err := binary.ReadUvarint(fr.br)
	if err != nil {
		return Frame{}, err
	}
	if ln > uint64(fr.max) {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, ln)
	}
	buf := make([]byte, ln)
	if _, err := io.ReadFull(fr.br, buf); err != nil {
		return Frame{}, err
	}
	return UnmarshalFrame(buf)
}

func (fr *Framer) Close() error { return fr.s.Close() }
