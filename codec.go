package pool

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// Tag identifies a frame's message kind on the wire. Tags
// 0x01-0x05 are reserved for the control plane; 0x06 and above name
// caller-registered user message variants.
type Tag uint16

const (
	TagDisconnect  Tag = 0x01
	TagBootstrap   Tag = 0x02
	TagAdvertise   Tag = 0x03
	TagSwapRequest Tag = 0x04
	TagSwapAck     Tag = 0x05
	firstUserTag   Tag = 0x06
)

// maxControlLength bounds the payload of the reserved control tags, which
// have no caller-registered codec to carry a per-tag limit. Oversized
// control frames are rejected by length before any decode is attempted,
// the same treatment user tags get from their codec's MaxLength.
const maxControlLength = 64 * 1024

// Frame is a single decoded tagged message, the atomic unit of the wire
// protocol.
type Frame struct {
	Tag     Tag
	Payload []byte
}

const frameHeaderSize = 2 // Tag, encoded big-endian

// EncodeFrame prefixes payload with its tag, ready for Session.WriteFrame.
func EncodeFrame(tag Tag, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(tag))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// DecodeFrame splits a raw frame into its tag and payload.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderSize {
		return Frame{}, ErrDecodingError
	}
	return Frame{
		Tag:     Tag(binary.BigEndian.Uint16(raw)),
		Payload: raw[frameHeaderSize:],
	}, nil
}

// Disconnect carries no fields: receiving this tag closes the connection
// gracefully.
type Disconnect struct{}

// Bootstrap carries no fields: it requests a sample of known points.
type Bootstrap struct{}

// Advertise carries a sample of known points, merged into the receiver's
// known-set (bounded by GC); it never triggers an auto-connect.
type Advertise struct {
	Points []AdvertisedPoint
}

// AdvertisedPoint is one entry of an Advertise payload.
type AdvertisedPoint struct {
	Host string
	Port string
}

// SwapRequest asks the receiving connection's peer to connect to the
// named point in place of the sender.
type SwapRequest struct {
	Host string
	Port string
	Peer PeerID
}

// SwapAck acknowledges a completed swap, naming the victim that was
// disconnected in its place.
type SwapAck struct {
	Host string
	Port string
	Peer PeerID
}

// gobEncode/gobDecode implement the control-message codec using
// encoding/gob.
func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// MessageCodec is one entry of the heterogeneous user-message codec
// table, dispatched dynamically by tag.
type MessageCodec interface {
	// Tag is this variant's frame tag; must be >= firstUserTag.
	Tag() Tag
	// MaxLength bounds the decoded payload size; frames over this limit
	// are rejected as Decoding_error.
	MaxLength() uint32
	// Decode turns raw bytes into an application message.
	Decode(payload []byte) (interface{}, error)
	// Encode turns an application message back into bytes, or an error
	// if msg does not belong to this codec.
	Encode(msg interface{}) ([]byte, error)
}

// CodecRegistry is the caller-supplied table of user-message variants
// installed on a Pool, one per registered tag.
type CodecRegistry struct {
	byTag map[Tag]MessageCodec
}

// NewCodecRegistry builds a registry from a set of codecs, rejecting
// duplicate or reserved tags.
func NewCodecRegistry(codecs ...MessageCodec) (*CodecRegistry, error) {
	r := &CodecRegistry{byTag: make(map[Tag]MessageCodec)}
	for _, c := range codecs {
		if c.Tag() < firstUserTag {
			return nil, fmt.Errorf("pool: codec tag %#x collides with a reserved control tag", c.Tag())
		}
		if _, exists := r.byTag[c.Tag()]; exists {
			return nil, fmt.Errorf("pool: duplicate codec tag %#x", c.Tag())
		}
		r.byTag[c.Tag()] = c
	}
	return r, nil
}

func (r *CodecRegistry) lookup(tag Tag) (MessageCodec, bool) {
	c, ok := r.byTag[tag]
	return c, ok
}

// BytesCodec is a minimal MessageCodec that passes payloads through
// unmodified, useful for callers who want raw []byte application
// messages rather than a typed codec.
type BytesCodec struct {
	tag    Tag
	maxLen uint32
}

// NewBytesCodec registers tag as a raw-bytes user message variant.
func NewBytesCodec(tag Tag, maxLen uint32) *BytesCodec {
	return &BytesCodec{tag: tag, maxLen: maxLen}
}

func (b *BytesCodec) Tag() Tag          { return b.tag }
func (b *BytesCodec) MaxLength() uint32 { return b.maxLen }
func (b *BytesCodec) Decode(payload []byte) (interface{}, error) {
	return payload, nil
}
func (b *BytesCodec) Encode(msg interface{}) ([]byte, error) {
	raw, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf("pool: BytesCodec.Encode: expected []byte, got %T", msg)
	}
	return raw, nil
}
