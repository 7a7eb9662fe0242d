package event

import (
	"github.com/golang/snappy"

	"groupkit/view"
)

// compressThreshold is the payload size at or above which Message payloads are
// snappy-compressed before a Header frames them for the wire. Small
// payloads (the common case: control frames, empty GET_STATE_OK) are
// left alone since snappy's frame overhead would net-lose.
const compressThreshold = 256

// Message is the immutable frame carried by MSG events: an optional
// destination (nil means multicast), a source, a payload, and a set of
// protocol-keyed headers. Per spec.md §4.1 the header map is
// copy-on-attach: WithHeader never mutates the receiver, so a
// downstream protocol can never retroactively change what an upstream
// one saw.
type Message struct {
	Dest    *view.Address
	Src     view.Address
	Payload []byte
	headers map[int]Header
}

// NewMessage builds a Message with no headers attached yet.
func NewMessage(dest *view.Address, src view.Address, payload []byte) Message {
	return Message{Dest: dest, Src: src, Payload: payload}
}

// WithHeader returns a copy of m with header attached under protocol id
// id. The receiver's header map is not mutated.
func (m Message) WithHeader(id int, h Header) Message {
	cp := make(map[int]Header, len(m.headers)+1)
	for k, v := range m.headers {
		cp[k] = v
	}
	cp[id] = h
	m.headers = cp
	return m
}

// Header returns the header a protocol registered under id, or nil if
// none was attached.
func (m Message) Header(id int) Header {
	if m.headers == nil {
		return nil
	}
	return m.headers[id]
}

// IsMulticast reports whether m has no destination.
func (m Message) IsMulticast() bool {
	return m.Dest == nil
}

// CompressPayload returns a copy of the payload suitable for framing:
// snappy-encoded when it's worth it, alongside whether compression was
// applied (a Header needs this bit to frame a decode hint).
func CompressPayload(payload []byte) (out []byte, compressed bool) {
	if len(payload) < compressThreshold {
		return payload, false
	}
	return snappy.Encode(nil, payload), true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	return snappy.Decode(nil, payload)
}
