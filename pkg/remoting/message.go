package remoting

import (
	"fmt"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Version is the AMF version declared by an envelope. It selects the body
// encoding; headers are always AMF0.
type Version uint16

const (
	// Version0 encodes bodies in AMF0.
	Version0 Version = 0

	// Version3 encodes bodies in AMF3, behind the AVM+ marker.
	Version3 Version = 3
)

// String returns the string representation of the version.
func (v Version) String() string {
	switch v {
	case Version0:
		return "AMF0"
	case Version3:
		return "AMF3"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(v))
	}
}

func (v Version) valid() bool {
	return v == Version0 || v == Version3
}

// Envelope represents a remoting packet.
type Envelope struct {
	// Version selects the body encoding.
	Version Version

	// Headers are the packet level headers in wire order.
	Headers []Header

	// Bodies are the request or response messages in wire order.
	Bodies []Body
}

// Header represents an envelope header.
type Header struct {
	// Name identifies the header.
	Name string

	// MustUnderstand asks the receiver to reject the packet when it does not
	// know the header.
	MustUnderstand bool

	// Value is the header payload.
	Value amf.Value
}

// Body represents a single request or response message.
type Body struct {
	// Target names the operation for requests, or "/<id>/onResult" and
	// "/<id>/onStatus" for responses.
	Target string

	// Response names the callback for requests and is "null" in responses.
	Response string

	// Value is the message payload.
	Value amf.Value
}

// NewEnvelope creates an envelope with no headers or bodies.
func NewEnvelope(version Version) *Envelope {
	return &Envelope{Version: version}
}

// AddHeader appends a header and returns the envelope.
func (e *Envelope) AddHeader(name string, mustUnderstand bool, value amf.Value) *Envelope {
	e.Headers = append(e.Headers, Header{Name: name, MustUnderstand: mustUnderstand, Value: value})
	return e
}

// AddBody appends a body and returns the envelope.
func (e *Envelope) AddBody(target, response string, value amf.Value) *Envelope {
	e.Bodies = append(e.Bodies, Body{Target: target, Response: response, Value: value})
	return e
}

// Header returns the first header named name.
func (e *Envelope) Header(name string) (Header, bool) {
	for _, h := range e.Headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// Equal reports whether both envelopes carry the same version, headers and
// bodies, comparing values with amf.Equal.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Version != o.Version || len(e.Headers) != len(o.Headers) || len(e.Bodies) != len(o.Bodies) {
		return false
	}
	for i, h := range e.Headers {
		g := o.Headers[i]
		if h.Name != g.Name || h.MustUnderstand != g.MustUnderstand || !amf.Equal(h.Value, g.Value) {
			return false
		}
	}
	for i, b := range e.Bodies {
		g := o.Bodies[i]
		if b.Target != g.Target || b.Response != g.Response || !amf.Equal(b.Value, g.Value) {
			return false
		}
	}
	return true
}
