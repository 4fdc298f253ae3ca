// Package protocol implements Flex remoting on top of AMF envelopes.
// This package provides call and response body generation and parsing
// for remoting operations, and the Flex message classes exchanged in them.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// ResponseStatus represents the outcome named by a response target.
type ResponseStatus string

// Response statuses
const (
	StatusResult ResponseStatus = "onResult"
	StatusFault  ResponseStatus = "onStatus"
)

// NullResponse is the response name of bodies that expect no reply.
const NullResponse = "null"

// Response represents a parsed response body.
type Response struct {
	TID    string
	Status ResponseStatus
	Value  amf.Value
}

// Failed reports whether the call ended in a fault.
func (r *Response) Failed() bool {
	return r.Status == StatusFault
}

// MessageParser parses remoting response bodies.
type MessageParser struct{}

// NewMessageParser creates a new message parser.
func NewMessageParser() *MessageParser {
	return &MessageParser{}
}

// ParseResponse parses a response body. Flex collections in the value are
// replaced by their contents.
func (p *MessageParser) ParseResponse(body remoting.Body) (*Response, error) {
	tid, status, err := ParseResponseTarget(body.Target)
	if err != nil {
		return nil, err
	}
	return &Response{
		TID:    tid,
		Status: status,
		Value:  UnwrapCollections(body.Value),
	}, nil
}

// ParseEnvelope parses every body of a response envelope.
func (p *MessageParser) ParseEnvelope(env *remoting.Envelope) ([]*Response, error) {
	responses := make([]*Response, 0, len(env.Bodies))
	for i, body := range env.Bodies {
		r, err := p.ParseResponse(body)
		if err != nil {
			return nil, fmt.Errorf("body %d: %w", i, err)
		}
		responses = append(responses, r)
	}
	return responses, nil
}

// ParseResponseTarget splits a response target such as "/1/onResult" into
// the transaction id and the status.
func ParseResponseTarget(target string) (string, ResponseStatus, error) {
	parts := strings.Split(target, "/")
	if len(parts) != 3 || parts[0] != "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: response target %q", amf.ErrMalformed, target)
	}

	status := ResponseStatus(parts[2])
	switch status {
	case StatusResult, StatusFault:
		return parts[1], status, nil
	}
	return "", "", fmt.Errorf("%w: unknown response status %q", amf.ErrMalformed, parts[2])
}

// MessageBuilder builds remoting bodies.
type MessageBuilder struct{}

// NewMessageBuilder creates a new message builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// BuildCall builds a call to action.method. The arguments are sent as a
// strict array and the reply comes back on "/<tid>/onResult" or
// "/<tid>/onStatus".
func (b *MessageBuilder) BuildCall(action, method string, tid int, args ...amf.Value) remoting.Body {
	if args == nil {
		args = []amf.Value{}
	}
	return remoting.Body{
		Target:   action + "." + method,
		Response: "/" + strconv.Itoa(tid),
		Value:    amf.NewArray(args...),
	}
}

// BuildRemotingCall builds a call carrying a Flex RemotingMessage, the way
// Flex clients talk to a message broker.
func (b *MessageBuilder) BuildRemotingCall(msg *RemotingMessage, tid int) remoting.Body {
	return remoting.Body{
		Target:   NullResponse,
		Response: "/" + strconv.Itoa(tid),
		Value:    amf.NewArray(msg.Value()),
	}
}

// BuildResult builds a successful response to transaction tid.
func (b *MessageBuilder) BuildResult(tid string, value amf.Value) remoting.Body {
	return b.buildResponse(tid, StatusResult, value)
}

// BuildFault builds a failed response to transaction tid.
func (b *MessageBuilder) BuildFault(tid string, value amf.Value) remoting.Body {
	return b.buildResponse(tid, StatusFault, value)
}

func (b *MessageBuilder) buildResponse(tid string, status ResponseStatus, value amf.Value) remoting.Body {
	return remoting.Body{
		Target:   "/" + tid + "/" + string(status),
		Response: NullResponse,
		Value:    value,
	}
}

// BuildEnvelope collects bodies into an envelope of the given version.
func (b *MessageBuilder) BuildEnvelope(version remoting.Version, bodies ...remoting.Body) *remoting.Envelope {
	env := remoting.NewEnvelope(version)
	env.Bodies = append(env.Bodies, bodies...)
	return env
}
