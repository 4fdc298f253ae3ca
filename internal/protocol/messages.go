package protocol

import (
	"fmt"
	"time"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Flex class names
const (
	ClassRemotingMessage    = "flex.messaging.messages.RemotingMessage"
	ClassAcknowledgeMessage = "flex.messaging.messages.AcknowledgeMessage"
	ClassErrorMessage       = "flex.messaging.messages.ErrorMessage"

	ClassArrayCollection   = "flex.messaging.io.ArrayCollection"
	ClassObjectProxy       = "flex.messaging.io.ObjectProxy"
	ClassMXArrayCollection = "mx.collections.ArrayCollection"
	ClassMXArrayList       = "mx.collections.ArrayList"
	ClassMXObjectProxy     = "mx.utils.ObjectProxy"
)

var (
	remotingMessageTraits = &amf.Traits{
		ClassName: ClassRemotingMessage,
		Members: []string{
			"body", "clientId", "destination", "headers", "messageId",
			"operation", "source", "timestamp", "timeToLive",
		},
	}
	acknowledgeMessageTraits = &amf.Traits{
		ClassName: ClassAcknowledgeMessage,
		Members: []string{
			"body", "clientId", "correlationId", "destination", "headers",
			"messageId", "timestamp", "timeToLive",
		},
	}
	errorMessageTraits = &amf.Traits{
		ClassName: ClassErrorMessage,
		Members: []string{
			"body", "clientId", "correlationId", "destination", "extendedData",
			"faultCode", "faultDetail", "faultString", "headers", "messageId",
			"rootCause", "timestamp", "timeToLive",
		},
	}

	collectionClasses = []string{
		ClassArrayCollection, ClassObjectProxy,
		ClassMXArrayCollection, ClassMXArrayList, ClassMXObjectProxy,
	}
)

// DefaultRegistry returns a registry holding the Flex message classes and
// the externalizable collection classes.
func DefaultRegistry() *amf.ClassRegistry {
	reg := amf.NewClassRegistry().MustRegister(
		remotingMessageTraits,
		acknowledgeMessageTraits,
		errorMessageTraits,
	)
	for _, name := range collectionClasses {
		reg.MustRegister(&amf.Traits{ClassName: name, Externalizable: true})
	}
	return reg
}

// MessageHeaders are the broker headers of a Flex message.
type MessageHeaders struct {
	Endpoint string `amf:"DSEndpoint"`
	ID       string `amf:"DSId"`
}

// RemotingMessage represents a flex.messaging.messages.RemotingMessage.
type RemotingMessage struct {
	Body        []amf.Value    `amf:"-"`
	ClientID    string         `amf:"clientId"`
	Destination string         `amf:"destination"`
	Headers     MessageHeaders `amf:"headers"`
	MessageID   string         `amf:"messageId"`
	Operation   string         `amf:"operation"`
	Source      string         `amf:"source"`
	Timestamp   float64        `amf:"timestamp"`
	TimeToLive  float64        `amf:"timeToLive"`
}

// Value returns the message as a typed object. An unknown broker id is sent
// as "nil".
func (m *RemotingMessage) Value() *amf.Object {
	dsID := m.Headers.ID
	if dsID == "" {
		dsID = "nil"
	}
	body := m.Body
	if body == nil {
		body = []amf.Value{}
	}
	headers := amf.NewObject("",
		amf.Property{Key: "DSEndpoint", Value: optionalString(m.Headers.Endpoint)},
		amf.Property{Key: "DSId", Value: amf.String(dsID)},
	)
	return &amf.Object{
		ClassName: ClassRemotingMessage,
		Traits:    remotingMessageTraits,
		Properties: []amf.Property{
			{Key: "body", Value: amf.NewArray(body...)},
			{Key: "clientId", Value: optionalString(m.ClientID)},
			{Key: "destination", Value: amf.String(m.Destination)},
			{Key: "headers", Value: headers},
			{Key: "messageId", Value: amf.String(m.MessageID)},
			{Key: "operation", Value: amf.String(m.Operation)},
			{Key: "source", Value: optionalString(m.Source)},
			{Key: "timestamp", Value: amf.Number(m.Timestamp)},
			{Key: "timeToLive", Value: amf.Number(m.TimeToLive)},
		},
	}
}

// AcknowledgeMessage represents a flex.messaging.messages.AcknowledgeMessage.
type AcknowledgeMessage struct {
	Body          amf.Value      `amf:"-"`
	ClientID      string         `amf:"clientId"`
	CorrelationID string         `amf:"correlationId"`
	Destination   string         `amf:"destination"`
	Headers       map[string]any `amf:"headers"`
	MessageID     string         `amf:"messageId"`
	Timestamp     time.Time      `amf:"timestamp"`
	TimeToLive    float64        `amf:"timeToLive"`
}

// Value returns the message as a typed object.
func (m *AcknowledgeMessage) Value() *amf.Object {
	return &amf.Object{
		ClassName: ClassAcknowledgeMessage,
		Traits:    acknowledgeMessageTraits,
		Properties: []amf.Property{
			{Key: "body", Value: orNull(m.Body)},
			{Key: "clientId", Value: optionalString(m.ClientID)},
			{Key: "correlationId", Value: amf.String(m.CorrelationID)},
			{Key: "destination", Value: optionalString(m.Destination)},
			{Key: "headers", Value: amf.NewObject("")},
			{Key: "messageId", Value: amf.String(m.MessageID)},
			{Key: "timestamp", Value: millis(m.Timestamp)},
			{Key: "timeToLive", Value: amf.Number(m.TimeToLive)},
		},
	}
}

// ErrorMessage represents a flex.messaging.messages.ErrorMessage.
type ErrorMessage struct {
	AcknowledgeMessage `amf:",squash"`

	ExtendedData any    `amf:"extendedData"`
	FaultCode    string `amf:"faultCode"`
	FaultDetail  string `amf:"faultDetail"`
	FaultString  string `amf:"faultString"`
	RootCause    any    `amf:"rootCause"`
}

func (m *ErrorMessage) Error() string {
	if m.FaultDetail != "" {
		return fmt.Sprintf("%s: %s (%s)", m.FaultCode, m.FaultString, m.FaultDetail)
	}
	return fmt.Sprintf("%s: %s", m.FaultCode, m.FaultString)
}

// Value returns the message as a typed object.
func (m *ErrorMessage) Value() *amf.Object {
	return &amf.Object{
		ClassName: ClassErrorMessage,
		Traits:    errorMessageTraits,
		Properties: []amf.Property{
			{Key: "body", Value: orNull(m.Body)},
			{Key: "clientId", Value: optionalString(m.ClientID)},
			{Key: "correlationId", Value: amf.String(m.CorrelationID)},
			{Key: "destination", Value: optionalString(m.Destination)},
			{Key: "extendedData", Value: amf.Null{}},
			{Key: "faultCode", Value: amf.String(m.FaultCode)},
			{Key: "faultDetail", Value: optionalString(m.FaultDetail)},
			{Key: "faultString", Value: amf.String(m.FaultString)},
			{Key: "headers", Value: amf.NewObject("")},
			{Key: "messageId", Value: amf.String(m.MessageID)},
			{Key: "rootCause", Value: amf.Null{}},
			{Key: "timestamp", Value: millis(m.Timestamp)},
			{Key: "timeToLive", Value: amf.Number(m.TimeToLive)},
		},
	}
}

// ParseRemotingMessage parses a RemotingMessage typed object.
func (p *MessageParser) ParseRemotingMessage(v amf.Value) (*RemotingMessage, error) {
	obj, err := flexObject(v, ClassRemotingMessage)
	if err != nil {
		return nil, err
	}
	msg := &RemotingMessage{}
	if err := amf.Bind(obj, msg); err != nil {
		return nil, fmt.Errorf("failed to parse remoting message: %w", err)
	}
	if body, ok := obj.Get("body"); ok {
		switch b := body.(type) {
		case *amf.Array:
			msg.Body = b.Elements
		case amf.Null, amf.Undefined:
		default:
			msg.Body = []amf.Value{b}
		}
	}
	if msg.Headers.ID == "nil" {
		msg.Headers.ID = ""
	}
	return msg, nil
}

// ParseAcknowledge parses an AcknowledgeMessage typed object.
func (p *MessageParser) ParseAcknowledge(v amf.Value) (*AcknowledgeMessage, error) {
	obj, err := flexObject(v, ClassAcknowledgeMessage)
	if err != nil {
		return nil, err
	}
	msg := &AcknowledgeMessage{}
	if err := amf.Bind(obj, msg); err != nil {
		return nil, fmt.Errorf("failed to parse acknowledge message: %w", err)
	}
	msg.Body, _ = obj.Get("body")
	return msg, nil
}

// ParseError parses an ErrorMessage typed object.
func (p *MessageParser) ParseError(v amf.Value) (*ErrorMessage, error) {
	obj, err := flexObject(v, ClassErrorMessage)
	if err != nil {
		return nil, err
	}
	msg := &ErrorMessage{}
	if err := amf.Bind(obj, msg); err != nil {
		return nil, fmt.Errorf("failed to parse error message: %w", err)
	}
	msg.Body, _ = obj.Get("body")
	return msg, nil
}

func flexObject(v amf.Value, className string) (*amf.Object, error) {
	obj, ok := v.(*amf.Object)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %T", amf.ErrMalformed, className, v)
	}
	if obj.Class() != className {
		return nil, fmt.Errorf("%w: expected %s, got class %q", amf.ErrMalformed, className, obj.Class())
	}
	return obj, nil
}

// UnwrapCollections replaces Flex collection and proxy objects with the
// value they wrap, at any depth. Arrays and objects are updated in place.
func UnwrapCollections(v amf.Value) amf.Value {
	return (&unwrapper{seen: make(map[amf.Value]bool)}).unwrap(v)
}

type unwrapper struct {
	seen map[amf.Value]bool
}

func (u *unwrapper) unwrap(v amf.Value) amf.Value {
	if amf.IsNil(v) {
		return v
	}
	switch x := v.(type) {
	case *amf.Object:
		if x.External != nil && isCollection(x.Class()) {
			return u.unwrap(x.External)
		}
		if u.seen[x] {
			return x
		}
		u.seen[x] = true
		for i := range x.Properties {
			x.Properties[i].Value = u.unwrap(x.Properties[i].Value)
		}
	case *amf.Array:
		if u.seen[x] {
			return x
		}
		u.seen[x] = true
		for i := range x.Elements {
			x.Elements[i] = u.unwrap(x.Elements[i])
		}
	case *amf.AssociativeArray:
		if u.seen[x] {
			return x
		}
		u.seen[x] = true
		for i := range x.Dense {
			x.Dense[i] = u.unwrap(x.Dense[i])
		}
		for i := range x.Pairs {
			x.Pairs[i].Value = u.unwrap(x.Pairs[i].Value)
		}
	}
	return v
}

func isCollection(className string) bool {
	for _, name := range collectionClasses {
		if name == className {
			return true
		}
	}
	return false
}

func optionalString(s string) amf.Value {
	if s == "" {
		return amf.Null{}
	}
	return amf.String(s)
}

func orNull(v amf.Value) amf.Value {
	if v == nil {
		return amf.Null{}
	}
	return v
}

func millis(t time.Time) amf.Value {
	if t.IsZero() {
		return amf.Number(0)
	}
	return amf.Number(t.UnixMilli())
}
