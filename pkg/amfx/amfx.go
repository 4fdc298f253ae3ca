// Package amfx encodes and decodes AMFX, the XML rendering of AMF3 values and
// remoting envelopes used by BlazeDS HTTP channels.
//
// Values share the amf value model. Strings, traits and complex values are
// referenced by index the same way AMF3 does it, and each header or body
// value starts with fresh reference tables. Externalizable collections carry
// their AMF3 encoded payload in a bytearray element.
package amfx

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// Namespace is the XML namespace of AMFX documents.
const Namespace = "http://www.macromedia.com/2005/amfx"

// AMFX element names
//
//goland:noinspection ALL
const (
	AMFXTypeNull       = "null"
	AMFXTypeUndefined  = "undefined"
	AMFXTypeTrue       = "true"
	AMFXTypeFalse      = "false"
	AMFXTypeInteger    = "int"
	AMFXTypeDouble     = "double"
	AMFXTypeString     = "string"
	AMFXTypeDate       = "date"
	AMFXTypeArray      = "array"
	AMFXTypeItem       = "item"
	AMFXTypeObject     = "object"
	AMFXTypeTraits     = "traits"
	AMFXTypeReference  = "ref"
	AMFXTypeXML        = "xml"
	AMFXTypeByteArray  = "bytearray"
	AMFXTypeDictionary = "dictionary" // Not supported
	AMFXTypeVector     = "vector"     // Not supported
)

const (
	elementEnvelope = "amfx"
	elementHeader   = "header"
	elementBody     = "body"
	version         = "3"
)

type options struct {
	registry amf.Registry
	logger   *log.Logger
}

// Option configures an Encoder or Decoder.
type Option func(*options)

// WithRegistry checks typed objects against reg in both directions.
func WithRegistry(reg amf.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger traces a summary of every envelope to l.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Encode encodes env into a new AMFX document.
func Encode(env *remoting.Envelope, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, opts...).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes exactly one AMFX document from data.
func Decode(data []byte, opts ...Option) (*remoting.Envelope, error) {
	d := NewDecoder(bytes.NewReader(data), opts...)
	env, err := d.Decode()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty AMFX document: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if err := d.r.trailing(); err != nil {
		return nil, err
	}
	return env, nil
}

// Marshal encodes a single value.
func Marshal(value amf.Value, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	w := newWriter(&buf, buildOptions(opts).registry)
	if err := w.writeValue(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one value from data.
func Unmarshal(data []byte, opts ...Option) (amf.Value, error) {
	r := newReader(xml.NewDecoder(bytes.NewReader(data)), buildOptions(opts).registry)
	start, err := r.root()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty AMFX value: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	v, err := r.readValue(start)
	if err != nil {
		return nil, err
	}
	if err := r.trailing(); err != nil {
		return nil, err
	}
	return v, nil
}
