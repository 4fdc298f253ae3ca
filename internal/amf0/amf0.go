// Package amf0 implements Action Message Format 0 (AMF0) encoding and decoding.
// Values that only exist in AMF3 are carried through the AVM+ marker, which
// switches the rest of the value to AMF3.
package amf0

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// AMF0 Data Types as defined in the AMF0 specification
//
//goland:noinspection ALL
const (
	AMF0TypeNumber      = 0x00
	AMF0TypeBoolean     = 0x01
	AMF0TypeString      = 0x02
	AMF0TypeObject      = 0x03
	AMF0TypeMovieClip   = 0x04 // Reserved, not supported
	AMF0TypeNull        = 0x05
	AMF0TypeUndefined   = 0x06
	AMF0TypeReference   = 0x07
	AMF0TypeEcmaArray   = 0x08
	AMF0TypeObjectEnd   = 0x09
	AMF0TypeStrictArray = 0x0A
	AMF0TypeDate        = 0x0B
	AMF0TypeLongString  = 0x0C
	AMF0TypeUnsupported = 0x0D
	AMF0TypeRecordset   = 0x0E // Reserved, not supported
	AMF0TypeXMLDocument = 0x0F
	AMF0TypeTypedObject = 0x10
	AMF0TypeAVMPlus     = 0x11 // Switch to AMF3
)

// Reference indices are written as 16-bit values.
const maxReference = 0xFFFF

type options struct {
	registry amf.Registry
}

// Option configures an encoder or decoder.
type Option func(*options)

// WithRegistry checks typed objects against reg on both encode and decode.
// Decoded typed objects get the registered traits attached.
func WithRegistry(reg amf.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Marshal encodes a single value.
func Marshal(value amf.Value, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewAMF0Encoder(&buf, opts...).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one value from data.
func Unmarshal(data []byte, opts ...Option) (amf.Value, error) {
	r := bytes.NewReader(data)
	v, err := NewAMF0Decoder(r, opts...).Decode()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty AMF0 input: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after AMF0 value", amf.ErrMalformed, r.Len())
	}
	return v, nil
}
