// Package amf3 provides encoding and decoding of Action Message Format 3 (AMF3) data.
// AMF3 is a compact binary format used by Adobe Flash for serializing ActionScript objects.
package amf3

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// AMF3 Data Types as defined in the AMF3 specification
//
//goland:noinspection ALL
const (
	AMF3TypeUndefined    = 0x00
	AMF3TypeNull         = 0x01
	AMF3TypeFalse        = 0x02
	AMF3TypeTrue         = 0x03
	AMF3TypeInteger      = 0x04
	AMF3TypeDouble       = 0x05
	AMF3TypeString       = 0x06
	AMF3TypeXMLDocument  = 0x07
	AMF3TypeDate         = 0x08
	AMF3TypeArray        = 0x09
	AMF3TypeObject       = 0x0A
	AMF3TypeXML          = 0x0B
	AMF3TypeByteArray    = 0x0C
	AMF3TypeVectorInt    = 0x0D // Not supported
	AMF3TypeVectorUInt   = 0x0E // Not supported
	AMF3TypeVectorDouble = 0x0F // Not supported
	AMF3TypeVectorObject = 0x10 // Not supported
	AMF3TypeDictionary   = 0x11 // Not supported
)

const maxU29 = 1<<29 - 1

// Classes whose externalized form is a single nested AMF3 value.
var externalizableClasses = map[string]bool{
	"flex.messaging.io.ArrayCollection": true,
	"flex.messaging.io.ObjectProxy":     true,
	"mx.collections.ArrayCollection":    true,
	"mx.collections.ArrayList":          true,
	"mx.utils.ObjectProxy":              true,
}

// IsExternalizable reports whether the codec knows the external form of
// className.
func IsExternalizable(className string) bool {
	return externalizableClasses[className]
}

type options struct {
	registry amf.Registry
}

// Option configures an encoder or decoder.
type Option func(*options)

// WithRegistry checks typed objects against reg on both encode and decode.
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

// AMF3Encoder provides encoding of values to AMF3 format. Each call to
// Encode starts with empty reference tables and writes to the underlying
// writer only once the whole value has been encoded.
//
//goland:noinspection ALL
type AMF3Encoder struct {
	writer io.Writer
	buf    bytes.Buffer
	w      *Writer
}

// NewAMF3Encoder creates a new AMF3 encoder that writes to the provided writer
func NewAMF3Encoder(w io.Writer, opts ...Option) *AMF3Encoder {
	o := buildOptions(opts)
	e := &AMF3Encoder{writer: w}
	e.w = NewWriter(&e.buf, o.registry)
	return e
}

// Encode encodes a value to AMF3 format
func (e *AMF3Encoder) Encode(value amf.Value) error {
	e.buf.Reset()
	e.w.Reset()
	if err := e.w.WriteValue(value); err != nil {
		return err
	}
	if _, err := e.writer.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write AMF3 value: %w", err)
	}
	return nil
}

// AMF3Decoder provides decoding of AMF3 format to values
//
//goland:noinspection ALL
type AMF3Decoder struct {
	r *Reader
}

// NewAMF3Decoder creates a new AMF3 decoder that reads from the provided
// reader. The decoder never reads past the end of a value.
func NewAMF3Decoder(r io.Reader, opts ...Option) *AMF3Decoder {
	o := buildOptions(opts)
	return &AMF3Decoder{r: NewReader(r, o.registry)}
}

// Decode reads the next value with fresh reference tables. It returns io.EOF
// when the reader is exhausted before a value starts.
func (d *AMF3Decoder) Decode() (amf.Value, error) {
	d.r.Reset()
	marker, err := d.r.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read AMF3 marker: %w", err)
	}
	return d.r.readMarker(marker)
}

// DecodeMarker is Decode for a value whose marker byte the caller has
// already consumed.
func (d *AMF3Decoder) DecodeMarker(marker byte) (amf.Value, error) {
	d.r.Reset()
	return d.r.readMarker(marker)
}

// Marshal encodes a single value.
func Marshal(value amf.Value, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewAMF3Encoder(&buf, opts...).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one value from data.
func Unmarshal(data []byte, opts ...Option) (amf.Value, error) {
	r := bytes.NewReader(data)
	v, err := NewAMF3Decoder(r, opts...).Decode()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty AMF3 input: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after AMF3 value", amf.ErrMalformed, r.Len())
	}
	return v, nil
}
