// Package remoting encodes and decodes AMF remoting envelopes: a version,
// a list of headers and a list of target/response bodies, each carrying one
// AMF value.
package remoting

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/DMA-Software/dma-goamf/internal/amf0"
	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Value lengths that mean the sender did not know the length.
const (
	lengthUnknown    = 0
	lengthUnknownAll = 0xFFFFFFFF
)

type options struct {
	registry amf.Registry
	logger   *log.Logger
}

// Option configures an Encoder or Decoder.
type Option func(*options)

// WithRegistry checks typed objects against reg in both codecs.
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

// Encoder writes envelopes to an io.Writer. An envelope is written in a
// single call to the writer once it has been fully encoded.
type Encoder struct {
	writer io.Writer
	opts   options
	buf    bytes.Buffer
	value  bytes.Buffer
	amf0   *amf0.AMF0Encoder
	amf3   *amf3.AMF3Encoder
}

// NewEncoder creates a new envelope encoder
func NewEncoder(w io.Writer, opts ...Option) *Encoder {
	e := &Encoder{writer: w, opts: buildOptions(opts)}
	e.amf0 = amf0.NewAMF0Encoder(&e.value, amf0.WithRegistry(e.opts.registry))
	e.amf3 = amf3.NewAMF3Encoder(&e.value, amf3.WithRegistry(e.opts.registry))
	return e
}

// Encode encodes env and writes it out.
func (e *Encoder) Encode(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", amf.ErrMalformed)
	}
	if !env.Version.valid() {
		return fmt.Errorf("envelope version %d: %w", uint16(env.Version), amf.ErrUnsupportedType)
	}
	e.buf.Reset()

	if err := binary.Write(&e.buf, binary.BigEndian, uint16(env.Version)); err != nil {
		return err
	}

	if err := e.writeCount(len(env.Headers), "headers"); err != nil {
		return err
	}
	for i, h := range env.Headers {
		if err := e.encodeHeader(h); err != nil {
			return fmt.Errorf("header %d (%s): %w", i, h.Name, err)
		}
	}

	if err := e.writeCount(len(env.Bodies), "bodies"); err != nil {
		return err
	}
	for i, b := range env.Bodies {
		if err := e.encodeBody(env.Version, b); err != nil {
			return fmt.Errorf("body %d (%s): %w", i, b.Target, err)
		}
	}

	if _, err := e.writer.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	e.opts.logf("remoting: encoded %s envelope, %d headers, %d bodies, %d bytes",
		env.Version, len(env.Headers), len(env.Bodies), e.buf.Len())
	return nil
}

func (e *Encoder) encodeHeader(h Header) error {
	if err := writeUTF8(&e.buf, h.Name); err != nil {
		return err
	}
	var flag byte
	if h.MustUnderstand {
		flag = 1
	}
	if err := e.buf.WriteByte(flag); err != nil {
		return err
	}
	e.value.Reset()
	if err := e.amf0.Encode(h.Value); err != nil {
		return err
	}
	return e.writeValue()
}

func (e *Encoder) encodeBody(version Version, b Body) error {
	if err := writeUTF8(&e.buf, b.Target); err != nil {
		return err
	}
	if err := writeUTF8(&e.buf, b.Response); err != nil {
		return err
	}
	e.value.Reset()
	if err := e.encodeBodyValue(version, b.Value); err != nil {
		return err
	}
	return e.writeValue()
}

func (e *Encoder) encodeBodyValue(version Version, v amf.Value) error {
	if version == Version0 {
		return e.amf0.Encode(v)
	}
	// AMF3 bodies switch over from AMF0 like Flash Player does
	e.value.WriteByte(amf0.AMF0TypeAVMPlus)
	return e.amf3.Encode(v)
}

// writeValue writes the encoded value with its 32-bit length prefix.
func (e *Encoder) writeValue() error {
	if uint64(e.value.Len()) > math.MaxUint32 {
		return fmt.Errorf("%w: value of %d bytes", amf.ErrOverflow, e.value.Len())
	}
	if err := binary.Write(&e.buf, binary.BigEndian, uint32(e.value.Len())); err != nil {
		return err
	}
	_, err := e.buf.Write(e.value.Bytes())
	return err
}

func (e *Encoder) writeCount(n int, what string) error {
	if n > math.MaxUint16 {
		return fmt.Errorf("%w: %d %s", amf.ErrOverflow, n, what)
	}
	return binary.Write(&e.buf, binary.BigEndian, uint16(n))
}

// Decoder reads envelopes from an io.Reader. It never reads past the end of
// an envelope, so several envelopes may be read from one stream.
type Decoder struct {
	reader *countingReader
	opts   options
	amf0   *amf0.AMF0Decoder
	amf3   *amf3.AMF3Decoder
}

// NewDecoder creates a new envelope decoder
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{reader: newCountingReader(r), opts: buildOptions(opts)}
	d.amf0 = amf0.NewAMF0Decoder(d.reader, amf0.WithRegistry(d.opts.registry))
	d.amf3 = amf3.NewAMF3Decoder(d.reader, amf3.WithRegistry(d.opts.registry))
	return d
}

// Decode reads the next envelope. It returns io.EOF when the reader is
// exhausted before an envelope starts.
func (d *Decoder) Decode() (*Envelope, error) {
	start := d.reader.n

	var version uint16
	if err := binary.Read(d.reader, binary.BigEndian, &version); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read envelope version: %w", amf.ReadError(err))
	}
	env := &Envelope{Version: Version(version)}
	if !env.Version.valid() {
		return nil, fmt.Errorf("envelope version %d: %w", version, amf.ErrUnsupportedType)
	}

	count, err := d.readCount("header")
	if err != nil {
		return nil, err
	}
	env.Headers = make([]Header, 0, count)
	for i := 0; i < count; i++ {
		h, err := d.decodeHeader()
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		env.Headers = append(env.Headers, h)
	}

	count, err = d.readCount("body")
	if err != nil {
		return nil, err
	}
	env.Bodies = make([]Body, 0, count)
	for i := 0; i < count; i++ {
		b, err := d.decodeBody(env.Version)
		if err != nil {
			return nil, fmt.Errorf("body %d: %w", i, err)
		}
		env.Bodies = append(env.Bodies, b)
	}

	d.opts.logf("remoting: decoded %s envelope, %d headers, %d bodies, %d bytes",
		env.Version, len(env.Headers), len(env.Bodies), d.reader.n-start)
	return env, nil
}

func (d *Decoder) decodeHeader() (Header, error) {
	var h Header
	var err error
	if h.Name, err = readUTF8(d.reader); err != nil {
		return h, err
	}
	flag, err := d.reader.ReadByte()
	if err != nil {
		return h, fmt.Errorf("failed to read mustUnderstand: %w", amf.ReadError(err))
	}
	h.MustUnderstand = flag != 0

	h.Value, err = d.decodeValue(func() (amf.Value, error) {
		return d.amf0.Decode()
	})
	return h, err
}

func (d *Decoder) decodeBody(version Version) (Body, error) {
	var b Body
	var err error
	if b.Target, err = readUTF8(d.reader); err != nil {
		return b, err
	}
	if b.Response, err = readUTF8(d.reader); err != nil {
		return b, err
	}
	b.Value, err = d.decodeValue(func() (amf.Value, error) {
		if version == Version0 {
			return d.amf0.Decode()
		}
		return d.decodeAMF3()
	})
	return b, err
}

// decodeAMF3 accepts a body with or without the AVM+ marker in front.
func (d *Decoder) decodeAMF3() (amf.Value, error) {
	marker, err := d.reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read body marker: %w", amf.ReadError(err))
	}
	if marker == amf0.AMF0TypeAVMPlus {
		return d.amf3.Decode()
	}
	return d.amf3.DecodeMarker(marker)
}

// decodeValue reads the 32-bit length and then the value, checking the
// length against the bytes consumed unless the sender left it unknown.
func (d *Decoder) decodeValue(decode func() (amf.Value, error)) (amf.Value, error) {
	var length uint32
	if err := binary.Read(d.reader, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read value length: %w", amf.ReadError(err))
	}
	start := d.reader.n
	v, err := decode()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing value: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	consumed := d.reader.n - start
	if length != lengthUnknown && length != lengthUnknownAll && int64(length) != consumed {
		return nil, fmt.Errorf("%w: value length %d, decoded %d bytes", amf.ErrMalformed, length, consumed)
	}
	return v, nil
}

func (d *Decoder) readCount(what string) (int, error) {
	var n uint16
	if err := binary.Read(d.reader, binary.BigEndian, &n); err != nil {
		return 0, fmt.Errorf("failed to read %s count: %w", what, amf.ReadError(err))
	}
	return int(n), nil
}

// Encode encodes env into a new byte slice.
func Encode(env *Envelope, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, opts...).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes exactly one envelope from data.
func Decode(data []byte, opts ...Option) (*Envelope, error) {
	r := bytes.NewReader(data)
	env, err := NewDecoder(r, opts...).Decode()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty envelope: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after envelope", amf.ErrMalformed, r.Len())
	}
	return env, nil
}

// Marshal encodes a single value the way a body of the given version
// carries it.
func Marshal(version Version, v amf.Value, opts ...Option) ([]byte, error) {
	if !version.valid() {
		return nil, fmt.Errorf("envelope version %d: %w", uint16(version), amf.ErrUnsupportedType)
	}
	e := NewEncoder(io.Discard, opts...)
	if err := e.encodeBodyValue(version, v); err != nil {
		return nil, err
	}
	return bytes.Clone(e.value.Bytes()), nil
}

// Unmarshal decodes a single body value of the given version from data.
func Unmarshal(version Version, data []byte, opts ...Option) (amf.Value, error) {
	if !version.valid() {
		return nil, fmt.Errorf("envelope version %d: %w", uint16(version), amf.ErrUnsupportedType)
	}
	r := bytes.NewReader(data)
	d := NewDecoder(r, opts...)
	var v amf.Value
	var err error
	if version == Version0 {
		v, err = d.amf0.Decode()
	} else {
		v, err = d.decodeAMF3()
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty value: %w", amf.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after value", amf.ErrMalformed, r.Len())
	}
	return v, nil
}
