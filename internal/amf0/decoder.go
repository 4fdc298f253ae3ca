package amf0

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Lengths above this are read incrementally so a corrupt header cannot
// force a large allocation before the data is seen.
const readChunk = 64 << 10

type source interface {
	io.Reader
	io.ByteReader
}

// AMF0Decoder decodes AMF0 format to values. It reads byte by byte from
// readers that do not buffer, and never reads past the end of a value.
//
//goland:noinspection ALL
type AMF0Decoder struct {
	reader   source
	registry amf.Registry
	refs     *reftable.Table[struct{}, amf.Value]
	avm      *amf3.Reader
}

// NewAMF0Decoder creates a new AMF0 decoder
func NewAMF0Decoder(r io.Reader, opts ...Option) *AMF0Decoder {
	o := buildOptions(opts)
	src, ok := r.(source)
	if !ok {
		src = &byteReader{Reader: r}
	}
	return &AMF0Decoder{
		reader:   src,
		registry: o.registry,
		refs:     reftable.New[struct{}, amf.Value](),
	}
}

// Decode reads the next value with fresh reference tables. It returns io.EOF
// when the reader is exhausted before a value starts.
func (d *AMF0Decoder) Decode() (amf.Value, error) {
	d.refs.Reset()
	if d.avm != nil {
		d.avm.Reset()
	}
	marker, err := d.reader.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read AMF0 marker: %w", err)
	}
	return d.decodeMarker(marker)
}

// decodeValue decodes any AMF0 value
func (d *AMF0Decoder) decodeValue() (amf.Value, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.decodeMarker(marker)
}

func (d *AMF0Decoder) decodeMarker(marker byte) (amf.Value, error) {
	switch marker {
	case AMF0TypeNumber:
		n, err := d.decodeNumber()
		if err != nil {
			return nil, err
		}
		return amf.Number(n), nil
	case AMF0TypeBoolean:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return amf.Boolean(b != 0), nil
	case AMF0TypeString:
		s, err := d.readUTF8(false)
		if err != nil {
			return nil, err
		}
		return amf.String(s), nil
	case AMF0TypeLongString:
		s, err := d.readUTF8(true)
		if err != nil {
			return nil, err
		}
		return amf.String(s), nil
	case AMF0TypeObject:
		return d.decodeObject("")
	case AMF0TypeTypedObject:
		className, err := d.readUTF8(false)
		if err != nil {
			return nil, err
		}
		return d.decodeObject(className)
	case AMF0TypeNull:
		return amf.Null{}, nil
	case AMF0TypeUndefined, AMF0TypeUnsupported:
		return amf.Undefined{}, nil
	case AMF0TypeReference:
		var index uint16
		if err := binary.Read(d.reader, binary.BigEndian, &index); err != nil {
			return nil, fmt.Errorf("failed to read reference: %w", amf.ReadError(err))
		}
		return d.refs.At(int(index))
	case AMF0TypeEcmaArray:
		return d.decodeEcmaArray()
	case AMF0TypeStrictArray:
		return d.decodeStrictArray()
	case AMF0TypeDate:
		return d.decodeDate()
	case AMF0TypeXMLDocument:
		s, err := d.readUTF8(true)
		if err != nil {
			return nil, err
		}
		return &amf.XMLDocument{Text: s}, nil
	case AMF0TypeAVMPlus:
		if d.avm == nil {
			d.avm = amf3.NewReader(d.reader, d.registry)
		}
		return d.avm.ReadValue()
	case AMF0TypeObjectEnd:
		return nil, fmt.Errorf("%w: object end marker outside an object", amf.ErrMalformed)
	}
	return nil, fmt.Errorf("unsupported AMF0 type 0x%02X: %w", marker, amf.ErrUnsupportedType)
}

// decodeNumber decodes a number from AMF0
func (d *AMF0Decoder) decodeNumber() (float64, error) {
	var bits uint64
	if err := binary.Read(d.reader, binary.BigEndian, &bits); err != nil {
		return 0, fmt.Errorf("failed to read number: %w", amf.ReadError(err))
	}
	return math.Float64frombits(bits), nil
}

// decodeObject decodes an anonymous object, or a typed object when
// className is set.
func (d *AMF0Decoder) decodeObject(className string) (amf.Value, error) {
	traits, err := amf.ResolveClass(d.registry, className)
	if err != nil {
		return nil, fmt.Errorf("failed to decode typed object: %w", err)
	}
	obj := &amf.Object{ClassName: className, Traits: traits}
	d.refs.Add(obj)

	obj.Properties, err = d.readProperties()
	if err != nil {
		return nil, err
	}
	if err := amf.CheckSealed(className, traits, obj.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode typed object: %w", err)
	}
	return obj, nil
}

// decodeEcmaArray decodes an ECMA array. The count is advisory; entries are
// read up to the object end marker and keys "0".."n-1" form the dense part.
func (d *AMF0Decoder) decodeEcmaArray() (amf.Value, error) {
	var count uint32
	if err := binary.Read(d.reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read ECMA array count: %w", amf.ReadError(err))
	}
	arr := &amf.AssociativeArray{}
	d.refs.Add(arr)

	props, err := d.readProperties()
	if err != nil {
		return nil, err
	}
	arr.Pairs = props
	arr.Dense, arr.Pairs = arr.Canonical()
	return arr, nil
}

// decodeStrictArray decodes a strict array from AMF0
func (d *AMF0Decoder) decodeStrictArray() (amf.Value, error) {
	var count uint32
	if err := binary.Read(d.reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read strict array count: %w", amf.ReadError(err))
	}
	arr := &amf.Array{Elements: make([]amf.Value, 0, capHint(count))}
	d.refs.Add(arr)

	for i := uint32(0); i < count; i++ {
		v, err := d.decodeValue()
		if err != nil {
			return nil, fmt.Errorf("array index %d: %w", i, err)
		}
		arr.Elements = append(arr.Elements, v)
	}
	return arr, nil
}

// decodeDate decodes a date; the timezone is kept but not interpreted.
func (d *AMF0Decoder) decodeDate() (amf.Value, error) {
	ms, err := d.decodeNumber()
	if err != nil {
		return nil, err
	}
	var tz int16
	if err := binary.Read(d.reader, binary.BigEndian, &tz); err != nil {
		return nil, fmt.Errorf("failed to read date timezone: %w", amf.ReadError(err))
	}
	return &amf.Date{Milliseconds: ms, Timezone: tz}, nil
}

// readProperties reads name/value pairs up to the empty name and object
// end marker.
func (d *AMF0Decoder) readProperties() ([]amf.Property, error) {
	var props []amf.Property
	for {
		key, err := d.readUTF8(false)
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if marker != AMF0TypeObjectEnd {
				return nil, fmt.Errorf("%w: expected object end marker, got 0x%02X", amf.ErrMalformed, marker)
			}
			return props, nil
		}

		v, err := d.decodeValue()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		props = append(props, amf.Property{Key: key, Value: v})
	}
}

// readUTF8 reads a UTF-8 string with length prefix
func (d *AMF0Decoder) readUTF8(longString bool) (string, error) {
	var length uint32

	if longString {
		// Long string uses 4-byte length
		if err := binary.Read(d.reader, binary.BigEndian, &length); err != nil {
			return "", fmt.Errorf("failed to read string length: %w", amf.ReadError(err))
		}
	} else {
		// Regular string uses 2-byte length
		var shortLength uint16
		if err := binary.Read(d.reader, binary.BigEndian, &shortLength); err != nil {
			return "", fmt.Errorf("failed to read string length: %w", amf.ReadError(err))
		}
		length = uint32(shortLength)
	}

	if length <= readChunk {
		data := make([]byte, length)
		if _, err := io.ReadFull(d.reader, data); err != nil {
			return "", fmt.Errorf("failed to read string: %w", amf.ReadError(err))
		}
		return string(data), nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.reader, int64(length)); err != nil {
		return "", fmt.Errorf("failed to read string: %w", amf.ReadError(err))
	}
	return buf.String(), nil
}

// readByte reads a single byte
func (d *AMF0Decoder) readByte() (byte, error) {
	b, err := d.reader.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("failed to read byte: %w", amf.ReadError(err))
	}
	return b, nil
}

func capHint(n uint32) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

// byteReader adds unbuffered single byte reads to a plain io.Reader.
type byteReader struct {
	io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.Reader, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
