package amf3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Lengths above this are read incrementally so a corrupt header cannot
// force a large allocation before the data is seen.
const readChunk = 64 << 10

// Reader reads AMF3 values from a stream without reading ahead. All values
// read between two calls to Reset share the reference tables.
type Reader struct {
	reader   io.Reader
	br       io.ByteReader
	registry amf.Registry
	strings  *reftable.Table[struct{}, string]
	objects  *reftable.Table[struct{}, amf.Value]
	traits   *reftable.Table[struct{}, *amf.Traits]
}

func NewReader(r io.Reader, registry amf.Registry) *Reader {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{reader: r}
	}
	return &Reader{
		reader:   r,
		br:       br,
		registry: registry,
		strings:  reftable.New[struct{}, string](),
		objects:  reftable.New[struct{}, amf.Value](),
		traits:   reftable.New[struct{}, *amf.Traits](),
	}
}

// Reset clears the reference tables.
func (r *Reader) Reset() {
	r.strings.Reset()
	r.objects.Reset()
	r.traits.Reset()
}

// ReadValue reads a type marker and the value following it.
func (r *Reader) ReadValue() (amf.Value, error) {
	marker, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return r.readMarker(marker)
}

func (r *Reader) readMarker(marker byte) (amf.Value, error) {
	switch marker {
	case AMF3TypeUndefined:
		return amf.Undefined{}, nil
	case AMF3TypeNull:
		return amf.Null{}, nil
	case AMF3TypeFalse:
		return amf.Boolean(false), nil
	case AMF3TypeTrue:
		return amf.Boolean(true), nil
	case AMF3TypeInteger:
		return r.decodeInteger()
	case AMF3TypeDouble:
		f, err := r.readDouble()
		if err != nil {
			return nil, err
		}
		return amf.Number(f), nil
	case AMF3TypeString:
		s, err := r.readStringWithReference()
		if err != nil {
			return nil, err
		}
		return amf.String(s), nil
	case AMF3TypeXMLDocument, AMF3TypeXML, AMF3TypeByteArray:
		return r.decodeBytes(marker)
	case AMF3TypeDate:
		return r.decodeDate()
	case AMF3TypeArray:
		return r.decodeArray()
	case AMF3TypeObject:
		return r.decodeObject()
	}
	return nil, fmt.Errorf("unsupported AMF3 type 0x%02X: %w", marker, amf.ErrUnsupportedType)
}

// decodeInteger sign-extends the 29-bit payload.
func (r *Reader) decodeInteger() (amf.Value, error) {
	u, err := r.readU29()
	if err != nil {
		return nil, err
	}
	if u&0x10000000 != 0 {
		return amf.Integer(int32(u) - 1<<29), nil
	}
	return amf.Integer(u), nil
}

func (r *Reader) decodeDate() (amf.Value, error) {
	n, inline, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	if !inline {
		return resolve[*amf.Date](r, n)
	}
	ms, err := r.readDouble()
	if err != nil {
		return nil, err
	}
	d := &amf.Date{Milliseconds: ms}
	r.objects.Add(d)
	return d, nil
}

// decodeArray returns an *amf.Array when the associative part is empty and
// an *amf.AssociativeArray otherwise.
func (r *Reader) decodeArray() (amf.Value, error) {
	n, inline, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	if !inline {
		v, err := r.objects.At(int(n))
		if err != nil {
			return nil, err
		}
		switch v.(type) {
		case *amf.Array, *amf.AssociativeArray:
			return v, nil
		}
		return nil, fmt.Errorf("%w: reference %d is %s, not an array", amf.ErrMalformed, n, kindOf(v))
	}

	// Register before reading children; the concrete type is known once the
	// first key has been read.
	index := r.objects.Add(nil)
	key, err := r.readStringWithReference()
	if err != nil {
		return nil, err
	}

	if key == "" {
		arr := &amf.Array{Elements: make([]amf.Value, 0, capHint(n))}
		r.objects.Set(index, arr)
		for i := uint32(0); i < n; i++ {
			v, err := r.ReadValue()
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr.Elements = append(arr.Elements, v)
		}
		return arr, nil
	}

	assoc := &amf.AssociativeArray{}
	r.objects.Set(index, assoc)
	for key != "" {
		v, err := r.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("array key %q: %w", key, err)
		}
		assoc.Pairs = append(assoc.Pairs, amf.Property{Key: key, Value: v})
		if key, err = r.readStringWithReference(); err != nil {
			return nil, err
		}
	}
	assoc.Dense = make([]amf.Value, 0, capHint(n))
	for i := uint32(0); i < n; i++ {
		v, err := r.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("array index %d: %w", i, err)
		}
		assoc.Dense = append(assoc.Dense, v)
	}
	return assoc, nil
}

func (r *Reader) decodeObject() (amf.Value, error) {
	header, err := r.readU29()
	if err != nil {
		return nil, err
	}
	if header&0x01 == 0 {
		return resolve[*amf.Object](r, header>>1)
	}

	traits, err := r.readTraits(header)
	if err != nil {
		return nil, err
	}
	obj := &amf.Object{ClassName: traits.ClassName, Traits: traits}
	r.objects.Add(obj)

	if traits.Externalizable {
		if !IsExternalizable(traits.ClassName) {
			return nil, fmt.Errorf("no external form for %q: %w", traits.ClassName, amf.ErrUnknownClass)
		}
		if obj.External, err = r.ReadValue(); err != nil {
			return nil, fmt.Errorf("%s payload: %w", traits.ClassName, err)
		}
		return obj, nil
	}

	obj.Properties = make([]amf.Property, 0, len(traits.Members))
	for _, m := range traits.Members {
		v, err := r.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", m, err)
		}
		obj.Properties = append(obj.Properties, amf.Property{Key: m, Value: v})
	}
	if !traits.Dynamic {
		return obj, nil
	}
	for {
		key, err := r.readStringWithReference()
		if err != nil {
			return nil, err
		}
		if key == "" {
			return obj, nil
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		obj.Properties = append(obj.Properties, amf.Property{Key: key, Value: v})
	}
}

// readTraits interprets an inline object header: 0bxx01 references traits,
// 0b111 introduces an externalizable class and 0bxxx011 inline traits.
func (r *Reader) readTraits(header uint32) (*amf.Traits, error) {
	if header&0x02 == 0 {
		return r.traits.At(int(header >> 2))
	}

	className, err := r.readStringWithReference()
	if err != nil {
		return nil, err
	}
	if _, err := amf.ResolveClass(r.registry, className); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}

	t := &amf.Traits{ClassName: className}
	if header&0x04 != 0 {
		t.Externalizable = true
	} else {
		t.Dynamic = header&0x08 != 0
		count := header >> 4
		t.Members = make([]string, 0, capHint(count))
		for i := uint32(0); i < count; i++ {
			m, err := r.readStringWithReference()
			if err != nil {
				return nil, err
			}
			t.Members = append(t.Members, m)
		}
	}

	if t, err = amf.CheckTraits(r.registry, t); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	r.traits.Add(t)
	return t, nil
}

func (r *Reader) decodeBytes(marker byte) (amf.Value, error) {
	n, inline, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	if !inline {
		switch marker {
		case AMF3TypeXMLDocument:
			return resolve[*amf.XMLDocument](r, n)
		case AMF3TypeXML:
			return resolve[*amf.XML](r, n)
		default:
			return resolve[*amf.ByteArray](r, n)
		}
	}

	data, err := r.readBytes(n)
	if err != nil {
		return nil, err
	}
	var v amf.Value
	switch marker {
	case AMF3TypeXMLDocument:
		v = &amf.XMLDocument{Text: string(data)}
	case AMF3TypeXML:
		v = &amf.XML{Text: string(data)}
	default:
		v = &amf.ByteArray{Bytes: data}
	}
	r.objects.Add(v)
	return v, nil
}

// resolve looks up an object reference and checks its type.
func resolve[T amf.Value](r *Reader, index uint32) (amf.Value, error) {
	v, err := r.objects.At(int(index))
	if err != nil {
		return nil, err
	}
	if _, ok := v.(T); !ok {
		var want T
		return nil, fmt.Errorf("%w: reference %d is %s, not %T", amf.ErrMalformed, index, kindOf(v), want)
	}
	return v, nil
}

func kindOf(v amf.Value) string {
	if v == nil {
		return "incomplete"
	}
	return v.Kind().String()
}

// Basic decoding methods

func (r *Reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("failed to read byte: %w", amf.ReadError(err))
	}
	return b, nil
}

// readU29 reads a 29-bit unsigned integer using variable-length decoding.
// At most four bytes are consumed, so the result always fits 29 bits.
func (r *Reader) readU29() (uint32, error) {
	var result uint32
	for i := 0; i < 4; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			// 4th byte uses all 8 bits
			return result<<8 | uint32(b), nil
		}
		result = result<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			break
		}
	}
	return result, nil
}

// readHeader splits a U29 into its payload and the inline flag.
func (r *Reader) readHeader() (uint32, bool, error) {
	u, err := r.readU29()
	if err != nil {
		return 0, false, err
	}
	return u >> 1, u&0x01 == 1, nil
}

func (r *Reader) readDouble() (float64, error) {
	var bits uint64
	if err := binary.Read(r.reader, binary.BigEndian, &bits); err != nil {
		return 0, fmt.Errorf("failed to read double: %w", amf.ReadError(err))
	}
	return math.Float64frombits(bits), nil
}

func (r *Reader) readBytes(n uint32) ([]byte, error) {
	if n <= readChunk {
		data := make([]byte, n)
		if _, err := io.ReadFull(r.reader, data); err != nil {
			return nil, fmt.Errorf("failed to read %d bytes: %w", n, amf.ReadError(err))
		}
		return data, nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r.reader, int64(n)); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes: %w", n, amf.ReadError(err))
	}
	return buf.Bytes(), nil
}

// readStringWithReference reads an inline string or resolves a string
// reference. Empty strings are never added to the table.
func (r *Reader) readStringWithReference() (string, error) {
	n, inline, err := r.readHeader()
	if err != nil {
		return "", err
	}
	if !inline {
		return r.strings.At(int(n))
	}
	if n == 0 {
		return "", nil
	}
	data, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	s := string(data)
	r.strings.Add(s)
	return s, nil
}

func capHint(n uint32) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

// byteReader reads single bytes from a plain io.Reader without buffering,
// so the caller's stream stays positioned right after the value.
type byteReader struct {
	reader io.Reader
	buf    [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.reader, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
