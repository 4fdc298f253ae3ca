package amf0

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// AMF0Encoder encodes values to AMF0 format. Each call to Encode starts
// with empty reference tables and writes to the underlying writer only once
// the whole value has been encoded.
//
//goland:noinspection ALL
type AMF0Encoder struct {
	writer   io.Writer
	buf      bytes.Buffer
	registry amf.Registry
	refs     *reftable.Table[amf.Value, amf.Value]
	avm      *amf3.Writer
}

// NewAMF0Encoder creates a new AMF0 encoder
func NewAMF0Encoder(w io.Writer, opts ...Option) *AMF0Encoder {
	o := buildOptions(opts)
	return &AMF0Encoder{
		writer:   w,
		registry: o.registry,
		refs:     reftable.New[amf.Value, amf.Value](),
	}
}

// Encode encodes a value to AMF0 format
func (e *AMF0Encoder) Encode(value amf.Value) error {
	e.buf.Reset()
	e.refs.Reset()
	if e.avm != nil {
		e.avm.Reset()
	}
	if err := e.encodeValue(value); err != nil {
		return err
	}
	if _, err := e.writer.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write AMF0 value: %w", err)
	}
	return nil
}

// encodeValue encodes any value to AMF0
func (e *AMF0Encoder) encodeValue(value amf.Value) error {
	if amf.IsNil(value) {
		return e.encodeNull()
	}
	switch v := value.(type) {
	case amf.Null:
		return e.encodeNull()
	case amf.Undefined:
		return e.encodeUndefined()
	case amf.Boolean:
		return e.encodeBoolean(bool(v))
	case amf.Number:
		return e.encodeNumber(float64(v))
	case amf.Integer:
		// AMF0 has no integer type
		return e.encodeNumber(float64(v))
	case amf.String:
		return e.encodeString(string(v))
	case *amf.Date:
		return e.encodeDate(v)
	case *amf.Array:
		return e.encodeStrictArray(v)
	case *amf.AssociativeArray:
		return e.encodeEcmaArray(v)
	case *amf.Object:
		return e.encodeObject(v)
	case *amf.XMLDocument:
		return e.encodeXMLDocument(v)
	case *amf.ByteArray, *amf.XML:
		return e.encodeAVMPlus(v)
	}
	return fmt.Errorf("unsupported type for AMF0 encoding %T: %w", value, amf.ErrUnsupportedType)
}

// encodeNumber encodes a number to AMF0
func (e *AMF0Encoder) encodeNumber(value float64) error {
	if err := e.writeByte(AMF0TypeNumber); err != nil {
		return err
	}
	return binary.Write(&e.buf, binary.BigEndian, math.Float64bits(value))
}

// encodeBoolean encodes a boolean to AMF0
func (e *AMF0Encoder) encodeBoolean(value bool) error {
	if err := e.writeByte(AMF0TypeBoolean); err != nil {
		return err
	}
	if value {
		return e.writeByte(1)
	}
	return e.writeByte(0)
}

// encodeString encodes a string to AMF0, switching to the long string
// marker above 65535 bytes
func (e *AMF0Encoder) encodeString(value string) error {
	if len(value) > math.MaxUint16 {
		if err := e.writeByte(AMF0TypeLongString); err != nil {
			return err
		}
		return e.writeUTF8(value, true)
	}

	if err := e.writeByte(AMF0TypeString); err != nil {
		return err
	}
	return e.writeUTF8(value, false)
}

// encodeObject encodes an anonymous or typed object to AMF0
func (e *AMF0Encoder) encodeObject(value *amf.Object) error {
	className, traits, err := amf.ObjectClass(e.registry, value)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	// Externalizable objects only exist in AMF3
	if value.External != nil || (traits != nil && traits.Externalizable) {
		return e.encodeAVMPlus(value)
	}
	if err := amf.CheckSealed(className, traits, value.Properties); err != nil {
		return err
	}

	if done, err := e.writeReference(value); done || err != nil {
		return err
	}

	if className == "" {
		if err := e.writeByte(AMF0TypeObject); err != nil {
			return err
		}
	} else {
		if err := e.writeByte(AMF0TypeTypedObject); err != nil {
			return err
		}
		// Write class name
		if err := e.writeUTF8(className, false); err != nil {
			return err
		}
	}
	return e.writeProperties(value.Properties)
}

// encodeEcmaArray writes the dense part under its index keys followed by
// the string keyed pairs.
func (e *AMF0Encoder) encodeEcmaArray(value *amf.AssociativeArray) error {
	if done, err := e.writeReference(value); done || err != nil {
		return err
	}
	if err := e.writeByte(AMF0TypeEcmaArray); err != nil {
		return err
	}
	if uint64(value.Len()) > math.MaxUint32 {
		return fmt.Errorf("%w: ECMA array of %d entries", amf.ErrOverflow, value.Len())
	}
	if err := binary.Write(&e.buf, binary.BigEndian, uint32(value.Len())); err != nil {
		return err
	}

	props := make([]amf.Property, 0, value.Len())
	for i, v := range value.Dense {
		props = append(props, amf.Property{Key: strconv.Itoa(i), Value: v})
	}
	props = append(props, value.Pairs...)
	return e.writeProperties(props)
}

// encodeStrictArray encodes a strict array to AMF0
func (e *AMF0Encoder) encodeStrictArray(value *amf.Array) error {
	if done, err := e.writeReference(value); done || err != nil {
		return err
	}
	if err := e.writeByte(AMF0TypeStrictArray); err != nil {
		return err
	}
	if uint64(len(value.Elements)) > math.MaxUint32 {
		return fmt.Errorf("%w: strict array of %d elements", amf.ErrOverflow, len(value.Elements))
	}
	if err := binary.Write(&e.buf, binary.BigEndian, uint32(len(value.Elements))); err != nil {
		return err
	}
	for i, v := range value.Elements {
		if err := e.encodeValue(v); err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
	}
	return nil
}

// encodeDate encodes a date to AMF0. Dates are not reference counted.
func (e *AMF0Encoder) encodeDate(value *amf.Date) error {
	if err := e.writeByte(AMF0TypeDate); err != nil {
		return err
	}
	if err := binary.Write(&e.buf, binary.BigEndian, math.Float64bits(value.Milliseconds)); err != nil {
		return err
	}
	return binary.Write(&e.buf, binary.BigEndian, value.Timezone)
}

func (e *AMF0Encoder) encodeXMLDocument(value *amf.XMLDocument) error {
	if err := e.writeByte(AMF0TypeXMLDocument); err != nil {
		return err
	}
	return e.writeUTF8(value.Text, true)
}

// encodeAVMPlus writes the AVM+ marker followed by the value in AMF3. AMF3
// reference tables are shared by every switch within one Encode call.
func (e *AMF0Encoder) encodeAVMPlus(value amf.Value) error {
	if err := e.writeByte(AMF0TypeAVMPlus); err != nil {
		return err
	}
	if e.avm == nil {
		e.avm = amf3.NewWriter(&e.buf, e.registry)
	}
	return e.avm.WriteValue(value)
}

// encodeNull encodes null to AMF0
func (e *AMF0Encoder) encodeNull() error {
	return e.writeByte(AMF0TypeNull)
}

// encodeUndefined encodes undefined to AMF0
func (e *AMF0Encoder) encodeUndefined() error {
	return e.writeByte(AMF0TypeUndefined)
}

// writeProperties writes name/value pairs followed by the object end marker
func (e *AMF0Encoder) writeProperties(props []amf.Property) error {
	for _, p := range props {
		if p.Key == "" {
			return fmt.Errorf("%w: empty property name", amf.ErrMalformed)
		}
		// Write a property name (without a type marker)
		if err := e.writeUTF8(p.Key, false); err != nil {
			return err
		}
		if err := e.encodeValue(p.Value); err != nil {
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
	}

	// Write object end marker
	if err := e.writeUTF8("", false); err != nil {
		return err
	}
	return e.writeByte(AMF0TypeObjectEnd)
}

// writeReference writes a reference marker when value was already written
// in this call. Indices beyond 16 bits cannot be referenced, so the value is
// written again and takes a new slot, as the decoder will count it.
func (e *AMF0Encoder) writeReference(value amf.Value) (bool, error) {
	index, found := e.refs.LookupOrInsert(value, value)
	if !found {
		return false, nil
	}
	if index > maxReference {
		e.refs.Add(value)
		return false, nil
	}
	if err := e.writeByte(AMF0TypeReference); err != nil {
		return true, err
	}
	return true, binary.Write(&e.buf, binary.BigEndian, uint16(index))
}

// writeUTF8 writes a UTF-8 string with a 16-bit or, for long strings,
// 32-bit length prefix
func (e *AMF0Encoder) writeUTF8(s string, longString bool) error {
	if longString {
		if uint64(len(s)) > math.MaxUint32 {
			return fmt.Errorf("%w: string of %d bytes", amf.ErrOverflow, len(s))
		}
		if err := binary.Write(&e.buf, binary.BigEndian, uint32(len(s))); err != nil {
			return err
		}
	} else {
		if len(s) > math.MaxUint16 {
			return fmt.Errorf("%w: %d byte string needs a 16-bit length", amf.ErrOverflow, len(s))
		}
		if err := binary.Write(&e.buf, binary.BigEndian, uint16(len(s))); err != nil {
			return err
		}
	}
	_, err := e.buf.WriteString(s)
	return err
}

// writeByte writes a single byte
func (e *AMF0Encoder) writeByte(b byte) error {
	return e.buf.WriteByte(b)
}
