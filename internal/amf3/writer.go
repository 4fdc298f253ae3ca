package amf3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// Writer appends AMF3 values to a buffer. All values written between two
// calls to Reset share the string, object and traits reference tables.
type Writer struct {
	buf      *bytes.Buffer
	registry amf.Registry
	strings  *reftable.Table[string, string]
	objects  *reftable.Table[amf.Value, amf.Value]
	traits   *reftable.Table[string, *amf.Traits]
}

func NewWriter(buf *bytes.Buffer, registry amf.Registry) *Writer {
	return &Writer{
		buf:      buf,
		registry: registry,
		strings:  reftable.New[string, string](),
		objects:  reftable.New[amf.Value, amf.Value](),
		traits:   reftable.New[string, *amf.Traits](),
	}
}

// Reset clears the reference tables.
func (w *Writer) Reset() {
	w.strings.Reset()
	w.objects.Reset()
	w.traits.Reset()
}

// WriteValue writes a type marker followed by the value.
func (w *Writer) WriteValue(value amf.Value) error {
	if amf.IsNil(value) {
		return w.writeByte(AMF3TypeNull)
	}
	switch v := value.(type) {
	case amf.Null:
		return w.writeByte(AMF3TypeNull)
	case amf.Undefined:
		return w.writeByte(AMF3TypeUndefined)
	case amf.Boolean:
		if v {
			return w.writeByte(AMF3TypeTrue)
		}
		return w.writeByte(AMF3TypeFalse)
	case amf.Integer:
		// AMF3 integers are 29-bit, use double for larger values
		if !v.InRange() {
			return w.encodeDouble(float64(v))
		}
		if err := w.writeByte(AMF3TypeInteger); err != nil {
			return err
		}
		return w.writeU29(uint32(v) & maxU29)
	case amf.Number:
		return w.encodeDouble(float64(v))
	case amf.String:
		if err := w.writeByte(AMF3TypeString); err != nil {
			return err
		}
		return w.writeStringWithReference(string(v))
	case *amf.Date:
		return w.encodeDate(v)
	case *amf.Array:
		return w.encodeArray(v, v.Elements, nil)
	case *amf.AssociativeArray:
		dense, pairs := v.Canonical()
		return w.encodeArray(v, dense, pairs)
	case *amf.Object:
		return w.encodeObject(v)
	case *amf.ByteArray:
		return w.encodeBytes(AMF3TypeByteArray, v, v.Bytes)
	case *amf.XMLDocument:
		return w.encodeBytes(AMF3TypeXMLDocument, v, []byte(v.Text))
	case *amf.XML:
		return w.encodeBytes(AMF3TypeXML, v, []byte(v.Text))
	}
	return fmt.Errorf("unsupported type for AMF3 encoding %T: %w", value, amf.ErrUnsupportedType)
}

func (w *Writer) encodeDouble(value float64) error {
	if err := w.writeByte(AMF3TypeDouble); err != nil {
		return err
	}
	return binary.Write(w.buf, binary.BigEndian, math.Float64bits(value))
}

func (w *Writer) encodeDate(value *amf.Date) error {
	if err := w.writeByte(AMF3TypeDate); err != nil {
		return err
	}
	if done, err := w.writeObjectReference(value); done || err != nil {
		return err
	}
	// Dates carry no length, the inline flag alone
	if err := w.writeU29(1); err != nil {
		return err
	}
	return binary.Write(w.buf, binary.BigEndian, math.Float64bits(value.Milliseconds))
}

// encodeArray writes the associative part first, terminated by the empty
// string, then the dense part.
func (w *Writer) encodeArray(ref amf.Value, dense []amf.Value, pairs []amf.Property) error {
	if err := w.writeByte(AMF3TypeArray); err != nil {
		return err
	}
	if done, err := w.writeObjectReference(ref); done || err != nil {
		return err
	}
	if err := w.writeInlineLength(len(dense)); err != nil {
		return err
	}

	for _, p := range pairs {
		if p.Key == "" {
			return fmt.Errorf("%w: empty key in associative array", amf.ErrMalformed)
		}
		if err := w.writeStringWithReference(p.Key); err != nil {
			return err
		}
		if err := w.WriteValue(p.Value); err != nil {
			return fmt.Errorf("array key %q: %w", p.Key, err)
		}
	}
	if err := w.writeStringWithReference(""); err != nil {
		return err
	}

	for i, v := range dense {
		if err := w.WriteValue(v); err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
	}
	return nil
}

func (w *Writer) encodeObject(value *amf.Object) error {
	if err := w.writeByte(AMF3TypeObject); err != nil {
		return err
	}
	if done, err := w.writeObjectReference(value); done || err != nil {
		return err
	}

	className, traits, err := amf.ObjectClass(w.registry, value)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	if value.External != nil || (traits != nil && traits.Externalizable) {
		return w.encodeExternal(value, className)
	}

	layout, err := objectLayout(className, traits, value.Properties)
	if err != nil {
		return err
	}
	if err := w.writeTraits(layout); err != nil {
		return err
	}

	// Sealed members have no names on the wire
	for i := range layout.Members {
		if err := w.WriteValue(value.Properties[i].Value); err != nil {
			return fmt.Errorf("property %q: %w", value.Properties[i].Key, err)
		}
	}
	if !layout.Dynamic {
		return nil
	}
	for _, p := range value.Properties[len(layout.Members):] {
		if p.Key == "" {
			return fmt.Errorf("%w: empty dynamic property name", amf.ErrMalformed)
		}
		if err := w.writeStringWithReference(p.Key); err != nil {
			return err
		}
		if err := w.WriteValue(p.Value); err != nil {
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
	}
	return w.writeStringWithReference("")
}

// objectLayout decides the traits an object is written with. Anonymous
// objects are dynamic with no sealed members; typed objects without traits
// seal every property in order.
func objectLayout(className string, traits *amf.Traits, props []amf.Property) (*amf.Traits, error) {
	if traits == nil {
		if className == "" {
			return &amf.Traits{Dynamic: true}, nil
		}
		members := make([]string, len(props))
		for i, p := range props {
			members[i] = p.Key
		}
		return &amf.Traits{ClassName: className, Members: members}, nil
	}

	if err := amf.CheckSealed(className, traits, props); err != nil {
		return nil, err
	}
	if traits.ClassName == className {
		return traits, nil
	}
	named := *traits
	named.ClassName = className
	return &named, nil
}

func (w *Writer) writeTraits(t *amf.Traits) error {
	index, found := w.traits.LookupOrInsert(t.Key(), t)
	if found {
		// U29O-traits-ref: index << 2 | 0b01
		return w.writeU29(uint32(index)<<2 | 0x01)
	}
	if len(t.Members) > maxU29>>4 {
		return fmt.Errorf("%w: %d sealed members", amf.ErrOverflow, len(t.Members))
	}
	// U29O-traits: count << 4 | dynamic << 3 | 0b011
	header := uint32(len(t.Members))<<4 | 0x03
	if t.Dynamic {
		header |= 0x08
	}
	if err := w.writeU29(header); err != nil {
		return err
	}
	if err := w.writeStringWithReference(t.ClassName); err != nil {
		return err
	}
	for _, m := range t.Members {
		if err := w.writeStringWithReference(m); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) encodeExternal(value *amf.Object, className string) error {
	if !IsExternalizable(className) {
		return fmt.Errorf("no external form for %q: %w", className, amf.ErrUnknownClass)
	}
	if value.External == nil {
		return fmt.Errorf("%w: externalizable %s without payload", amf.ErrMalformed, className)
	}

	t := &amf.Traits{ClassName: className, Externalizable: true}
	index, found := w.traits.LookupOrInsert(t.Key(), t)
	if found {
		if err := w.writeU29(uint32(index)<<2 | 0x01); err != nil {
			return err
		}
	} else {
		// U29O-traits-ext: 0b0111
		if err := w.writeU29(0x07); err != nil {
			return err
		}
		if err := w.writeStringWithReference(className); err != nil {
			return err
		}
	}
	return w.WriteValue(value.External)
}

func (w *Writer) encodeBytes(marker byte, ref amf.Value, data []byte) error {
	if err := w.writeByte(marker); err != nil {
		return err
	}
	if done, err := w.writeObjectReference(ref); done || err != nil {
		return err
	}
	if err := w.writeInlineLength(len(data)); err != nil {
		return err
	}
	_, err := w.buf.Write(data)
	return err
}

// Helper methods for encoding

// writeObjectReference writes a back reference when value was already
// written in this session, registering it otherwise. Registration happens
// before the children are written so cycles resolve.
func (w *Writer) writeObjectReference(value amf.Value) (bool, error) {
	index, found := w.objects.LookupOrInsert(value, value)
	if !found {
		return false, nil
	}
	return true, w.writeU29(uint32(index) << 1)
}

// writeInlineLength writes (length << 1) | 1.
func (w *Writer) writeInlineLength(n int) error {
	if n > maxU29>>1 {
		return fmt.Errorf("%w: length %d exceeds U29", amf.ErrOverflow, n)
	}
	return w.writeU29(uint32(n)<<1 | 1)
}

func (w *Writer) writeByte(b byte) error {
	return w.buf.WriteByte(b)
}

// writeU29 writes a 29-bit unsigned integer using variable-length encoding.
// The encoding uses 1-4 bytes where the MSB indicates continuation; the
// fourth byte carries a full 8 bits.
func (w *Writer) writeU29(value uint32) error {
	if value > maxU29 {
		return fmt.Errorf("%w: %d does not fit U29", amf.ErrOverflow, value)
	}

	switch {
	case value < 0x80:
		// 1 byte: 0xxxxxxx
		w.buf.WriteByte(byte(value))
	case value < 0x4000:
		// 2 bytes: 1xxxxxxx 0xxxxxxx
		w.buf.WriteByte(byte(value>>7) | 0x80)
		w.buf.WriteByte(byte(value & 0x7F))
	case value < 0x200000:
		// 3 bytes: 1xxxxxxx 1xxxxxxx 0xxxxxxx
		w.buf.WriteByte(byte(value>>14) | 0x80)
		w.buf.WriteByte(byte(value>>7)&0x7F | 0x80)
		w.buf.WriteByte(byte(value & 0x7F))
	default:
		// 4 bytes: 1xxxxxxx 1xxxxxxx 1xxxxxxx xxxxxxxx
		w.buf.WriteByte(byte(value>>22) | 0x80)
		w.buf.WriteByte(byte(value>>15)&0x7F | 0x80)
		w.buf.WriteByte(byte(value>>8)&0x7F | 0x80)
		w.buf.WriteByte(byte(value))
	}
	return nil
}

// writeStringWithReference writes a string with reference table support.
// Empty strings are never added to the reference table.
func (w *Writer) writeStringWithReference(s string) error {
	if s == "" {
		return w.writeU29(1)
	}
	index, found := w.strings.LookupOrInsert(s, s)
	if found {
		return w.writeU29(uint32(index) << 1)
	}
	if err := w.writeInlineLength(len(s)); err != nil {
		return err
	}
	_, err := w.buf.WriteString(s)
	return err
}
