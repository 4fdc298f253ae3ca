package amfx

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// Encoder writes AMFX documents to an io.Writer. A document is written in a
// single call to the writer once it has been fully encoded.
type Encoder struct {
	writer io.Writer
	opts   options
	buf    bytes.Buffer
	w      *writer
}

// NewEncoder creates a new AMFX encoder
func NewEncoder(w io.Writer, opts ...Option) *Encoder {
	e := &Encoder{writer: w, opts: buildOptions(opts)}
	e.w = newWriter(&e.buf, e.opts.registry)
	return e
}

// Encode encodes env as an AMFX document. AMFX only carries AMF3, so the
// envelope must be Version3.
func (e *Encoder) Encode(env *remoting.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", amf.ErrMalformed)
	}
	if env.Version != remoting.Version3 {
		return fmt.Errorf("AMFX envelope version %s: %w", env.Version, amf.ErrUnsupportedType)
	}
	e.buf.Reset()

	fmt.Fprintf(&e.buf, `<%s ver="%s" xmlns="%s">`, elementEnvelope, version, Namespace)
	for i, h := range env.Headers {
		e.buf.WriteString(`<header name="`)
		e.w.escape(h.Name)
		fmt.Fprintf(&e.buf, `" mustUnderstand="%t">`, h.MustUnderstand)
		e.w.reset()
		if err := e.w.writeValue(h.Value); err != nil {
			return fmt.Errorf("header %d (%s): %w", i, h.Name, err)
		}
		e.buf.WriteString("</header>")
	}
	for i, b := range env.Bodies {
		e.buf.WriteString("<body")
		e.writeAttr("targetURI", b.Target)
		e.writeAttr("responseURI", b.Response)
		e.buf.WriteByte('>')
		e.w.reset()
		if err := e.w.writeValue(b.Value); err != nil {
			return fmt.Errorf("body %d (%s): %w", i, b.Target, err)
		}
		e.buf.WriteString("</body>")
	}
	fmt.Fprintf(&e.buf, "</%s>", elementEnvelope)

	if _, err := e.writer.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write AMFX document: %w", err)
	}
	e.opts.logf("amfx: encoded envelope, %d headers, %d bodies, %d bytes",
		len(env.Headers), len(env.Bodies), e.buf.Len())
	return nil
}

// writeAttr writes an optional attribute. Empty values are left out.
func (e *Encoder) writeAttr(name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(&e.buf, ` %s="`, name)
	e.w.escape(value)
	e.buf.WriteByte('"')
}

// writer renders values. Values written between two calls to reset share
// the reference tables.
type writer struct {
	buf      *bytes.Buffer
	registry amf.Registry
	strings  *reftable.Table[string, string]
	objects  *reftable.Table[amf.Value, amf.Value]
	traits   *reftable.Table[string, []string]
}

func newWriter(buf *bytes.Buffer, registry amf.Registry) *writer {
	return &writer{
		buf:      buf,
		registry: registry,
		strings:  reftable.New[string, string](),
		objects:  reftable.New[amf.Value, amf.Value](),
		traits:   reftable.New[string, []string](),
	}
}

func (w *writer) reset() {
	w.strings.Reset()
	w.objects.Reset()
	w.traits.Reset()
}

func (w *writer) escape(s string) {
	// bytes.Buffer writes never fail
	_ = xml.EscapeText(w.buf, []byte(s))
}

func (w *writer) empty(name string) {
	fmt.Fprintf(w.buf, "<%s />", name)
}

func (w *writer) element(name, text string) {
	fmt.Fprintf(w.buf, "<%s>%s</%s>", name, text, name)
}

func (w *writer) writeValue(value amf.Value) error {
	if amf.IsNil(value) {
		w.empty(AMFXTypeNull)
		return nil
	}
	switch v := value.(type) {
	case amf.Null:
		w.empty(AMFXTypeNull)
	case amf.Undefined:
		w.empty(AMFXTypeUndefined)
	case amf.Boolean:
		if v {
			w.empty(AMFXTypeTrue)
		} else {
			w.empty(AMFXTypeFalse)
		}
	case amf.Integer:
		if v < minInt || v > maxInt {
			w.element(AMFXTypeDouble, formatDouble(float64(v)))
			return nil
		}
		w.element(AMFXTypeInteger, strconv.Itoa(int(v)))
	case amf.Number:
		w.element(AMFXTypeDouble, formatDouble(float64(v)))
	case amf.String:
		w.writeString(string(v))
	case *amf.Date:
		if w.writeReference(v) {
			return nil
		}
		w.element(AMFXTypeDate, formatDouble(v.Milliseconds))
	case *amf.Array:
		if w.writeReference(v) {
			return nil
		}
		return w.writeArray(v.Elements, nil)
	case *amf.AssociativeArray:
		if w.writeReference(v) {
			return nil
		}
		dense, pairs := v.Canonical()
		return w.writeArray(dense, pairs)
	case *amf.Object:
		if w.writeReference(v) {
			return nil
		}
		return w.writeObject(v)
	case *amf.ByteArray:
		w.writeBytes(v.Bytes)
	case *amf.XMLDocument:
		w.writeXML(v.Text)
	case *amf.XML:
		w.writeXML(v.Text)
	default:
		return fmt.Errorf("unsupported type for AMFX encoding %T: %w", value, amf.ErrUnsupportedType)
	}
	return nil
}

// Integers outside this range are written as doubles. The int element is
// not bound to the 29-bit AMF3 encoding.
const (
	minInt = -0xfffffff
	maxInt = 0x1fffffff
)

// writeString writes s inline the first time and by reference afterwards.
// Empty strings are always inline but still take a table slot.
func (w *writer) writeString(s string) {
	if s == "" {
		w.strings.Add(s)
		w.empty(AMFXTypeString)
		return
	}
	if idx, found := w.strings.LookupOrInsert(s, s); found {
		fmt.Fprintf(w.buf, `<string id="%d" />`, idx)
		return
	}
	w.buf.WriteString("<string>")
	w.escape(s)
	w.buf.WriteString("</string>")
}

// writeReference writes a ref element when v was written before.
func (w *writer) writeReference(v amf.Value) bool {
	idx, found := w.objects.LookupOrInsert(v, v)
	if found {
		fmt.Fprintf(w.buf, `<%s id="%d" />`, AMFXTypeReference, idx)
	}
	return found
}

func (w *writer) writeArray(dense []amf.Value, pairs []amf.Property) error {
	fmt.Fprintf(w.buf, `<array length="%d"`, len(dense))
	if len(pairs) > 0 {
		w.buf.WriteString(` ecma="true"`)
	}
	w.buf.WriteByte('>')
	for i, v := range dense {
		if err := w.writeValue(v); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	for _, p := range pairs {
		w.buf.WriteString(`<item name="`)
		w.escape(p.Key)
		w.buf.WriteString(`">`)
		if err := w.writeValue(p.Value); err != nil {
			return fmt.Errorf("item %q: %w", p.Key, err)
		}
		w.buf.WriteString("</item>")
	}
	w.buf.WriteString("</array>")
	return nil
}

// writeObject writes the type, the traits listing every property name and
// then the values in the same order.
func (w *writer) writeObject(o *amf.Object) error {
	name, traits, err := amf.ObjectClass(w.registry, o)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}

	w.buf.WriteString("<object")
	if name != "" {
		w.buf.WriteString(` type="`)
		w.escape(name)
		w.buf.WriteByte('"')
	}
	w.buf.WriteByte('>')

	if o.External != nil || traits != nil && traits.Externalizable {
		if err := w.writeExternal(name, o.External); err != nil {
			return err
		}
		w.buf.WriteString("</object>")
		return nil
	}

	if err := amf.CheckSealed(name, traits, o.Properties); err != nil {
		return err
	}
	keys := make([]string, len(o.Properties))
	for i, p := range o.Properties {
		keys[i] = p.Key
	}
	w.writeTraits(name, keys)

	for _, p := range o.Properties {
		if err := w.writeValue(p.Value); err != nil {
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
	}
	w.buf.WriteString("</object>")
	return nil
}

func (w *writer) writeTraits(className string, keys []string) {
	key := className + "\x00" + strings.Join(keys, "\x00")
	if idx, found := w.traits.LookupOrInsert(key, keys); found {
		fmt.Fprintf(w.buf, `<traits id="%d" />`, idx)
		return
	}
	if len(keys) == 0 {
		w.empty(AMFXTypeTraits)
		return
	}
	w.buf.WriteString("<traits>")
	for _, k := range keys {
		w.writeString(k)
	}
	w.buf.WriteString("</traits>")
}

// writeExternal writes the payload of an externalizable collection as an
// AMF3 encoded byte array.
func (w *writer) writeExternal(className string, payload amf.Value) error {
	if !amf3.IsExternalizable(className) {
		return fmt.Errorf("no external form for %q: %w", className, amf.ErrUnknownClass)
	}
	data, err := amf3.Marshal(payload, amf3.WithRegistry(w.registry))
	if err != nil {
		return fmt.Errorf("%s payload: %w", className, err)
	}
	w.buf.WriteString(`<traits externalizable="true" />`)
	w.writeBytes(data)
	return nil
}

func (w *writer) writeBytes(data []byte) {
	if len(data) == 0 {
		w.empty(AMFXTypeByteArray)
		return
	}
	w.element(AMFXTypeByteArray, strings.ToUpper(hex.EncodeToString(data)))
}

// writeXML writes text in a CDATA section, splitting it around any "]]>".
func (w *writer) writeXML(text string) {
	text = strings.ReplaceAll(text, "]]>", "]]]]><![CDATA[>")
	w.element(AMFXTypeXML, "<![CDATA["+text+"]]>")
}

// formatDouble prints f the way ActionScript's Number.toString does.
func formatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if abs := math.Abs(f); abs == 0 || abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	s = strings.Replace(s, "e-0", "e-", 1)
	return strings.Replace(s, "e+0", "e+", 1)
}
