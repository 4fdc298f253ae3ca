package amfx

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/DMA-Software/dma-goamf/internal/amf3"
	"github.com/DMA-Software/dma-goamf/internal/reftable"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// Decoder reads AMFX documents from an io.Reader. Several documents may
// follow each other on the same stream.
type Decoder struct {
	opts options
	r    *reader
}

// NewDecoder creates a new AMFX decoder
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	o := buildOptions(opts)
	return &Decoder{opts: o, r: newReader(xml.NewDecoder(r), o.registry)}
}

// Decode reads the next document. It returns io.EOF when the reader is
// exhausted before a document starts. The envelope is always Version3.
func (d *Decoder) Decode() (*remoting.Envelope, error) {
	start, err := d.r.root()
	if err != nil {
		return nil, err
	}
	if start.Name.Local != elementEnvelope {
		return nil, fmt.Errorf("%w: expected <%s>, got <%s>", amf.ErrMalformed, elementEnvelope, start.Name.Local)
	}
	if ver, _ := attr(start, "ver"); ver != version {
		return nil, fmt.Errorf("AMFX version %q: %w", ver, amf.ErrUnsupportedType)
	}

	env := remoting.NewEnvelope(remoting.Version3)
	for {
		child, err := d.r.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			break
		}
		switch child.Name.Local {
		case elementHeader:
			h := remoting.Header{}
			h.Name, _ = attr(*child, "name")
			mustUnderstand, _ := attr(*child, "mustUnderstand")
			h.MustUnderstand = mustUnderstand == "true"
			if h.Value, err = d.r.readContent(child.Name.Local); err != nil {
				return nil, fmt.Errorf("header %d (%s): %w", len(env.Headers), h.Name, err)
			}
			env.Headers = append(env.Headers, h)
		case elementBody:
			b := remoting.Body{}
			b.Target, _ = attr(*child, "targetURI")
			b.Response, _ = attr(*child, "responseURI")
			if b.Value, err = d.r.readContent(child.Name.Local); err != nil {
				return nil, fmt.Errorf("body %d (%s): %w", len(env.Bodies), b.Target, err)
			}
			env.Bodies = append(env.Bodies, b)
		default:
			return nil, fmt.Errorf("%w: unexpected <%s> in envelope", amf.ErrMalformed, child.Name.Local)
		}
	}

	d.opts.logf("amfx: decoded envelope, %d headers, %d bodies", len(env.Headers), len(env.Bodies))
	return env, nil
}

// reader walks the token stream. Values read between two calls to reset
// share the reference tables.
type reader struct {
	xml      *xml.Decoder
	registry amf.Registry
	strings  *reftable.Table[struct{}, string]
	objects  *reftable.Table[struct{}, amf.Value]
	traits   *reftable.Table[struct{}, []string]
}

func newReader(d *xml.Decoder, registry amf.Registry) *reader {
	return &reader{
		xml:      d,
		registry: registry,
		strings:  reftable.New[struct{}, string](),
		objects:  reftable.New[struct{}, amf.Value](),
		traits:   reftable.New[struct{}, []string](),
	}
}

func (r *reader) reset() {
	r.strings.Reset()
	r.objects.Reset()
	r.traits.Reset()
}

// root returns the next top level element, skipping the prolog. It returns
// io.EOF when the input ends first.
func (r *reader) root() (xml.StartElement, error) {
	for {
		tok, err := r.xml.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, io.EOF
		}
		if err != nil {
			return xml.StartElement{}, tokenError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return xml.StartElement{}, fmt.Errorf("%w: text outside of the document element", amf.ErrMalformed)
			}
		}
	}
}

// trailing fails when anything but whitespace, comments or processing
// instructions follows the document element.
func (r *reader) trailing() error {
	_, err := r.root()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: content after the document element", amf.ErrMalformed)
}

// next returns the next child element of the current element, or nil once
// its end tag is reached.
func (r *reader) next() (*xml.StartElement, error) {
	for {
		tok, err := r.xml.Token()
		if err != nil {
			return nil, tokenError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return &t, nil
		case xml.EndElement:
			return nil, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, fmt.Errorf("%w: unexpected text %q", amf.ErrMalformed, string(t))
			}
		}
	}
}

// end consumes the rest of an element that must have no children.
func (r *reader) end(name string) error {
	child, err := r.next()
	if err != nil {
		return err
	}
	if child != nil {
		return fmt.Errorf("%w: unexpected <%s> in <%s>", amf.ErrMalformed, child.Name.Local, name)
	}
	return nil
}

// text returns the character data of an element that has no children.
func (r *reader) text(name string) (string, error) {
	var b strings.Builder
	for {
		tok, err := r.xml.Token()
		if err != nil {
			return "", tokenError(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			return "", fmt.Errorf("%w: unexpected <%s> in <%s>", amf.ErrMalformed, t.Name.Local, name)
		case xml.EndElement:
			return b.String(), nil
		}
	}
}

// readContent reads the single value of a header or body with fresh
// reference tables.
func (r *reader) readContent(container string) (amf.Value, error) {
	r.reset()
	child, err := r.next()
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("%w: missing value", amf.ErrMalformed)
	}
	v, err := r.readValue(*child)
	if err != nil {
		return nil, err
	}
	if err := r.end(container); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *reader) readValue(start xml.StartElement) (amf.Value, error) {
	name := start.Name.Local
	switch name {
	case AMFXTypeNull:
		return amf.Null{}, r.end(name)
	case AMFXTypeUndefined:
		return amf.Undefined{}, r.end(name)
	case AMFXTypeTrue:
		return amf.Boolean(true), r.end(name)
	case AMFXTypeFalse:
		return amf.Boolean(false), r.end(name)
	case AMFXTypeString:
		return r.readString(start)
	case AMFXTypeInteger:
		s, err := r.text(name)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: int %q", amf.ErrMalformed, s)
		}
		return amf.Integer(n), nil
	case AMFXTypeDouble:
		f, err := r.readDouble(name)
		if err != nil {
			return nil, err
		}
		return amf.Number(f), nil
	case AMFXTypeDate:
		ms, err := r.readDouble(name)
		if err != nil {
			return nil, err
		}
		d := &amf.Date{Milliseconds: ms}
		r.objects.Add(d)
		return d, nil
	case AMFXTypeXML:
		s, err := r.text(name)
		if err != nil {
			return nil, err
		}
		return &amf.XMLDocument{Text: s}, nil
	case AMFXTypeByteArray:
		data, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return &amf.ByteArray{Bytes: data}, nil
	case AMFXTypeArray:
		return r.readArray(start)
	case AMFXTypeObject:
		return r.readObject(start)
	case AMFXTypeReference:
		idx, err := index(start)
		if err != nil {
			return nil, err
		}
		v, err := r.objects.At(idx)
		if err != nil {
			return nil, err
		}
		return v, r.end(name)
	}
	return nil, fmt.Errorf("AMFX element <%s>: %w", name, amf.ErrUnsupportedType)
}

func (r *reader) readString(start xml.StartElement) (amf.Value, error) {
	if _, ok := attr(start, "id"); ok {
		idx, err := index(start)
		if err != nil {
			return nil, err
		}
		s, err := r.strings.At(idx)
		if err != nil {
			return nil, err
		}
		return amf.String(s), r.end(AMFXTypeString)
	}
	s, err := r.text(AMFXTypeString)
	if err != nil {
		return nil, err
	}
	r.strings.Add(s)
	return amf.String(s), nil
}

func (r *reader) readDouble(name string) (float64, error) {
	s, err := r.text(name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", amf.ErrMalformed, name, s)
	}
	return f, nil
}

func (r *reader) readBytes() ([]byte, error) {
	s, err := r.text(AMFXTypeByteArray)
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: bytearray: %v", amf.ErrMalformed, err)
	}
	return data, nil
}

// readArray reads the dense elements and, for ECMA arrays, the named items.
// The length attribute counts the dense elements only.
func (r *reader) readArray(start xml.StartElement) (amf.Value, error) {
	s, _ := attr(start, "length")
	length, err := strconv.Atoi(s)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: array length %q", amf.ErrMalformed, s)
	}
	ecma, _ := attr(start, "ecma")

	var arr *amf.Array
	var assoc *amf.AssociativeArray
	if ecma == "true" {
		assoc = &amf.AssociativeArray{}
		r.objects.Add(assoc)
	} else {
		arr = &amf.Array{Elements: make([]amf.Value, 0, capHint(length))}
		r.objects.Add(arr)
	}

	dense := 0
	for {
		child, err := r.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			break
		}

		if child.Name.Local == AMFXTypeItem {
			if assoc == nil {
				return nil, fmt.Errorf("%w: item in an array without ecma=\"true\"", amf.ErrMalformed)
			}
			key, ok := attr(*child, "name")
			if !ok {
				return nil, fmt.Errorf("%w: item without a name", amf.ErrMalformed)
			}
			v, err := r.readItem(AMFXTypeItem)
			if err != nil {
				return nil, fmt.Errorf("item %q: %w", key, err)
			}
			assoc.Pairs = append(assoc.Pairs, amf.Property{Key: key, Value: v})
			continue
		}

		if dense++; dense > length {
			return nil, fmt.Errorf("%w: array has more than %d elements", amf.ErrMalformed, length)
		}
		v, err := r.readValue(*child)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", dense-1, err)
		}
		if assoc != nil {
			assoc.Dense = append(assoc.Dense, v)
		} else {
			arr.Elements = append(arr.Elements, v)
		}
	}
	if dense < length {
		return nil, fmt.Errorf("%w: array has %d of %d elements", amf.ErrMalformed, dense, length)
	}

	if assoc != nil {
		assoc.Dense, assoc.Pairs = assoc.Canonical()
		return assoc, nil
	}
	return arr, nil
}

// readItem reads the single value of an ECMA array item.
func (r *reader) readItem(name string) (amf.Value, error) {
	child, err := r.next()
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("%w: empty <%s>", amf.ErrMalformed, name)
	}
	v, err := r.readValue(*child)
	if err != nil {
		return nil, err
	}
	return v, r.end(name)
}

// readObject reads the traits, which list every property name, and then
// one value per name.
func (r *reader) readObject(start xml.StartElement) (amf.Value, error) {
	className, _ := attr(start, "type")
	traitsStart, err := r.next()
	if err != nil {
		return nil, err
	}
	if traitsStart == nil || traitsStart.Name.Local != AMFXTypeTraits {
		return nil, fmt.Errorf("%w: object without traits", amf.ErrMalformed)
	}

	if ext, _ := attr(*traitsStart, "externalizable"); ext == "true" {
		if err := r.end(AMFXTypeTraits); err != nil {
			return nil, err
		}
		return r.readExternal(className)
	}

	traits, err := amf.ResolveClass(r.registry, className)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	keys, err := r.readTraits(*traitsStart)
	if err != nil {
		return nil, err
	}

	obj := &amf.Object{ClassName: className, Traits: traits}
	r.objects.Add(obj)
	obj.Properties = make([]amf.Property, 0, len(keys))
	for {
		child, err := r.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			break
		}
		i := len(obj.Properties)
		if i >= len(keys) {
			return nil, fmt.Errorf("%w: %q has more values than its %d traits", amf.ErrMalformed, className, len(keys))
		}
		v, err := r.readValue(*child)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", keys[i], err)
		}
		obj.Properties = append(obj.Properties, amf.Property{Key: keys[i], Value: v})
	}
	if len(obj.Properties) != len(keys) {
		return nil, fmt.Errorf("%w: %q has %d values for %d traits", amf.ErrMalformed, className, len(obj.Properties), len(keys))
	}
	if err := amf.CheckSealed(className, traits, obj.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	return obj, nil
}

func (r *reader) readTraits(start xml.StartElement) ([]string, error) {
	if _, ok := attr(start, "id"); ok {
		idx, err := index(start)
		if err != nil {
			return nil, err
		}
		keys, err := r.traits.At(idx)
		if err != nil {
			return nil, err
		}
		return keys, r.end(AMFXTypeTraits)
	}

	var keys []string
	for {
		child, err := r.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			break
		}
		if child.Name.Local != AMFXTypeString {
			return nil, fmt.Errorf("%w: <%s> in traits", amf.ErrMalformed, child.Name.Local)
		}
		key, err := r.readString(*child)
		if err != nil {
			return nil, err
		}
		keys = append(keys, string(key.(amf.String)))
	}
	r.traits.Add(keys)
	return keys, nil
}

// readExternal reads an externalizable collection whose payload is an AMF3
// value inside a bytearray element.
func (r *reader) readExternal(className string) (amf.Value, error) {
	if !amf3.IsExternalizable(className) {
		return nil, fmt.Errorf("no external form for %q: %w", className, amf.ErrUnknownClass)
	}
	obj := &amf.Object{ClassName: className}
	if r.registry != nil {
		traits, err := amf.CheckTraits(r.registry, &amf.Traits{ClassName: className, Externalizable: true})
		if err != nil {
			return nil, fmt.Errorf("failed to decode object: %w", err)
		}
		obj.Traits = traits
	}
	r.objects.Add(obj)

	payload, err := r.next()
	if err != nil {
		return nil, err
	}
	if payload == nil || payload.Name.Local != AMFXTypeByteArray {
		return nil, fmt.Errorf("%w: %s without a bytearray payload", amf.ErrMalformed, className)
	}
	data, err := r.readBytes()
	if err != nil {
		return nil, err
	}
	if obj.External, err = amf3.Unmarshal(data, amf3.WithRegistry(r.registry)); err != nil {
		return nil, fmt.Errorf("%s payload: %w", className, err)
	}
	return obj, r.end(AMFXTypeObject)
}

func attr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func index(start xml.StartElement) (int, error) {
	s, _ := attr(start, "id")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: reference id %q", amf.ErrMalformed, s)
	}
	return n, nil
}

// tokenError maps tokenizer failures onto the amf error kinds. Input that
// ends inside an element is a truncation.
func tokenError(err error) error {
	var syntax *xml.SyntaxError
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &syntax) && strings.Contains(syntax.Msg, "EOF") {
		return fmt.Errorf("truncated AMFX: %w", amf.ErrUnexpectedEOF)
	}
	if errors.As(err, &syntax) {
		return fmt.Errorf("%w: %v", amf.ErrMalformed, err)
	}
	return err
}

// capHint bounds a preallocation taken from untrusted input.
func capHint(n int) int {
	return min(n, 1024)
}
