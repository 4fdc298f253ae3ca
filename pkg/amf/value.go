// Package amf defines the value model shared by the AMF0 and AMF3 codecs.
// Values are plain Go data: scalar kinds are value types, complex kinds are
// pointers so that the codecs can track them by identity for back references.
package amf

import (
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindInteger
	KindString
	KindDate
	KindArray
	KindAssociativeArray
	KindObject
	KindByteArray
	KindXMLDocument
	KindXML
)

var kindNames = [...]string{
	KindUndefined:        "undefined",
	KindNull:             "null",
	KindBoolean:          "boolean",
	KindNumber:           "number",
	KindInteger:          "integer",
	KindString:           "string",
	KindDate:             "date",
	KindArray:            "array",
	KindAssociativeArray: "associative array",
	KindObject:           "object",
	KindByteArray:        "byte array",
	KindXMLDocument:      "xml document",
	KindXML:              "xml",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is any AMF representable value.
type Value interface {
	Kind() Kind
}

// IsNil reports whether v is nil or a nil pointer of one of the reference
// kinds. Codecs write such values as Null.
func IsNil(v Value) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *Date:
		return x == nil
	case *Array:
		return x == nil
	case *AssociativeArray:
		return x == nil
	case *Object:
		return x == nil
	case *ByteArray:
		return x == nil
	case *XMLDocument:
		return x == nil
	case *XML:
		return x == nil
	}
	return false
}

// Range of the AMF3 integer type (29-bit signed).
const (
	MinInteger = -1 << 28
	MaxInteger = 1<<28 - 1
)

// Undefined is the ActionScript undefined value. It is distinct from Null and
// from a missing property.
type Undefined struct{}

func (Undefined) Kind() Kind { return KindUndefined }

type Null struct{}

func (Null) Kind() Kind { return KindNull }

type Boolean bool

func (Boolean) Kind() Kind { return KindBoolean }

// Number is an IEEE-754 double.
type Number float64

func (Number) Kind() Kind { return KindNumber }

// Integer is the AMF3 integer type. Values outside [MinInteger, MaxInteger]
// are written as doubles, and AMF0 always writes integers as numbers.
type Integer int32

func (Integer) Kind() Kind { return KindInteger }

// InRange reports whether i fits the 29-bit AMF3 integer encoding.
func (i Integer) InRange() bool {
	return i >= MinInteger && i <= MaxInteger
}

// String holds UTF-8 text.
type String string

func (String) Kind() Kind { return KindString }

// Date is a point in time with millisecond precision. Timezone is the AMF0
// offset field; AMF3 does not carry it.
type Date struct {
	Milliseconds float64
	Timezone     int16
}

// NewDate truncates t to milliseconds.
func NewDate(t time.Time) *Date {
	return &Date{Milliseconds: float64(t.UnixMilli())}
}

func (*Date) Kind() Kind { return KindDate }

// Time returns the UTC time of the date.
func (d *Date) Time() time.Time {
	return time.UnixMilli(int64(d.Milliseconds)).UTC()
}

// Property is a single named value of an object or associative array.
type Property struct {
	Key   string
	Value Value
}

// Array is a strict (dense) array.
type Array struct {
	Elements []Value
}

func NewArray(elements ...Value) *Array {
	return &Array{Elements: elements}
}

func (*Array) Kind() Kind { return KindArray }

// AssociativeArray is an ECMA array: a dense run indexed 0..len(Dense)-1
// followed by string keyed pairs in insertion order.
type AssociativeArray struct {
	Dense []Value
	Pairs []Property
}

func (*AssociativeArray) Kind() Kind { return KindAssociativeArray }

// Get returns the value stored under key, looking in the dense run for
// canonical index keys.
func (a *AssociativeArray) Get(key string) (Value, bool) {
	if i, ok := denseIndex(key); ok && i < len(a.Dense) {
		return a.Dense[i], true
	}
	for _, p := range a.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key or appends a new pair.
func (a *AssociativeArray) Set(key string, v Value) {
	if i, ok := denseIndex(key); ok && i < len(a.Dense) {
		a.Dense[i] = v
		return
	}
	for i := range a.Pairs {
		if a.Pairs[i].Key == key {
			a.Pairs[i].Value = v
			return
		}
	}
	a.Pairs = append(a.Pairs, Property{Key: key, Value: v})
}

// Canonical moves pairs that continue the dense run ("n" where n equals the
// current dense length) into the dense part. The receiver is not modified.
func (a *AssociativeArray) Canonical() ([]Value, []Property) {
	dense := make([]Value, len(a.Dense), len(a.Dense)+len(a.Pairs))
	copy(dense, a.Dense)

	index := make(map[string]int, len(a.Pairs))
	for i, p := range a.Pairs {
		if _, dup := index[p.Key]; !dup {
			index[p.Key] = i
		}
	}
	moved := make([]bool, len(a.Pairs))
	for {
		i, ok := index[strconv.Itoa(len(dense))]
		if !ok {
			break
		}
		dense = append(dense, a.Pairs[i].Value)
		moved[i] = true
	}

	pairs := make([]Property, 0, len(a.Pairs))
	for i, p := range a.Pairs {
		if !moved[i] {
			pairs = append(pairs, p)
		}
	}
	return dense, pairs
}

// Len is the total number of entries.
func (a *AssociativeArray) Len() int {
	return len(a.Dense) + len(a.Pairs)
}

func denseIndex(key string) (int, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || strconv.Itoa(i) != key {
		return 0, false
	}
	return i, true
}

// Object is an anonymous or typed object. For typed objects with Traits set,
// the leading properties are the sealed members in trait order. Externalizable
// objects carry their payload in External instead of Properties.
type Object struct {
	ClassName  string
	Traits     *Traits
	Properties []Property
	External   Value
}

// NewObject builds an object with the given properties in order. An empty
// class name makes it anonymous.
func NewObject(className string, props ...Property) *Object {
	return &Object{ClassName: className, Properties: props}
}

func (*Object) Kind() Kind { return KindObject }

func (o *Object) Get(key string) (Value, bool) {
	for _, p := range o.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

func (o *Object) Set(key string, v Value) {
	for i := range o.Properties {
		if o.Properties[i].Key == key {
			o.Properties[i].Value = v
			return
		}
	}
	o.Properties = append(o.Properties, Property{Key: key, Value: v})
}

// Class returns the class name, falling back to the traits.
func (o *Object) Class() string {
	if o.ClassName == "" && o.Traits != nil {
		return o.Traits.ClassName
	}
	return o.ClassName
}

// ByteArray is the AMF3 ByteArray type.
type ByteArray struct {
	Bytes []byte
}

func (*ByteArray) Kind() Kind { return KindByteArray }

// XMLDocument is a legacy XML document kept as opaque text.
type XMLDocument struct {
	Text string
}

func (*XMLDocument) Kind() Kind { return KindXMLDocument }

// XML is an AMF3 E4X XML value kept as opaque text.
type XML struct {
	Text string
}

func (*XML) Kind() Kind { return KindXML }
