package amf

import (
	"bytes"
	"math"
)

// Equal reports whether a and b are structurally equal.
//
// Numbers and integers compare by numeric value, so an integer that was
// widened to a double on the wire still matches, and NaN matches NaN. Date
// timezones are ignored. A nil pointer of a reference kind matches nil.
// Associative arrays compare in canonical form and match a strict array when
// they have no string keyed pairs. Object traits are not compared, only the
// class name and the ordered properties. Cyclic graphs are supported.
func Equal(a, b Value) bool {
	return (&comparer{seen: make(map[[2]Value]bool)}).equal(a, b)
}

type comparer struct {
	seen map[[2]Value]bool
}

func (c *comparer) equal(a, b Value) bool {
	if IsNil(a) || IsNil(b) {
		return IsNil(a) && IsNil(b)
	}
	if na, ok := numeric(a); ok {
		nb, ok := numeric(b)
		return ok && (na == nb || math.IsNaN(na) && math.IsNaN(nb))
	}

	// Complex values may be revisited through cycles; assume equal while
	// the pair is being compared.
	switch a.(type) {
	case *Array, *AssociativeArray, *Object:
		key := [2]Value{a, b}
		if c.seen[key] {
			return true
		}
		c.seen[key] = true
	}

	switch x := a.(type) {
	case Undefined, Null:
		return a.Kind() == b.Kind()
	case Boolean:
		y, ok := b.(Boolean)
		return ok && x == y
	case String:
		y, ok := b.(String)
		return ok && x == y
	case *Date:
		y, ok := b.(*Date)
		return ok && (x.Milliseconds == y.Milliseconds ||
			math.IsNaN(x.Milliseconds) && math.IsNaN(y.Milliseconds))
	case *ByteArray:
		y, ok := b.(*ByteArray)
		return ok && bytes.Equal(x.Bytes, y.Bytes)
	case *XMLDocument:
		y, ok := b.(*XMLDocument)
		return ok && x.Text == y.Text
	case *XML:
		y, ok := b.(*XML)
		return ok && x.Text == y.Text
	case *Array:
		switch y := b.(type) {
		case *Array:
			return c.values(x.Elements, y.Elements)
		case *AssociativeArray:
			dense, pairs := y.Canonical()
			return len(pairs) == 0 && c.values(x.Elements, dense)
		}
		return false
	case *AssociativeArray:
		da, pa := x.Canonical()
		switch y := b.(type) {
		case *Array:
			return len(pa) == 0 && c.values(da, y.Elements)
		case *AssociativeArray:
			db, pb := y.Canonical()
			return c.values(da, db) && c.properties(pa, pb)
		}
		return false
	case *Object:
		y, ok := b.(*Object)
		if !ok || x.Class() != y.Class() {
			return false
		}
		if (x.External == nil) != (y.External == nil) {
			return false
		}
		if x.External != nil && !c.equal(x.External, y.External) {
			return false
		}
		return c.properties(x.Properties, y.Properties)
	}
	return false
}

func (c *comparer) values(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !c.equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (c *comparer) properties(a, b []Property) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !c.equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func numeric(v Value) (float64, bool) {
	switch n := v.(type) {
	case Number:
		return float64(n), true
	case Integer:
		return float64(n), true
	}
	return 0, false
}
