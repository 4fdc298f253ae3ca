package amf

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FromNative converts plain Go data into a Value tree.
//
// Integers become Integer when they fit 29 bits and Number otherwise. Maps
// with string keys become anonymous objects with sorted keys. Structs become
// anonymous objects in field order, honoring `amf:"name"` tags and "-".
// Values that already implement Value are returned unchanged.
func FromNative(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Boolean(v), nil
	case int:
		return fromInt(int64(v)), nil
	case int8:
		return Integer(v), nil
	case int16:
		return Integer(v), nil
	case int32:
		return fromInt(int64(v)), nil
	case int64:
		return fromInt(v), nil
	case uint:
		return fromUint(uint64(v)), nil
	case uint8:
		return Integer(v), nil
	case uint16:
		return Integer(v), nil
	case uint32:
		return fromUint(uint64(v)), nil
	case uint64:
		return fromUint(v), nil
	case float32:
		return Number(v), nil
	case float64:
		return Number(v), nil
	case string:
		return String(v), nil
	case time.Time:
		return NewDate(v), nil
	case []byte:
		return &ByteArray{Bytes: v}, nil
	case []any:
		arr := &Array{Elements: make([]Value, len(v))}
		for i, e := range v {
			ev, err := FromNative(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr.Elements[i] = ev
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := &Object{Properties: make([]Property, 0, len(v))}
		for _, k := range keys {
			ev, err := FromNative(v[k])
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
			obj.Properties = append(obj.Properties, Property{Key: k, Value: ev})
		}
		return obj, nil
	}
	return fromReflect(reflect.ValueOf(x))
}

func fromInt(v int64) Value {
	if v >= MinInteger && v <= MaxInteger {
		return Integer(v)
	}
	return Number(v)
}

func fromUint(v uint64) Value {
	if v <= MaxInteger {
		return Integer(v)
	}
	return Number(v)
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return FromNative(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		arr := &Array{Elements: make([]Value, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			ev, err := FromNative(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr.Elements[i] = ev
		}
		return arr, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return FromNative(m)
	case reflect.Struct:
		return fromStruct(rv)
	case reflect.Bool:
		return Boolean(rv.Bool()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
}

func fromStruct(rv reflect.Value) (Value, error) {
	rt := rv.Type()
	obj := &Object{}
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty := field.Name, false
		if tag, ok := field.Tag.Lookup("amf"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitEmpty = true
				}
			}
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		ev, err := FromNative(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		obj.Properties = append(obj.Properties, Property{Key: name, Value: ev})
	}
	return obj, nil
}

// ToNative converts a Value tree into plain Go data: nil, bool, float64,
// int32, string, time.Time, []byte, []any and map[string]any. Objects
// include their external payload under the "externalData" key when set.
// Shared maps and slices are reused, so cyclic input yields cyclic output.
func ToNative(v Value) any {
	return (&nativeConverter{memo: make(map[Value]any)}).convert(v)
}

type nativeConverter struct {
	memo map[Value]any
}

func (c *nativeConverter) convert(v Value) any {
	if IsNil(v) {
		return nil
	}
	switch x := v.(type) {
	case nil, Undefined, Null:
		return nil
	case Boolean:
		return bool(x)
	case Number:
		return float64(x)
	case Integer:
		return int32(x)
	case String:
		return string(x)
	case *Date:
		return x.Time()
	case *ByteArray:
		return x.Bytes
	case *XMLDocument:
		return x.Text
	case *XML:
		return x.Text
	case *Array:
		if m, ok := c.memo[x]; ok {
			return m
		}
		out := make([]any, len(x.Elements))
		c.memo[x] = out
		for i, e := range x.Elements {
			out[i] = c.convert(e)
		}
		return out
	case *AssociativeArray:
		if m, ok := c.memo[x]; ok {
			return m
		}
		out := make(map[string]any, x.Len())
		c.memo[x] = out
		for i, e := range x.Dense {
			out[strconv.Itoa(i)] = c.convert(e)
		}
		for _, p := range x.Pairs {
			out[p.Key] = c.convert(p.Value)
		}
		return out
	case *Object:
		if m, ok := c.memo[x]; ok {
			return m
		}
		out := make(map[string]any, len(x.Properties))
		c.memo[x] = out
		for _, p := range x.Properties {
			out[p.Key] = c.convert(p.Value)
		}
		if x.External != nil {
			out["externalData"] = c.convert(x.External)
		}
		return out
	}
	return nil
}
