package amf

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Bind decodes a Value tree onto out, which must be a non-nil pointer.
// Struct fields are matched by their `amf` tag, falling back to a case
// insensitive field name match. Dates bind to time.Time fields and numbers
// convert to any numeric field.
func Bind(v Value, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "amf",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook,
		),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(ToNative(v)); err != nil {
		return fmt.Errorf("bind %s to %T: %w", kindOf(v), out, err)
	}
	return nil
}

// timeHook lets numeric epoch milliseconds bind to time.Time as well.
func timeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch n := data.(type) {
	case float64:
		return time.UnixMilli(int64(n)).UTC(), nil
	case int32:
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return data, nil
}

func kindOf(v Value) string {
	if v == nil {
		return "nil"
	}
	return v.Kind().String()
}
