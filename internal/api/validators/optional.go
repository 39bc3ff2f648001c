package validators

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Optional distinguishes an absent JSON key from an explicit null and from a
// value. The zero Optional is absent.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns a present, non-null Optional.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: v} }

// Null returns a present Optional holding null.
func Null[T any]() Optional[T] { return Optional[T]{Set: true, Null: true} }

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		var zero T
		o.Null, o.Value = true, zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(b, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Ptr returns nil for absent or null, otherwise a pointer to a copy of Value.
func (o Optional[T]) Ptr() *T {
	if !o.Set || o.Null {
		return nil
	}
	v := o.Value
	return &v
}

func (Optional[T]) acceptsNull() {}

func (Optional[T]) elemType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

func (o Optional[T]) validationValue() any {
	if !o.Set || o.Null {
		return nil
	}
	return o.Value
}

type nullable interface{ acceptsNull() }

type wrapped interface{ elemType() reflect.Type }

type validatable interface{ validationValue() any }

// optionalValue unwraps an Optional for struct-tag validation; absent and null
// validate as nil so omitempty skips them.
func optionalValue(field reflect.Value) interface{} {
	if o, ok := field.Interface().(validatable); ok {
		return o.validationValue()
	}
	return nil
}
