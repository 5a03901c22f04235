package command

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the type of a node in a decoded JSON value tree.
type Kind int

const (
	Any Kind = iota
	Object
	Array
	String
	Number
	Bool
	Null
)

func (k Kind) String() string {
	switch k {
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	case Null:
		return "null"
	}
	return "any"
}

// Shape describes the structure a decoded argument value must have.
// Objects accept keys that are not listed in Fields.
type Shape struct {
	Kind     Kind
	Nullable bool
	Fields   map[string]Field
	Elem     *Shape
}

// Field is one member of an object shape.
type Field struct {
	Shape    Shape
	Required bool
}

// Req returns a required field of shape s.
func Req(s Shape) Field { return Field{Shape: s, Required: true} }

// Opt returns an optional field of shape s.
func Opt(s Shape) Field { return Field{Shape: s} }

// ObjectOf returns an object shape with the given fields.
func ObjectOf(fields map[string]Field) Shape { return Shape{Kind: Object, Fields: fields} }

// ArrayOf returns an array shape whose elements have shape elem.
func ArrayOf(elem Shape) Shape { return Shape{Kind: Array, Elem: &elem} }

// OrNull returns a copy of s that also accepts null.
func (s Shape) OrNull() Shape {
	s.Nullable = true
	return s
}

// Validate checks v, a value decoded by encoding/json, against s.
func (s Shape) Validate(v any) error {
	return s.validate("args", v)
}

func (s Shape) validate(path string, v any) error {
	if v == nil {
		if s.Kind == Any || s.Kind == Null || s.Nullable {
			return nil
		}
		return fmt.Errorf("%s: expected %s, got null", path, s.Kind)
	}
	switch s.Kind {
	case Any:
		return nil
	case Object:
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch(path, s.Kind, v)
		}
		names := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			f := s.Fields[name]
			val, present := obj[name]
			if !present {
				if f.Required {
					return fmt.Errorf("%s.%s: required", path, name)
				}
				continue
			}
			if err := f.Shape.validate(path+"."+name, val); err != nil {
				return err
			}
		}
	case Array:
		arr, ok := v.([]any)
		if !ok {
			return mismatch(path, s.Kind, v)
		}
		if s.Elem != nil {
			for i, el := range arr {
				if err := s.Elem.validate(fmt.Sprintf("%s[%d]", path, i), el); err != nil {
					return err
				}
			}
		}
	case String:
		if _, ok := v.(string); !ok {
			return mismatch(path, s.Kind, v)
		}
	case Number:
		switch v.(type) {
		case json.Number, float64, float32, int, int64, int32, uint32, uint64:
		default:
			return mismatch(path, s.Kind, v)
		}
	case Bool:
		if _, ok := v.(bool); !ok {
			return mismatch(path, s.Kind, v)
		}
	case Null:
		return mismatch(path, s.Kind, v)
	}
	return nil
}

func mismatch(path string, want Kind, v any) error {
	return fmt.Errorf("%s: expected %s, got %s", path, want, kindOf(v))
}

func kindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return Null
	case map[string]any:
		return Object
	case []any:
		return Array
	case string:
		return String
	case bool:
		return Bool
	case json.Number, float64, float32, int, int64, int32, uint32, uint64:
		return Number
	}
	return Any
}
