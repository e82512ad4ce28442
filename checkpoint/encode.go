package checkpoint

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Tagged-value encoding wraps structured objects as
// {"$type": "module:TypeName", "value": <recursively encoded>} so they can
// be reconstructed on decode. Bools, strings, and float64 pass through
// unchanged; other numeric types are tagged with their Go kind so a JSON
// round trip (which reads every number as float64) restores the original
// type. Unrecognized objects fall back to their string representation, and
// self-referential structures are cut off with the CycleSentinel rather
// than looping forever.

const (
	// TypeKey marks a tagged value in encoded form.
	TypeKey = "$type"

	// ValueKey holds the encoded payload of a tagged value.
	ValueKey = "value"

	// CycleSentinel replaces values already seen on the current encoding
	// path. Cyclic run state is not round-trippable; it is truncated, not
	// rejected.
	CycleSentinel = "<cycle>"

	// timeTypeName tags time.Time values, which encode as RFC 3339 strings.
	timeTypeName = "time:Time"

	// goKindPrefix tags builtin numeric values by kind, e.g. "go:int".
	goKindPrefix = "go:"

	// maxDepth bounds recursion for pathological nesting.
	maxDepth = 64
)

var registry = struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// RegisterType makes struct type T round-trippable through Encode/Decode
// under the given marker name, conventionally "module:TypeName".
// Registration is global and typically done from init functions.
func RegisterType[T any](name string) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.byName[name] = typ
	registry.byType[typ] = name
}

func registeredName(t reflect.Type) (string, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	name, ok := registry.byType[t]
	return name, ok
}

func registeredType(name string) (reflect.Type, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	t, ok := registry.byName[name]
	return t, ok
}

// Encode converts a value into tagged-value form suitable for JSON
// persistence.
func Encode(v any) any {
	return encode(v, make(map[uintptr]bool), 0)
}

func encode(v any, visited map[uintptr]bool, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxDepth {
		return CycleSentinel
	}

	switch tv := v.(type) {
	case bool, string, float64:
		return tv
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32:
		return map[string]any{
			TypeKey:  goKindPrefix + reflect.TypeOf(v).Kind().String(),
			ValueKey: tv,
		}
	case time.Time:
		return map[string]any{
			TypeKey:  timeTypeName,
			ValueKey: tv.Format(time.RFC3339Nano),
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return CycleSentinel
		}
		visited[addr] = true
		defer delete(visited, addr)
		return encode(rv.Elem().Interface(), visited, depth+1)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return CycleSentinel
		}
		visited[addr] = true
		defer delete(visited, addr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = encode(iter.Value().Interface(), visited, depth+1)
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return CycleSentinel
		}
		visited[addr] = true
		defer delete(visited, addr)
		return encodeSeq(rv, visited, depth)

	case reflect.Array:
		return encodeSeq(rv, visited, depth)

	case reflect.Struct:
		typ := rv.Type()
		name, ok := registeredName(typ)
		if !ok {
			// Unrecognized structured value: fall back to its string form.
			return fmt.Sprintf("%v", v)
		}
		fields := make(map[string]any)
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() {
				continue
			}
			fields[f.Name] = encode(rv.Field(i).Interface(), visited, depth+1)
		}
		return map[string]any{TypeKey: name, ValueKey: fields}

	default:
		return fmt.Sprintf("%v", v)
	}
}

func encodeSeq(rv reflect.Value, visited map[uintptr]bool, depth int) any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = encode(rv.Index(i).Interface(), visited, depth+1)
	}
	return out
}

// Decode reconstructs a value from tagged-value form. Tagged values whose
// type is registered are rebuilt as that type; unknown tags are left in
// encoded form.
func Decode(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		if name, ok := tv[TypeKey].(string); ok {
			return decodeTagged(name, tv[ValueKey])
		}
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = Decode(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = Decode(val)
		}
		return out
	default:
		return v
	}
}

// numericKinds maps kind names used in "go:" tags back to concrete types.
var numericKinds = map[string]reflect.Type{
	"int":     reflect.TypeOf(int(0)),
	"int8":    reflect.TypeOf(int8(0)),
	"int16":   reflect.TypeOf(int16(0)),
	"int32":   reflect.TypeOf(int32(0)),
	"int64":   reflect.TypeOf(int64(0)),
	"uint":    reflect.TypeOf(uint(0)),
	"uint8":   reflect.TypeOf(uint8(0)),
	"uint16":  reflect.TypeOf(uint16(0)),
	"uint32":  reflect.TypeOf(uint32(0)),
	"uint64":  reflect.TypeOf(uint64(0)),
	"float32": reflect.TypeOf(float32(0)),
}

func decodeTagged(name string, value any) any {
	if name == timeTypeName {
		if s, ok := value.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
		return value
	}

	if kind, ok := strings.CutPrefix(name, goKindPrefix); ok {
		if typ, known := numericKinds[kind]; known {
			rv := reflect.ValueOf(value)
			if rv.IsValid() && rv.Type().ConvertibleTo(typ) {
				return rv.Convert(typ).Interface()
			}
		}
		return value
	}

	typ, ok := registeredType(name)
	if !ok {
		// Unknown tag: preserve the encoded form.
		return map[string]any{TypeKey: name, ValueKey: Decode(value)}
	}

	fields, ok := value.(map[string]any)
	if !ok {
		return map[string]any{TypeKey: name, ValueKey: Decode(value)}
	}

	inst := reflect.New(typ).Elem()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		raw, present := fields[f.Name]
		if !present {
			continue
		}
		setField(inst.Field(i), Decode(raw))
	}
	return inst.Interface()
}

// setField assigns a decoded value to a struct field, converting where the
// persisted representation differs from the field type (JSON numbers decode
// as float64).
func setField(field reflect.Value, value any) {
	if value == nil {
		return
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(field.Type()):
		field.Set(rv)
	case rv.Type().ConvertibleTo(field.Type()):
		field.Set(rv.Convert(field.Type()))
	}
}
