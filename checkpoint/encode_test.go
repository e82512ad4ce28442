package checkpoint

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

type order struct {
	ID       string
	Quantity int
	Placed   time.Time
}

type node struct {
	Name string
	Next *node
}

func init() {
	RegisterType[order]("checkpointtest:order")
	RegisterType[node]("checkpointtest:node")
}

func TestEncode_PrimitivesPassThrough(t *testing.T) {
	cases := []any{true, "hello", 3.14}
	for _, in := range cases {
		if got := Encode(in); got != in {
			t.Errorf("Encode(%v) = %v, want unchanged", in, got)
		}
	}
}

func TestEncodeDecode_TypedNumerics(t *testing.T) {
	cases := []any{42, int64(7), int32(-3), uint(9), uint8(255), float32(1.5)}
	for _, in := range cases {
		got := Decode(Encode(in))
		if got != in {
			t.Errorf("round trip %T(%v): got %T(%v)", in, in, got, got)
		}
	}
}

func TestEncodeDecode_TypedNumericsThroughJSON(t *testing.T) {
	// JSON reads every number back as float64; the kind tag must restore the
	// original type or resumed messages stop matching their typed handlers.
	cases := []any{42, int64(7), uint16(12), float32(2.5)}
	for _, in := range cases {
		raw, err := json.Marshal(Encode(in))
		if err != nil {
			t.Fatalf("marshal %T: %v", in, err)
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("unmarshal %T: %v", in, err)
		}
		got := Decode(parsed)
		if got != in {
			t.Errorf("JSON round trip %T(%v): got %T(%v)", in, in, got, got)
		}
	}
}

func TestEncode_NilIsNil(t *testing.T) {
	if got := Encode(nil); got != nil {
		t.Errorf("Encode(nil) = %v, want nil", got)
	}
}

func TestEncodeDecode_Time(t *testing.T) {
	in := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)

	encoded := Encode(in)
	m, ok := encoded.(map[string]any)
	if !ok {
		t.Fatalf("Encode(time.Time) = %T, want tagged map", encoded)
	}
	if m[TypeKey] != "time:Time" {
		t.Errorf("type tag = %v, want time:Time", m[TypeKey])
	}

	decoded := Decode(encoded)
	got, ok := decoded.(time.Time)
	if !ok {
		t.Fatalf("Decode = %T, want time.Time", decoded)
	}
	if !got.Equal(in) {
		t.Errorf("round trip: got %v, want %v", got, in)
	}
}

func TestEncodeDecode_RegisteredStruct(t *testing.T) {
	in := order{ID: "o-1", Quantity: 3, Placed: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}

	decoded := Decode(Encode(in))
	got, ok := decoded.(order)
	if !ok {
		t.Fatalf("Decode = %T, want order", decoded)
	}
	if got.ID != in.ID || got.Quantity != in.Quantity || !got.Placed.Equal(in.Placed) {
		t.Errorf("round trip: got %+v, want %+v", got, in)
	}
}

func TestEncodeDecode_RegisteredStructThroughJSON(t *testing.T) {
	in := order{ID: "o-2", Quantity: 5}

	// Persisting a checkpoint serializes the encoded form; numbers come back
	// as float64 and must convert to the declared field types.
	raw, err := json.Marshal(Encode(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	decoded := Decode(parsed)
	got, ok := decoded.(order)
	if !ok {
		t.Fatalf("Decode = %T, want order", decoded)
	}
	if got.ID != "o-2" || got.Quantity != 5 {
		t.Errorf("round trip: got %+v, want %+v", got, in)
	}
}

func TestEncode_UnregisteredStructFallsBackToString(t *testing.T) {
	type unregistered struct{ X int }

	got := Encode(unregistered{X: 1})
	if _, ok := got.(string); !ok {
		t.Errorf("Encode(unregistered) = %T, want string fallback", got)
	}
}

func TestEncode_CycleTruncated(t *testing.T) {
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	encoded := Encode(a)

	// The cycle must be cut with the sentinel somewhere down the chain.
	raw, err := json.Marshal(encoded)
	if err != nil {
		t.Fatalf("encoded form not serializable: %v", err)
	}
	if !containsSentinel(encoded) {
		t.Errorf("expected cycle sentinel in encoded form: %s", raw)
	}
}

func containsSentinel(v any) bool {
	switch tv := v.(type) {
	case string:
		return tv == CycleSentinel
	case map[string]any:
		for _, val := range tv {
			if containsSentinel(val) {
				return true
			}
		}
	case []any:
		for _, val := range tv {
			if containsSentinel(val) {
				return true
			}
		}
	}
	return false
}

func TestEncode_SharedPointerIsNotACycle(t *testing.T) {
	shared := &node{Name: "shared"}
	in := []any{shared, shared}

	encoded := Encode(in)
	if containsSentinel(encoded) {
		t.Error("sibling references to the same pointer must not be treated as a cycle")
	}
}

func TestDecode_UnknownTagPreserved(t *testing.T) {
	encoded := map[string]any{TypeKey: "other:Thing", ValueKey: map[string]any{"A": 1}}

	decoded := Decode(encoded)
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("Decode = %T, want map", decoded)
	}
	if m[TypeKey] != "other:Thing" {
		t.Errorf("unknown tag not preserved: %v", m)
	}
}

func TestEncodeDecode_NestedContainers(t *testing.T) {
	in := map[string]any{
		"orders": []any{order{ID: "x", Quantity: 1}},
		"count":  2,
	}

	decoded := Decode(Encode(in))
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("Decode = %T, want map", decoded)
	}
	list, ok := m["orders"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("orders = %v, want one-element slice", m["orders"])
	}
	if got, ok := list[0].(order); !ok || got.ID != "x" {
		t.Errorf("orders[0] = %v, want order{ID: x}", list[0])
	}
	if !reflect.DeepEqual(m["count"], 2) {
		t.Errorf("count = %v, want 2", m["count"])
	}
}
