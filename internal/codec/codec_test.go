package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	B string `cbor:"2,keyasint"`
	A int    `cbor:"1,keyasint"`
	C []byte `cbor:"3,keyasint,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{A: 7, B: "seven", C: []byte{1, 2, 3}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from the first", i)
		}
	}
}

func TestMapKeyOrderIrrelevant(t *testing.T) {
	a, err := Marshal(map[string]int{"x": 1, "y": 2, "z": 3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(map[string]int{"z": 3, "x": 1, "y": 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("map insertion order leaked into the encoding")
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{A: -4, B: "neg"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.A != in.A || out.B != in.B || out.C != nil {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalIntoAny(t *testing.T) {
	data, err := Marshal(map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	var v any
	if err := Unmarshal(data, &v); err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", v)
	}
	if m["k"] != "v" {
		t.Errorf(`m["k"] = %v, want "v"`, m["k"])
	}
}
