package canonical

import (
	"bytes"
	"math"
	"testing"

	"orbitwatch/internal/model"
)

func TestEncodeSortsKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	got, err := Encode(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte(`{"a":1,"b":2,"c":{"y":false,"z":true}}`)
	if !bytes.Equal(got, want) {
		t.Fatalf("encoding mismatch: %s != %s", got, want)
	}
}

func TestEncodeInsertionOrderIndependent(t *testing.T) {
	first := map[string]any{}
	first["alpha"] = []any{1, 2, 3}
	first["beta"] = "x"

	second := map[string]any{}
	second["beta"] = "x"
	second["alpha"] = []any{1, 2, 3}

	b1, err := Encode(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := Encode(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("encodings differ: %s != %s", b1, b2)
	}
}

func TestEncodePreservesArrayOrder(t *testing.T) {
	got, err := Encode([]int{3, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "[3,1,2]" {
		t.Fatalf("array order not preserved: %s", got)
	}
}

func TestEncodeRejectsNonFinite(t *testing.T) {
	_, err := Encode(map[string]any{"x": math.NaN()})
	if err == nil {
		t.Fatalf("expected error for NaN")
	}
	if !model.IsInvalid(err) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"k": "v", "n": 7}
	h1, err := Hash(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := Hash(map[string]any{"n": 7, "k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}
}
