package cas

import (
	"encoding/hex"
	"testing"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	input := map[string]interface{}{
		"z": 1,
		"a": map[string]interface{}{"y": true, "b": "x"},
		"m": []interface{}{map[string]interface{}{"k": 2, "c": 1}},
	}

	result, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}

	expected := `{"a":{"b":"x","y":true},"m":[{"c":1,"k":2}],"z":1}`
	if string(result) != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}

func TestCanonicalJSON_StructFieldOrderIrrelevant(t *testing.T) {
	type ab struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type ba struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	x, err := CanonicalJSON(ab{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	y, err := CanonicalJSON(ba{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(x) != string(y) {
		t.Errorf("field order leaked into output: %s vs %s", x, y)
	}
}

func TestCanonicalJSON_LargeIntegersSurvive(t *testing.T) {
	result, err := CanonicalJSON(map[string]interface{}{"n": int64(9007199254740993)})
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `{"n":9007199254740993}` {
		t.Errorf("integer precision lost: %s", result)
	}
}

func TestBlake3HashHex(t *testing.T) {
	h := Blake3HashHex([]byte("hello world"))
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		t.Errorf("invalid hex: %v", err)
	}
	if h != Blake3HashHex([]byte("hello world")) {
		t.Error("same input produced different hashes")
	}
	if h == Blake3HashHex([]byte("hello world!")) {
		t.Error("different input produced same hash")
	}
	if !IsDigestHex(h) {
		t.Error("IsDigestHex rejected a real digest")
	}
}

func TestBlake3Hasher_MatchesOneShot(t *testing.T) {
	h := NewBlake3Hasher()
	h.Write([]byte("hello "))
	h.Write([]byte("world"))
	if got := hex.EncodeToString(h.Sum(nil)); got != Blake3HashHex([]byte("hello world")) {
		t.Errorf("streaming hash %s differs from one-shot", got)
	}
}

func TestDigest128Hex(t *testing.T) {
	d := Digest128Hex([]byte("class Foo {}"))
	if len(d) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(d))
	}
	if d != Digest128Hex([]byte("class Foo {}")) {
		t.Error("digest is not stable")
	}
	if d == Digest128Hex([]byte("class Foo { }")) {
		t.Error("different input produced same digest")
	}
}

func TestIsDigestHex(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{Blake3HashHex(nil), true},
		{"", false},
		{"abc", false},
		{"ZZ" + Blake3HashHex(nil)[2:], false},
		{"../" + Blake3HashHex(nil)[3:], false},
	}
	for _, tt := range tests {
		if got := IsDigestHex(tt.input); got != tt.want {
			t.Errorf("IsDigestHex(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID = %q", got)
	}
}
