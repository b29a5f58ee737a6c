package shared_test

import (
	"testing"

	"github.com/coopsys/warden/internal/shared"
)

func TestMetadata_Validate(t *testing.T) {
	good := shared.Metadata{"s": "x", "b": true, "i": 42, "f": 1.5, "n": nil}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	bad := shared.Metadata{"nested": map[string]any{"x": 1}}
	if err := bad.Validate(); err == nil {
		t.Fatal("nested value accepted")
	}
	if err := (shared.Metadata{"list": []string{"a"}}).Validate(); err == nil {
		t.Fatal("slice value accepted")
	}
}

func TestMetadata_JSONRoundTrip(t *testing.T) {
	for _, m := range []shared.Metadata{nil, {}} {
		s, err := m.JSON()
		if err != nil || s != "{}" {
			t.Fatalf("empty metadata JSON = %q, %v; want {}", s, err)
		}
	}

	in := shared.Metadata{"tokens": 12345678901234, "quality": 0.9, "tag": "x"}
	s, err := in.JSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := shared.ParseMetadata(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Large token counts survive without float truncation.
	tokens, ok := shared.NumberAsInt64(out["tokens"])
	if !ok || tokens != 12345678901234 {
		t.Fatalf("tokens = %d, %v; want 12345678901234", tokens, ok)
	}
	quality, ok := shared.NumberAsFloat64(out["quality"])
	if !ok || quality != 0.9 {
		t.Fatalf("quality = %f, %v; want 0.9", quality, ok)
	}
}

func TestMetadata_Clone(t *testing.T) {
	var nilMeta shared.Metadata
	if got := nilMeta.Clone(); got != nil {
		t.Fatalf("nil clone = %v, want nil", got)
	}

	orig := shared.Metadata{"k": "v"}
	copy := orig.Clone()
	copy["k"] = "changed"
	if orig["k"] != "v" {
		t.Fatal("clone shares storage with original")
	}
}

func TestNumberCoercions(t *testing.T) {
	if _, ok := shared.NumberAsInt64("nope"); ok {
		t.Fatal("string coerced to int64")
	}
	if got, ok := shared.NumberAsInt64(3.9); !ok || got != 3 {
		t.Fatalf("NumberAsInt64(3.9) = %d, %v", got, ok)
	}
	if got, ok := shared.NumberAsFloat64(int64(7)); !ok || got != 7 {
		t.Fatalf("NumberAsFloat64(7) = %f, %v", got, ok)
	}
}
