package mapweb

import "testing"

func TestPropertyPathAppendDoesNotMutateReceiver(t *testing.T) {
	base := PropertyPath{"a"}
	extended := base.Append("b")

	if len(base) != 1 {
		t.Fatalf("base mutated: %v", base)
	}
	if len(extended) != 2 || extended[0] != "a" || extended[1] != "b" {
		t.Fatalf("unexpected extended path: %v", extended)
	}

	// Appending again from base must not see the first extension.
	other := base.Append("c")
	if len(other) != 2 || other[1] != "c" {
		t.Fatalf("unexpected second extension: %v", other)
	}
}

func TestPropertyPathString(t *testing.T) {
	p := PropertyPath{"users", 3, "name"}
	got := p.String()
	want := ".users[3].name"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRawPathToPropertyPathRejectsForbiddenKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "constructor", "prototype", "toJSON"} {
		_, err := rawPathToPropertyPath([]interface{}{key})
		if err == nil {
			t.Fatalf("expected error decoding forbidden key %q", key)
		}
		var pathErr *PathError
		if pe, ok := err.(*PathError); !ok {
			t.Fatalf("expected *PathError for %q, got %T", key, err)
		} else {
			pathErr = pe
		}
		if pathErr.Key != key {
			t.Fatalf("PathError.Key = %q, want %q", pathErr.Key, key)
		}
	}
}

func TestRawPathToPropertyPathAcceptsOrdinaryKeys(t *testing.T) {
	raw := []interface{}{"items", float64(2), "label"}
	p, err := rawPathToPropertyPath(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := PropertyPath{"items", 2, "label"}
	if len(p) != len(want) {
		t.Fatalf("got %v, want %v", p, want)
	}
	for i := range want {
		if p[i] != want[i] {
			t.Fatalf("index %d: got %v, want %v", i, p[i], want[i])
		}
	}
}

func TestRawPathToPropertyPathRejectsNegativeIndex(t *testing.T) {
	_, err := rawPathToPropertyPath([]interface{}{float64(-1)})
	if err == nil {
		t.Fatal("expected error for negative index")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestRawPathToPropertyPathRejectsInvalidElementType(t *testing.T) {
	_, err := rawPathToPropertyPath([]interface{}{true})
	if err == nil {
		t.Fatal("expected error for non string/number path element")
	}
}
