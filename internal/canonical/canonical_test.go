package canonical

import "testing"

func TestMarshalSortsKeysAndCompacts(t *testing.T) {
	got, err := Marshal(map[string]any{
		"zebra": 1,
		"alpha": "x",
		"nested": map[string]any{
			"b": true,
			"a": nil,
		},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"alpha":"x","nested":{"a":null,"b":true},"zebra":1}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	m := map[string]any{"k1": 1, "k2": 2, "k3": 3, "k4": 4}
	first, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := Marshal(m)
		if string(again) != string(first) {
			t.Fatalf("Marshal not deterministic: %s vs %s", again, first)
		}
	}
}

func TestMarshalString(t *testing.T) {
	if got := MarshalString(map[string]any{"a": 1}); got != `{"a":1}` {
		t.Errorf("MarshalString = %q", got)
	}
	// Unencodable values fall back to an empty object.
	if got := MarshalString(map[string]any{"fn": func() {}}); got != "{}" {
		t.Errorf("MarshalString fallback = %q", got)
	}
}
