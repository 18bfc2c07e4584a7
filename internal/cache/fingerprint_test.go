package cache

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Please  make this\tMORE formal ", "please make this more formal"},
		{" Grüße AN  Sie\n", "grüße an sie"},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFingerprint_Shape(t *testing.T) {
	fp := NewFingerprint("q", "formal", []string{"a"}, "m")
	if len(fp) != 64 || !fp.Valid() {
		t.Errorf("fingerprint %q is not 64 hex chars", fp)
	}
	if Fingerprint("xyz").Valid() {
		t.Error("short value reported valid")
	}
	if fp.Short() != string(fp[:12]) {
		t.Errorf("Short() = %q", fp.Short())
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := NewFingerprint("Please make this more formal", "formal", []string{"d2", "d1"}, "base/formal@1#0")
	b := NewFingerprint("  please   MAKE this more formal", "formal", []string{"d1", "d2"}, "base/formal@1#0")
	if a != b {
		t.Errorf("equivalent requests produced %s and %s", a, b)
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	base := NewFingerprint("q", "formal", []string{"a", "b"}, "m@1")
	variants := map[string]Fingerprint{
		"query":         NewFingerprint("q2", "formal", []string{"a", "b"}, "m@1"),
		"tone":          NewFingerprint("q", "casual", []string{"a", "b"}, "m@1"),
		"ids":           NewFingerprint("q", "formal", []string{"a", "c"}, "m@1"),
		"fewer ids":     NewFingerprint("q", "formal", []string{"a"}, "m@1"),
		"model version": NewFingerprint("q", "formal", []string{"a", "b"}, "m@2"),
		"field shift":   NewFingerprint("q", "formal", []string{"ab"}, "m@1"),
	}
	for name, fp := range variants {
		if fp == base {
			t.Errorf("%s change did not alter the fingerprint", name)
		}
	}
	if NewFingerprint("ab", "c", nil, "") == NewFingerprint("a", "bc", nil, "") {
		t.Error("length prefixing failed to separate field boundaries")
	}
}

func TestFingerprint_DoesNotModifyIDs(t *testing.T) {
	ids := []string{"z", "a"}
	_ = NewFingerprint("q", "t", ids, "m")
	if ids[0] != "z" {
		t.Error("ids were sorted in place")
	}
}
