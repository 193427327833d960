package catalog

import "testing"

func TestNormalizeSKU(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-123", "ABC123"},
		{"ABC 123", "ABC123"},
		{"ab.c_1/23", "ABC123"},
		{"ＡＢＣ 123", "ABC123"}, // fullwidth folds to ASCII
		{"wid–42", "WID42"},   // non-ASCII separator
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := NormalizeSKU(tt.in); got != tt.want {
			t.Errorf("NormalizeSKU(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSKUIsIdempotent(t *testing.T) {
	for _, s := range []string{"abc-123", "Ｗｉｄ 42", "X1"} {
		once := NormalizeSKU(s)
		if twice := NormalizeSKU(once); twice != once {
			t.Errorf("NormalizeSKU not idempotent for %q: %q -> %q", s, once, twice)
		}
	}
}
