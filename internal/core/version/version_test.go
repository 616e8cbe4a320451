package version

import (
	"errors"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0.0.0.0", 0},
		{"0.8.1.2043", 801_002_043},
		{"1.0.0.0", 10_000_000_000},
		{"3.2.99.999999", 30_299_999_999},
		{"10.0.0.1", 100_000_000_001},
	}

	for _, tt := range tests {
		got, err := Encode(tt.input)
		if err != nil {
			t.Fatalf("Encode(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Encode(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	inputs := []string{
		"",
		"1.2.3",
		"1.2.3.4.5",
		"v1.2.3.4",
		"1.2.x.4",
		"1.-2.3.4",
		"1..3.4",
		"1.100.0.0",
		"1.0.100.0",
		"1.0.0.1000000",
		"01.2.3.4",
	}

	for _, input := range inputs {
		_, err := Encode(input)
		if err == nil {
			t.Errorf("Encode(%q): expected error", input)
			continue
		}
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Errorf("Encode(%q): error %v is not a ParseError", input, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"0.0.0.0",
		"0.8.1.2043",
		"1.0.0.0",
		"4.0.15.2941",
		"5.14.0.9383",
		"99.99.99.999999",
	}

	for _, input := range inputs {
		n, err := Encode(input)
		if err != nil {
			t.Fatalf("Encode(%q): %v", input, err)
		}
		if got := Decode(n); got != input {
			t.Errorf("Decode(Encode(%q)) = %q", input, got)
		}
	}
}

func TestOrdering(t *testing.T) {
	ordered := []string{
		"0.0.0.1",
		"0.0.1.0",
		"0.1.0.0",
		"0.8.5.0",
		"0.8.9.9",
		"0.8.10.0",
		"0.9.0.0",
		"1.0.0.0",
		"1.0.0.999999",
		"1.0.1.0",
		"2.0.0.0",
	}

	for i := 1; i < len(ordered); i++ {
		a, _ := Encode(ordered[i-1])
		b, _ := Encode(ordered[i])
		if a >= b {
			t.Errorf("Encode(%q)=%d is not less than Encode(%q)=%d", ordered[i-1], a, ordered[i], b)
		}

		va, _ := Parse(ordered[i-1])
		vb, _ := Parse(ordered[i])
		if Compare(va, vb) != -1 || Compare(vb, va) != 1 || Compare(va, va) != 0 {
			t.Errorf("Compare inconsistent for %q and %q", ordered[i-1], ordered[i])
		}
	}
}

func TestParseLoose(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"6.8", "6.8.0.0"},
		{"5.20.1", "5.20.1.0"},
		{"6.12.0.90", "6.12.0.90"},
	}

	for _, tt := range tests {
		v, err := ParseLoose(tt.input)
		if err != nil {
			t.Fatalf("ParseLoose(%q): %v", tt.input, err)
		}
		if v.String() != tt.want {
			t.Errorf("ParseLoose(%q) = %s, want %s", tt.input, v, tt.want)
		}
	}

	if _, err := ParseLoose("6"); err == nil {
		t.Error("expected error for single component")
	}
}

func TestValid(t *testing.T) {
	if !Valid("1.2.3.4") {
		t.Error("1.2.3.4 should be valid")
	}
	if Valid("1.2.3") {
		t.Error("1.2.3 should be invalid")
	}
}
