package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one unit", "1.00", 10_000},
		{"half unit", "0.50", 5_000},
		{"hundred", "100", 1_000_000},
		{"smallest unit", "0.0001", 1},
		{"whole and frac", "1.5000", 15_000},
		{"no frac", "1", 10_000},
		{"short frac", "1.5", 15_000},
		{"four decimals", "1.1234", 11_234},
		{"extra decimals truncated", "1.12349", 11_234},
		{"large amount", "999999.9999", 9_999_999_999},
		{"leading zeros in whole", "007.50", 75_000},
		{"empty string is zero", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.2.3"},
		{"letters", "abc"},
		{"mixed", "1.2a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"one unit", 10_000, "1.0000"},
		{"half unit", 5_000, "0.5000"},
		{"smallest unit", 1, "0.0001"},
		{"zero", 0, "0.0000"},
		{"large", 9_999_999_999, "999999.9999"},
		{"negative", -15_000, "-1.5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(big.NewInt(tt.input)); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}

	if got := Format(nil); got != "0.0000" {
		t.Errorf("Format(nil) = %q, want 0.0000", got)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0000", "1.0000", "100.5000", "0.0001", "999999.9999"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		rate     string
		expected string
	}{
		{"five percent of hundred", "100", "5", "5.0000"},
		{"three percent of hundred", "100", "3", "3.0000"},
		{"fractional rate", "100", "2.5", "2.5000"},
		{"rounds half up", "0.0100", "5", "0.0005"}, // 0.00050 exactly
		{"rounds tiny half up", "0.0010", "5", "0.0001"},
		{"zero rate", "100", "0", "0.0000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, _ := Parse(tt.amount)
			got, ok := Percent(amount, tt.rate)
			if !ok {
				t.Fatalf("Percent(%s, %s) returned ok=false", tt.amount, tt.rate)
			}
			if Format(got) != tt.expected {
				t.Errorf("Percent(%s, %s) = %s, want %s", tt.amount, tt.rate, Format(got), tt.expected)
			}
		})
	}

	if _, ok := Percent(nil, "5"); ok {
		t.Error("Percent(nil, ...) should fail")
	}
	amount, _ := Parse("100")
	if _, ok := Percent(amount, "bad"); ok {
		t.Error("Percent with invalid rate should fail")
	}
}

func TestTolerance(t *testing.T) {
	floor, _ := Parse("0.05")

	// 5% of 10 = 0.5, above the floor
	expected, _ := Parse("10")
	if got := Format(Tolerance(expected, floor)); got != "0.5000" {
		t.Errorf("Tolerance(10) = %s, want 0.5000", got)
	}

	// 5% of 0.1 = 0.005, below the floor
	small, _ := Parse("0.1")
	if got := Format(Tolerance(small, floor)); got != "0.0500" {
		t.Errorf("Tolerance(0.1) = %s, want 0.0500", got)
	}
}

func TestWithinTolerance(t *testing.T) {
	expected, _ := Parse("10")
	tol, _ := Parse("0.5")

	for _, tt := range []struct {
		observed string
		want     bool
	}{
		{"10", true},
		{"10.5", true},
		{"9.5", true},
		{"10.5001", false},
		{"9.4999", false},
	} {
		observed, _ := Parse(tt.observed)
		if got := WithinTolerance(observed, expected, tol); got != tt.want {
			t.Errorf("WithinTolerance(%s, 10, 0.5) = %v, want %v", tt.observed, got, tt.want)
		}
	}
}

func TestIsPositive(t *testing.T) {
	pos, _ := Parse("1")
	if !IsPositive(pos) {
		t.Error("1 should be positive")
	}
	if IsPositive(big.NewInt(0)) {
		t.Error("0 should not be positive")
	}
	if IsPositive(nil) {
		t.Error("nil should not be positive")
	}
}
