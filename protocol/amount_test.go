package protocol

import (
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0.05", 50000, true},
		{"1", 1000000, true},
		{"0", 0, true},
		{"0.000001", 1, true},
		{"0.0000001", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseAmount(%q): expected error", tc.in)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ParseAmount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(50000); got != "0.05" {
		t.Fatalf("FormatAmount(50000) = %q", got)
	}
	if got := FormatAmount(0); got != "0" {
		t.Fatalf("FormatAmount(0) = %q", got)
	}
	if got := FormatAmount(1000000); got != "1" {
		t.Fatalf("FormatAmount(1000000) = %q", got)
	}
}
