package model

import "testing"

func TestParseCents(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"99.00", 9900},
		{"1234.56", 123456},
		{"0.01", 1},
		{"4.5", 450},
		{"", 0},
		{"not-a-number", 0},
		{"-1.50", -150},
	}

	for _, tt := range tests {
		if got := ParseCents(tt.input); got != tt.want {
			t.Errorf("ParseCents(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{9900, "99.00"},
		{1, "0.01"},
		{0, "0.00"},
		{-150, "-1.50"},
		{123456, "1234.56"},
	}

	for _, tt := range tests {
		if got := FormatMinor(tt.input); got != tt.want {
			t.Errorf("FormatMinor(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
