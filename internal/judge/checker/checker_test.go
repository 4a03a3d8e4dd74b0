package checker

import (
	"strings"
	"testing"
)

func compare(t *testing.T, cmp Comparator, output, answer string) (bool, string) {
	t.Helper()
	ok, reason, err := cmp.Compare(strings.NewReader(output), strings.NewReader(answer))
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	return ok, reason
}

func TestExactComparatorIgnoresTrailingWhitespace(t *testing.T) {
	t.Parallel()
	cmp, err := New(ModeExact, 0)
	if err != nil {
		t.Fatalf("new comparator: %v", err)
	}

	cases := []struct {
		name   string
		output string
		answer string
		want   bool
	}{
		{"identical", "1 2\n3\n", "1 2\n3\n", true},
		{"trailing spaces", "1 2  \n3\t\n", "1 2\n3\n", true},
		{"crlf output", "1 2\r\n3\r\n", "1 2\n3\n", true},
		{"missing final newline", "1 2\n3", "1 2\n3\n", true},
		{"trailing blank lines", "1 2\n3\n\n\n", "1 2\n3\n", true},
		{"wrong value", "1 2\n4\n", "1 2\n3\n", false},
		{"missing line", "1 2\n", "1 2\n3\n", false},
		{"interior whitespace differs", "1  2\n3\n", "1 2\n3\n", false},
		{"both empty", "", "", true},
	}
	for _, tc := range cases {
		ok, reason := compare(t, cmp, tc.output, tc.answer)
		if ok != tc.want {
			t.Errorf("%s: got ok=%v (reason=%q), want %v", tc.name, ok, reason, tc.want)
		}
	}
}

func TestExactComparatorReportsFirstMismatchLine(t *testing.T) {
	t.Parallel()
	cmp, _ := New(ModeExact, 0)
	ok, reason := compare(t, cmp, "a\nb\nX\n", "a\nb\nc\n")
	if ok {
		t.Fatal("expected mismatch")
	}
	if reason != "line 3 differs" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestFloatComparatorEpsilon(t *testing.T) {
	t.Parallel()
	cmp, err := New(ModeFloat, 1e-6)
	if err != nil {
		t.Fatalf("new comparator: %v", err)
	}

	cases := []struct {
		name   string
		output string
		answer string
		want   bool
	}{
		{"within epsilon", "3.1415926\n", "3.1415927\n", true},
		{"outside epsilon", "3.14\n", "3.15\n", false},
		{"relative tolerance", "1000000.5", "1000000.6", true},
		{"mixed tokens", "case 1: 0.5000001", "case 1: 0.5", true},
		{"non numeric mismatch", "yes", "no", false},
		{"token count differs", "1 2 3", "1 2", false},
		{"scientific notation", "1e-7", "0.0000001", true},
	}
	for _, tc := range cases {
		ok, reason := compare(t, cmp, tc.output, tc.answer)
		if ok != tc.want {
			t.Errorf("%s: got ok=%v (reason=%q), want %v", tc.name, ok, reason, tc.want)
		}
	}
}

func TestFloatComparatorDefaultEpsilon(t *testing.T) {
	t.Parallel()
	cmp, err := New(ModeFloat, 0)
	if err != nil {
		t.Fatalf("new comparator: %v", err)
	}
	ok, _ := compare(t, cmp, "0.10000000001", "0.1")
	if !ok {
		t.Fatal("expected match under default epsilon")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	if _, err := New("fuzzy", 0); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestEmptyModeDefaultsToExact(t *testing.T) {
	t.Parallel()
	cmp, err := New("", 0)
	if err != nil {
		t.Fatalf("new comparator: %v", err)
	}
	if ok, _ := compare(t, cmp, "a\n", "a\n"); !ok {
		t.Fatal("expected exact match")
	}
}
