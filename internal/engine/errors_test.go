package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestCallRecoversPanic(t *testing.T) {
	v, err := Call(func() (int, error) { panic("boom") })
	if v != 0 {
		t.Fatalf("v = %d, want zero value", v)
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if pe.Value != "boom" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error: %+v", pe)
	}

	sentinel := errors.New("sentinel")
	_, err = Call(func() (int, error) { panic(sentinel) })
	if !errors.Is(err, sentinel) {
		t.Fatalf("panic(error) should unwrap to the error, got %v", err)
	}
}

func TestCallPassesThrough(t *testing.T) {
	want := errors.New("failed")
	v, err := Call(func() (string, error) { return "x", want })
	if v != "x" || err != want {
		t.Fatalf("Call = (%q, %v)", v, err)
	}
}

func TestAggregateError(t *testing.T) {
	e1 := errors.New("id 3 failed")
	e2 := errors.New("id 7 failed")
	agg := NewAggregateError([]error{e1, nil, e2})

	if got := agg.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if !errors.Is(agg, e2) {
		t.Fatal("errors.Is should reach collected errors")
	}
	msg := agg.Error()
	if !strings.HasPrefix(msg, "2 job(s) failed") || !strings.Contains(msg, "id 3 failed; id 7 failed") {
		t.Fatalf("Error() = %q", msg)
	}

	errs := agg.Errors()
	errs[0] = nil
	if agg.Errors()[0] != e1 {
		t.Fatal("Errors must return a copy")
	}

	if got := NewAggregateError(nil).Count(); got != 0 {
		t.Fatalf("empty Count = %d", got)
	}
}

func TestParseErrorPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want ErrorPolicy
		ok   bool
	}{
		{"", FailFast, true},
		{"fail-fast", FailFast, true},
		{"THROW_IMMEDIATELY", FailFast, true},
		{"aggregate", Aggregate, true},
		{" suppress ", Suppress, true},
		{"retry", "", false},
	}
	for _, tt := range tests {
		got, err := ParseErrorPolicy(tt.raw)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseErrorPolicy(%q) err = %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseErrorPolicy(%q) = %q, want %q", tt.raw, got, tt.want)
		}
		if tt.ok && !got.Valid() {
			t.Fatalf("%q should be valid", got)
		}
	}
	if ErrorPolicy("other").Valid() {
		t.Fatal("unknown policy reported valid")
	}
}

func TestParseResolveTiming(t *testing.T) {
	t.Parallel()
	if r, err := ParseResolveTiming(""); err != nil || r != OnFinish {
		t.Fatalf("default = %q, %v", r, err)
	}
	if r, err := ParseResolveTiming("on_start"); err != nil || r != OnStart {
		t.Fatalf("on_start = %q, %v", r, err)
	}
	if _, err := ParseResolveTiming("later"); err == nil {
		t.Fatal("expected error")
	}
}
