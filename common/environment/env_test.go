package environment_test

import (
	"testing"
	"time"

	"github.com/latchflow/latchflow/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("LF_TEST_STR", "fs")
	if got := environment.StringOr("LF_TEST_STR", "memory"); got != "fs" {
		t.Errorf("got %q, want %q", got, "fs")
	}
	if got := environment.StringOr("LF_TEST_STR_ABSENT", "memory"); got != "memory" {
		t.Errorf("got %q, want fallback %q", got, "memory")
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("LF_TEST_REQ", "set")
	v, err := environment.RequiredString("LF_TEST_REQ")
	if err != nil {
		t.Fatalf("RequiredString: %v", err)
	}
	if v != "set" {
		t.Errorf("got %q, want %q", v, "set")
	}
	if _, err := environment.RequiredString("LF_TEST_REQ_ABSENT"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestFirstOr(t *testing.T) {
	t.Setenv("LF_TEST_ALIAS_B", "production")
	got := environment.FirstOr("development", "LF_TEST_ALIAS_A", "LF_TEST_ALIAS_B")
	if got != "production" {
		t.Errorf("got %q, want %q", got, "production")
	}
	if got := environment.FirstOr("development", "LF_TEST_ALIAS_X", "LF_TEST_ALIAS_Y"); got != "development" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("LF_TEST_BOOL", "1")
	if !environment.BoolOr("LF_TEST_BOOL", false) {
		t.Error("expected true for \"1\"")
	}
	t.Setenv("LF_TEST_BOOL", "false")
	if environment.BoolOr("LF_TEST_BOOL", true) {
		t.Error("expected false for \"false\"")
	}
	t.Setenv("LF_TEST_BOOL", "yes")
	if !environment.BoolOr("LF_TEST_BOOL", true) {
		t.Error("unparsable value should yield fallback")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("LF_TEST_INT", "20")
	if got := environment.IntOr("LF_TEST_INT", 10); got != 20 {
		t.Errorf("got %d, want 20", got)
	}
	t.Setenv("LF_TEST_INT", "twenty")
	if got := environment.IntOr("LF_TEST_INT", 10); got != 10 {
		t.Errorf("got %d, want fallback 10", got)
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("LF_TEST_DUR", "500ms")
	if got := environment.DurationOr("LF_TEST_DUR", time.Second); got != 500*time.Millisecond {
		t.Errorf("got %v, want 500ms", got)
	}
	if got := environment.DurationOr("LF_TEST_DUR_ABSENT", time.Second); got != time.Second {
		t.Errorf("got %v, want fallback 1s", got)
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("LF_TEST_SLICE", "core:read, files:read ,, bundles:read")
	got := environment.StringSliceOr("LF_TEST_SLICE", nil)
	want := []string{"core:read", "files:read", "bundles:read"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %q, want %q", i, got[i], want[i])
		}
	}
	t.Setenv("LF_TEST_SLICE", " , ,")
	if got := environment.StringSliceOr("LF_TEST_SLICE", []string{"core:read"}); len(got) != 1 || got[0] != "core:read" {
		t.Errorf("blank list should yield fallback, got %v", got)
	}
}
