package protoerr

import (
	"errors"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Integrity, cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped error should match its cause with errors.Is")
	}
	if got := err.Error(); got != "integrity: boom" {
		t.Fatalf("Error() = %q, want %q", got, "integrity: boom")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Framing, nil) != nil {
		t.Fatal("Wrap(k, nil) must return nil")
	}
}

func TestCountersCountAndLoad(t *testing.T) {
	var c Counters
	c.Count(Framing)
	c.Count(Framing)
	c.Count(Timeout)
	if got := c.Load(Framing); got != 2 {
		t.Fatalf("Load(Framing) = %d, want 2", got)
	}
	if got := c.Load(Timeout); got != 1 {
		t.Fatalf("Load(Timeout) = %d, want 1", got)
	}
	if got := c.Load(Resource); got != 0 {
		t.Fatalf("Load(Resource) = %d, want 0", got)
	}
	if got := len(c.LogAttrs()); got != 2 {
		t.Fatalf("LogAttrs() has %d attrs, want 2 (only nonzero kinds)", got)
	}
}
