package hterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindExhausted, "draw past empty")
	if KindOf(err) != KindExhausted {
		t.Errorf("expected KindExhausted, got %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors should map to KindUnknown")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(KindZoneLocked, "table")
	outer := fmt.Errorf("placing card: %w", inner)
	if KindOf(outer) != KindZoneLocked {
		t.Errorf("expected KindZoneLocked through wrap, got %v", KindOf(outer))
	}
	if !IsKind(outer, KindZoneLocked) {
		t.Error("IsKind should see through fmt wrapping")
	}
}

func TestIsMatchesByKind(t *testing.T) {
	a := Newf(KindUnknownZone, "zone %q", "river")
	b := New(KindUnknownZone, "")
	if !errors.Is(a, b) {
		t.Error("errors with the same kind should match")
	}
	c := New(KindUnknownPlacement, "")
	if errors.Is(a, c) {
		t.Error("different kinds must not match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("eof")
	err := Wrap(KindCorruptChange, "decoding change set", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable")
	}
}

func TestFatal(t *testing.T) {
	if !KindInternalInvariantBroken.Fatal() {
		t.Error("invariant breakage is fatal")
	}
	if KindExhausted.Fatal() {
		t.Error("Exhausted is recoverable")
	}
}
