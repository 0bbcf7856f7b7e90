package logging

import "testing"

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("info", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l == nil {
		t.Fatal("nil logger")
	}
	l.WithPeerID("p1").Info("hello")
	l.WithRoom("ABCD-WXYZ").Debug("suppressed at info level")
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := NewLogger("shout", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.WithAction("stack:draw").Info("discarded")
	l.WithError(nil).Warn("discarded")
}
