package logging

import "testing"

func TestSetLevelRejectsInvalid(t *testing.T) {
	Init("test", "0.0.0", "info")
	if err := SetLevel("not-a-level"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComponentAndWithHelpersDoNotPanic(t *testing.T) {
	Init("test", "0.0.0", "warn")
	l := Component("supervisor")
	l = WithStream(l, "s1")
	l = WithConn(l, "c1", "127.0.0.1:1")
	l = WithUser(l, "u1", "d1")
	l.Info().Msg("smoke")
}
