package core

import (
	"testing"
)

func TestStorageFacadePutGetRoundTrip(t *testing.T) {
	sf := newTestStorageFacade(t)
	if err := sf.Put("greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := sf.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestStorageFacadeGetMissingReturnsNil(t *testing.T) {
	sf := newTestStorageFacade(t)
	got, err := sf.Get("never-written")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing path, got %v", got)
	}
}

func TestStorageFacadeCrossIdentityCannotDecrypt(t *testing.T) {
	sbRoot := t.TempDir()
	phraseA, err := deriveSeedFromAddress("0xidentity-a", 1)
	if err != nil {
		t.Fatalf("deriveSeedFromAddress A: %v", err)
	}
	sfA, err := ConnectStorageFacade(sbRoot, phraseA, nil)
	if err != nil {
		t.Fatalf("ConnectStorageFacade A: %v", err)
	}
	if err := sfA.Put("shared/path", []byte("secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	phraseB, err := deriveSeedFromAddress("0xidentity-b", 1)
	if err != nil {
		t.Fatalf("deriveSeedFromAddress B: %v", err)
	}
	sfB, err := ConnectStorageFacade(sbRoot, phraseB, nil)
	if err != nil {
		t.Fatalf("ConnectStorageFacade B: %v", err)
	}
	got, err := sfB.Get("shared/path")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected identity B to be unable to read identity A's value, got %v", got)
	}
}

func TestStorageFacadeDelete(t *testing.T) {
	sf := newTestStorageFacade(t)
	if err := sf.Put("to-delete", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sf.Delete("to-delete"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := sf.Get("to-delete")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected deleted path to read back nil, got %v", got)
	}
}

func TestStorageFacadeListByPrefix(t *testing.T) {
	sf := newTestStorageFacade(t)
	for _, p := range []string{"sessions/s1/0", "sessions/s1/1", "sessions/s2/0"} {
		if err := sf.Put(p, []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", p, err)
		}
		if err := sf.recordPath(p); err != nil {
			t.Fatalf("recordPath(%s): %v", p, err)
		}
	}
	got, err := sf.List("sessions/s1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 paths under sessions/s1/, got %d: %v", len(got), got)
	}
}
