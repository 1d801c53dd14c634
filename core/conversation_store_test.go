package core

import "testing"

func TestConversationStoreAppendAndLoadOrdering(t *testing.T) {
	sf := newTestStorageFacade(t)
	cs := NewConversationStore(sf)

	msgs := []Message{
		{ID: "m1", Role: RoleUser, Content: "hi"},
		{ID: "m2", Role: RoleAssistant, Content: "hello"},
		{ID: "m3", Role: RoleUser, Content: "how are you"},
	}
	for _, m := range msgs {
		if err := cs.Append("s1", m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	loaded, err := cs.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded))
	}
	for i, m := range loaded {
		if m.MessageIndex != i {
			t.Fatalf("expected contiguous index %d, got %d", i, m.MessageIndex)
		}
	}
	if loaded[0].Content != "hi" || loaded[2].Content != "how are you" {
		t.Fatalf("unexpected ordering: %+v", loaded)
	}
}

func TestConversationStoreAppendIsIdempotent(t *testing.T) {
	sf := newTestStorageFacade(t)
	cs := NewConversationStore(sf)

	msg := Message{ID: "dup", Role: RoleUser, Content: "hi"}
	if err := cs.Append("s1", msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cs.Append("s1", msg); err != nil {
		t.Fatalf("Append (duplicate): %v", err)
	}
	loaded, err := cs.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected idempotent append to leave exactly 1 message, got %d", len(loaded))
	}
}

func TestConversationStoreExportFormats(t *testing.T) {
	sf := newTestStorageFacade(t)
	cs := NewConversationStore(sf)
	_ = cs.Append("s1", Message{ID: "m1", Role: RoleUser, Content: "hi"})

	md, err := cs.Export("s1", "markdown")
	if err != nil {
		t.Fatalf("Export markdown: %v", err)
	}
	if md == "" {
		t.Fatal("expected non-empty markdown export")
	}

	js, err := cs.Export("s1", "json")
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}
	if js == "" {
		t.Fatal("expected non-empty json export")
	}

	if _, err := cs.Export("s1", "yaml"); err == nil {
		t.Fatal("expected an error for an unknown export format")
	}
}

func TestConversationStoreDeleteRemovesEverything(t *testing.T) {
	sf := newTestStorageFacade(t)
	cs := NewConversationStore(sf)
	_ = cs.Append("s1", Message{ID: "m1", Role: RoleUser, Content: "hi"})
	_ = cs.Append("s1", Message{ID: "m2", Role: RoleAssistant, Content: "hello"})

	if err := cs.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err := cs.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no messages after delete, got %d", len(loaded))
	}
}
