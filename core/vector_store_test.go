package core

import (
	"errors"
	"testing"
)

func TestVectorStorePutFixesDimensionOnFirstChunk(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))

	if err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c0", Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	dim, ok := vs.Dimension("s1")
	if !ok {
		t.Fatal("expected dimension to be recorded after first put")
	}
	if dim != 3 {
		t.Fatalf("expected dimension 3, got %d", dim)
	}
}

func TestVectorStorePutRejectsMismatchedDimension(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))

	if err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c0", Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Put first chunk: %v", err)
	}
	err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c1", Embedding: []float32{1, 2}})
	if err == nil {
		t.Fatal("expected mismatched embedding dimension to be rejected")
	}
	if !errors.Is(err, ErrEmbeddingDimensionMismatch) {
		t.Fatalf("expected ErrEmbeddingDimensionMismatch, got %v", err)
	}
}

func TestVectorStoreGetAndList(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))

	chunks := []VectorChunk{
		{SessionID: "s1", ChunkID: "c0", Text: "first", Embedding: []float32{1, 0}},
		{SessionID: "s1", ChunkID: "c1", Text: "second", Embedding: []float32{0, 1}},
	}
	for _, c := range chunks {
		if err := vs.Put(c); err != nil {
			t.Fatalf("Put(%s): %v", c.ChunkID, err)
		}
	}

	got, err := vs.Get("s1", "c0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Text != "first" {
		t.Fatalf("unexpected Get result: %+v", got)
	}

	list, err := vs.List("s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 stored chunks, got %d", len(list))
	}
}

func TestVectorStoreDimensionBeforeAndAfterPut(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))

	if _, ok := vs.Dimension("s1"); ok {
		t.Fatal("expected no dimension before any put")
	}
	if err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c0", Embedding: []float32{1, 2}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	dim, ok := vs.Dimension("s1")
	if !ok || dim != 2 {
		t.Fatalf("expected dimension 2 after put, got %d (ok=%v)", dim, ok)
	}
}

func TestVectorStoreDeleteClearsChunksAndDimension(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))
	if err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c0", Embedding: []float32{1, 2}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := vs.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, err := vs.List("s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no chunks after delete, got %d", len(list))
	}
	if _, ok := vs.Dimension("s1"); ok {
		t.Fatal("expected dimension to be cleared after delete")
	}
}

func TestVectorStoreSupplementHitsFillsBlankText(t *testing.T) {
	vs := NewVectorStore(newTestStorageFacade(t))
	if err := vs.Put(VectorChunk{SessionID: "s1", ChunkID: "c0", Text: "stored text", Embedding: []float32{1}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hits := []VectorHit{
		{ChunkID: "c0", Score: 0.9},
		{ChunkID: "missing", Score: 0.1, Text: "already populated"},
	}
	out := vs.SupplementHits("s1", hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(out))
	}
	if out[0].Text != "stored text" {
		t.Fatalf("expected blank text to be filled from storage, got %q", out[0].Text)
	}
	if out[1].Text != "already populated" {
		t.Fatalf("expected already-populated text to be left untouched, got %q", out[1].Text)
	}
}
