package core

import (
	"context"
	"errors"
	"testing"
)

func newTestRAGPipeline(t *testing.T, embed embedFunc, upload uploadFunc) (*RAGPipeline, *VectorStore) {
	t.Helper()
	sf := newTestStorageFacade(t)
	vectors := NewVectorStore(sf)
	pipeline := NewRAGPipeline(vectors, embed, upload, nil, nil)
	return pipeline, vectors
}

func TestChunkTextOverlap(t *testing.T) {
	text := "0123456789"
	chunks := chunkText(text, 4, 1)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if chunks[0].text != "0123" {
		t.Fatalf("unexpected first chunk: %q", chunks[0].text)
	}
	// step = size - overlap = 3; second chunk starts at rune 3.
	if chunks[1].text != "3456" {
		t.Fatalf("unexpected second chunk: %q", chunks[1].text)
	}
}

func TestRAGIngestPersistsOnSuccess(t *testing.T) {
	embedCalls := 0
	embed := func(ctx context.Context, sessionID, text, kind string) ([]float32, error) {
		embedCalls++
		return []float32{1, 2, 3}, nil
	}
	upload := func(ctx context.Context, sessionID string, chunks []VectorChunk) (int, int, []string, error) {
		return len(chunks), 0, nil, nil
	}
	pipeline, vectors := newTestRAGPipeline(t, embed, upload)

	var stages []IngestStage
	err := pipeline.Ingest(context.Background(), "s1", Document{Name: "doc.txt", Type: "text", Data: []byte("hello world")}, func(p IngestProgress) {
		stages = append(stages, p.Stage)
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if embedCalls == 0 {
		t.Fatal("expected embed to be called")
	}
	stored, err := vectors.List("s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) == 0 {
		t.Fatal("expected chunks to be persisted after successful upload")
	}
	sawUploading := false
	for _, s := range stages {
		if s == StageUploading {
			sawUploading = true
		}
	}
	if !sawUploading {
		t.Fatal("expected an uploading-stage progress report")
	}
}

func TestRAGIngestAtomicOnUploadRejection(t *testing.T) {
	embed := func(ctx context.Context, sessionID, text, kind string) ([]float32, error) {
		return []float32{1}, nil
	}
	upload := func(ctx context.Context, sessionID string, chunks []VectorChunk) (int, int, []string, error) {
		return 0, len(chunks), []string{"rejected"}, nil
	}
	pipeline, vectors := newTestRAGPipeline(t, embed, upload)

	err := pipeline.Ingest(context.Background(), "s1", Document{Name: "doc.txt", Type: "text", Data: []byte("hello")}, nil)
	if err == nil {
		t.Fatal("expected ingest to fail when chunks are rejected")
	}
	stored, err := vectors.List("s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected no vectors persisted on rejected upload, got %d", len(stored))
	}
}

func TestRAGIngestAtomicOnEmbedFailure(t *testing.T) {
	uploadCalled := false
	embed := func(ctx context.Context, sessionID, text, kind string) ([]float32, error) {
		return nil, errors.New("embed down")
	}
	upload := func(ctx context.Context, sessionID string, chunks []VectorChunk) (int, int, []string, error) {
		uploadCalled = true
		return len(chunks), 0, nil, nil
	}
	pipeline, vectors := newTestRAGPipeline(t, embed, upload)

	err := pipeline.Ingest(context.Background(), "s1", Document{Name: "doc.txt", Type: "text", Data: []byte("hello")}, nil)
	if err == nil {
		t.Fatal("expected ingest to fail on embed error")
	}
	if uploadCalled {
		t.Fatal("upload must not be reached when embedding fails")
	}
	stored, _ := vectors.List("s1")
	if len(stored) != 0 {
		t.Fatal("expected no vectors persisted on embed failure")
	}
}

func TestRAGIngestRejectsOversizedDocument(t *testing.T) {
	pipeline, _ := newTestRAGPipeline(t, nil, nil)
	pipeline.maxBytes = 4
	err := pipeline.Ingest(context.Background(), "s1", Document{Name: "big.txt", Type: "text", Data: []byte("too big")}, nil)
	if err == nil {
		t.Fatal("expected oversized document to be rejected")
	}
}

func TestRAGQueryDelegatesEmbedAndSearch(t *testing.T) {
	embed := func(ctx context.Context, sessionID, text, kind string) ([]float32, error) {
		if kind != "query" {
			t.Fatalf("expected query kind, got %q", kind)
		}
		return []float32{0.1}, nil
	}
	var searchCalled bool
	pipeline, _ := newTestRAGPipeline(t, embed, nil)
	pipeline.search = func(ctx context.Context, sessionID string, queryVector []float32, topK int, threshold float64) ([]VectorHit, error) {
		searchCalled = true
		return []VectorHit{{ChunkID: "c1", Score: 0.9, Text: "chunk text"}}, nil
	}

	hits, err := pipeline.Query(context.Background(), "s1", "what is it", 3, 0.5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !searchCalled {
		t.Fatal("expected search to be invoked")
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestStripHTMLTags(t *testing.T) {
	got := stripHTMLTags("<p>Hello <b>World</b></p>")
	if got != "Hello World" {
		t.Fatalf("unexpected stripped text: %q", got)
	}
}
