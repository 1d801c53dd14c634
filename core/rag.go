package core

// rag.go implements RAGPipeline (spec §4.11): document ingestion, chunking,
// embedding, upload, and query-time retrieval, layered on VectorStore and
// InferenceTransport.
//
// Grounded on the teacher's core/ai_inference_analysis.go staged-pipeline
// idiom (extract -> normalize -> score, each stage reporting progress)
// generalized from inference analysis stages to ingestion stages.

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxDocumentBytes bounds ingested document size (spec §4.11).
const DefaultMaxDocumentBytes = 5 * 1024 * 1024

// DefaultChunkSize and DefaultChunkOverlap are the chunking defaults.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// IngestStage names one step of document ingestion progress reporting.
type IngestStage string

const (
	StageExtracting IngestStage = "extracting"
	StageChunking   IngestStage = "chunking"
	StageEmbedding  IngestStage = "embedding"
	StageUploading  IngestStage = "uploading"
)

// IngestProgress is reported via RAGPipeline's onProgress callback.
type IngestProgress struct {
	Stage   IngestStage
	Percent float64
}

// Document is the ingestion input (spec §4.11): one of text, markdown,
// html, pdf, or image content.
type Document struct {
	Name string
	Type string // "text", "markdown", "html", "pdf", "image"
	Data []byte
}

// embedFunc and uploadFunc are the host round trips RAGPipeline drives
// (spec §4.11); injected so RAGPipeline stays transport-agnostic.
type embedFunc func(ctx context.Context, sessionID, text, kind string) ([]float32, error)
type uploadFunc func(ctx context.Context, sessionID string, chunks []VectorChunk) (uploaded int, rejected int, errs []string, err error)
type visionDescribeFunc func(ctx context.Context, sessionID string, image []byte) (string, error)
type searchFunc func(ctx context.Context, sessionID string, queryVector []float32, topK int, threshold float64) ([]VectorHit, error)

// RAGPipeline drives ingestion and query-time retrieval for a session.
type RAGPipeline struct {
	vectors        *VectorStore
	embed          embedFunc
	upload         uploadFunc
	visionDescribe visionDescribeFunc
	search         searchFunc

	chunkSize    int
	chunkOverlap int
	maxBytes     int
}

// NewRAGPipeline wires a RAGPipeline against its host round trips and the
// client-side VectorStore.
func NewRAGPipeline(vectors *VectorStore, embed embedFunc, upload uploadFunc, visionDescribe visionDescribeFunc, search searchFunc) *RAGPipeline {
	return &RAGPipeline{
		vectors:        vectors,
		embed:          embed,
		upload:         upload,
		visionDescribe: visionDescribe,
		search:         search,
		chunkSize:      DefaultChunkSize,
		chunkOverlap:   DefaultChunkOverlap,
		maxBytes:       DefaultMaxDocumentBytes,
	}
}

// Ingest extracts, chunks, embeds, and uploads doc for sessionID, reporting
// progress via onProgress. Failure at any stage fails the whole ingestion:
// no partial vector set is left referenceable (spec §4.11).
func (p *RAGPipeline) Ingest(ctx context.Context, sessionID string, doc Document, onProgress func(IngestProgress)) error {
	if len(doc.Data) > p.maxBytes {
		return fmt.Errorf("%w: document %q exceeds %d bytes", ErrInvalidConfig, doc.Name, p.maxBytes)
	}
	report := func(stage IngestStage, percent float64) {
		if onProgress != nil {
			onProgress(IngestProgress{Stage: stage, Percent: percent})
		}
	}

	report(StageExtracting, 0)
	text, err := p.extract(ctx, sessionID, doc)
	if err != nil {
		return fmt.Errorf("rag ingest: extract: %w", err)
	}
	report(StageExtracting, 100)

	report(StageChunking, 0)
	rawChunks := chunkText(text, p.chunkSize, p.chunkOverlap)
	report(StageChunking, 100)

	documentID := uuid.New().String()
	chunks := make([]VectorChunk, 0, len(rawChunks))
	for i, rc := range rawChunks {
		report(StageEmbedding, percentOf(i, len(rawChunks)))
		vec, err := p.embed(ctx, sessionID, rc.text, "document")
		if err != nil {
			return fmt.Errorf("rag ingest: embed chunk %d: %w", i, err)
		}
		chunks = append(chunks, VectorChunk{
			ChunkID:      uuid.New().String(),
			SessionID:    sessionID,
			DocumentID:   documentID,
			DocumentName: doc.Name,
			DocumentType: doc.Type,
			Index:        i,
			StartOffset:  rc.start,
			EndOffset:    rc.end,
			Text:         rc.text,
			Embedding:    vec,
		})
	}
	report(StageEmbedding, 100)

	report(StageUploading, 0)
	uploaded, rejected, errs, err := p.upload(ctx, sessionID, chunks)
	if err != nil {
		return fmt.Errorf("rag ingest: upload: %w", err)
	}
	if rejected > 0 {
		return fmt.Errorf("rag ingest: %d/%d chunks rejected: %v", rejected, uploaded+rejected, errs)
	}
	for _, c := range chunks {
		if err := p.vectors.Put(c); err != nil {
			return fmt.Errorf("rag ingest: persist chunk: %w", err)
		}
	}
	report(StageUploading, 100)
	return nil
}

func percentOf(i, n int) float64 {
	if n == 0 {
		return 100
	}
	return 100 * float64(i) / float64(n)
}

// extract recovers plain text from doc according to its declared type.
// PDF and image extraction is delegated to the host via embed_text/vision
// round trips; no client-side PDF/OCR library is introduced (spec §4.11,
// SPEC_FULL.md §4.11).
func (p *RAGPipeline) extract(ctx context.Context, sessionID string, doc Document) (string, error) {
	switch doc.Type {
	case "text", "markdown":
		return string(doc.Data), nil
	case "html":
		return stripHTMLTags(string(doc.Data)), nil
	case "image":
		if p.visionDescribe == nil {
			return "", fmt.Errorf("rag ingest: no vision description function configured for image documents")
		}
		return p.visionDescribe(ctx, sessionID, doc.Data)
	case "pdf":
		if p.visionDescribe == nil {
			return "", fmt.Errorf("rag ingest: pdf extraction requires a host vision/description round trip")
		}
		return p.visionDescribe(ctx, sessionID, doc.Data)
	default:
		detected := http.DetectContentType(doc.Data)
		if strings.HasPrefix(detected, "text/") {
			return string(doc.Data), nil
		}
		return "", fmt.Errorf("%w: unsupported document type %q", ErrInvalidConfig, doc.Type)
	}
}

func stripHTMLTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

type textChunk struct {
	text       string
	start, end int
}

// chunkText splits text into overlapping windows of size chars stepping by
// (size - overlap) characters (spec §4.11 defaults: 800/100).
func chunkText(text string, size, overlap int) []textChunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var out []textChunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, textChunk{text: string(runes[start:end]), start: start, end: end})
		if end == len(runes) {
			break
		}
	}
	return out
}

// Query embeds the user's query and retrieves the top-K nearest chunks for
// splicing into a prompt (spec §4.11 Query).
func (p *RAGPipeline) Query(ctx context.Context, sessionID, query string, topK int, threshold float64) ([]VectorHit, error) {
	vec, err := p.embed(ctx, sessionID, query, "query")
	if err != nil {
		return nil, fmt.Errorf("rag query: embed: %w", err)
	}
	hits, err := p.search(ctx, sessionID, vec, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("rag query: search: %w", err)
	}
	return p.vectors.SupplementHits(sessionID, hits), nil
}
