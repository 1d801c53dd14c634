package core

// vector_store.go implements the client-side shard of VectorStore (spec
// §4.4): chunk metadata keyed `vectors/{sessionId}/{chunkId}`. Nearest-
// neighbor search is delegated to the host via InferenceTransport; this
// store only persists chunks and supplements returned hits with locally
// held text/metadata.

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// VectorStore persists a session's RAG chunk metadata.
type VectorStore struct {
	sf  *StorageFacade
	mu  sync.Mutex
	dim map[string]int // sessionID -> fixed embedding dimensionality
}

// NewVectorStore wraps a StorageFacade with vector-chunk semantics.
func NewVectorStore(sf *StorageFacade) *VectorStore {
	return &VectorStore{sf: sf, dim: make(map[string]int)}
}

func vectorPath(sessionID, chunkID string) string {
	return fmt.Sprintf("vectors/%s/%s", sessionID, chunkID)
}

// Put stores chunk, fixing the session's embedding dimensionality on first
// upload. A later chunk whose embedding length disagrees is rejected with
// EmbeddingDimensionMismatch (spec §8 boundary behavior).
func (vs *VectorStore) Put(chunk VectorChunk) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if len(chunk.Embedding) > 0 {
		fixed, ok := vs.dim[chunk.SessionID]
		if !ok {
			vs.dim[chunk.SessionID] = len(chunk.Embedding)
		} else if fixed != len(chunk.Embedding) {
			return fmt.Errorf("%w: session %s expects dim %d, got %d",
				ErrEmbeddingDimensionMismatch, chunk.SessionID, fixed, len(chunk.Embedding))
		}
	}

	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("vector store put: %w", err)
	}
	path := vectorPath(chunk.SessionID, chunk.ChunkID)
	if err := vs.sf.Put(path, raw); err != nil {
		return fmt.Errorf("vector store put: %w", err)
	}
	return vs.sf.recordPath(path)
}

// Get returns a stored chunk's metadata, if present.
func (vs *VectorStore) Get(sessionID, chunkID string) (*VectorChunk, error) {
	raw, err := vs.sf.Get(vectorPath(sessionID, chunkID))
	if err != nil || raw == nil {
		return nil, err
	}
	var c VectorChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns all chunks stored for sessionID.
func (vs *VectorStore) List(sessionID string) ([]VectorChunk, error) {
	prefix := fmt.Sprintf("vectors/%s/", sessionID)
	paths, err := vs.sf.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]VectorChunk, 0, len(paths))
	for _, p := range paths {
		raw, err := vs.sf.Get(p)
		if err != nil || raw == nil {
			continue
		}
		var c VectorChunk
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Dimension returns the embedding dimensionality fixed for sessionID, or
// (0, false) if no chunk has been uploaded yet.
func (vs *VectorStore) Dimension(sessionID string) (int, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	d, ok := vs.dim[sessionID]
	return d, ok
}

// Delete removes sessionID's stored vector chunks, unless the caller has
// explicitly retained them (spec §3 lifecycle note: vectors are discarded
// on session close by default).
func (vs *VectorStore) Delete(sessionID string) error {
	chunks, err := vs.List(sessionID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := vs.sf.Delete(vectorPath(sessionID, c.ChunkID)); err != nil {
			return err
		}
	}
	vs.mu.Lock()
	delete(vs.dim, sessionID)
	vs.mu.Unlock()
	return nil
}

// SupplementHits enriches host-returned hits (chunkId/score only) with
// locally held text when the host omitted it.
func (vs *VectorStore) SupplementHits(sessionID string, hits []VectorHit) []VectorHit {
	out := make([]VectorHit, len(hits))
	copy(out, hits)
	for i, h := range out {
		if strings.TrimSpace(h.Text) != "" {
			continue
		}
		if c, err := vs.Get(sessionID, h.ChunkID); err == nil && c != nil {
			out[i].Text = c.Text
		}
	}
	return out
}
