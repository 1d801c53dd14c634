package core

// session.go implements SessionCoordinator (spec §4.9): session lifecycle
// state machine, prompt dispatch with RAG assembly, resume, and checkpoint
// recovery. Each Session is guarded by its own lock so sendPrompt,
// endSession, and recoverFromCheckpoints never interleave (spec §5).
//
// Grounded on the teacher's core/peer_management.go per-peer-state-machine
// idiom (named states, guarded transitions, a map keyed by id under one
// coordinator-level lock) generalized from peer connection state to
// session lifecycle state.

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

const ragPreamble = "Use the following retrieved context to answer the user's question. If the context is irrelevant, ignore it.\n\n"

// PromptOptions configures one sendPrompt call (spec §4.9).
type PromptOptions struct {
	UseRAG    bool
	TopK      int
	Threshold float64
}

// PromptResult is sendPrompt's return value.
type PromptResult struct {
	Response      string
	TokensUsed    uint64
	WebSearchMeta *WebSearchMeta
}

// RecoveredSession is recoverFromCheckpoints's return value (spec §4.9).
type RecoveredSession struct {
	Messages    []Message
	Checkpoints []CheckpointRecord
	TokenCount  uint64
}

// SessionHandle is the caller-facing reference to a live session.
type SessionHandle struct {
	SessionID string
}

// sessionEntry bundles a Session with its own lock and live transport.
type sessionEntry struct {
	mu        sync.Mutex
	session   Session
	transport *InferenceTransport
}

// SessionCoordinator owns every live Session and its per-session lock.
type SessionCoordinator struct {
	facade     ContractFacade
	wallet     Capability
	convo      *ConversationStore
	vectors    *VectorStore
	checkpoint *CheckpointEngine
	storage    *StorageFacade
	logger     *logrus.Logger

	hostEmbed  func(ctx context.Context, sessionID, text, kind string) ([]float32, error)
	hostSearch func(ctx context.Context, sessionID string, queryVector []float32, topK int, threshold float64) ([]VectorHit, error)

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewSessionCoordinator wires a SessionCoordinator from its component
// dependencies.
func NewSessionCoordinator(
	facade ContractFacade,
	wallet Capability,
	convo *ConversationStore,
	vectors *VectorStore,
	checkpoint *CheckpointEngine,
	storage *StorageFacade,
	hostEmbed func(ctx context.Context, sessionID, text, kind string) ([]float32, error),
	hostSearch func(ctx context.Context, sessionID string, queryVector []float32, topK int, threshold float64) ([]VectorHit, error),
	logger *logrus.Logger,
) *SessionCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionCoordinator{
		facade:     facade,
		wallet:     wallet,
		convo:      convo,
		vectors:    vectors,
		checkpoint: checkpoint,
		storage:    storage,
		hostEmbed:  hostEmbed,
		hostSearch: hostSearch,
		logger:     logger,
		sessions:   make(map[string]*sessionEntry),
	}
}

func (sc *SessionCoordinator) entry(sessionID string) (*sessionEntry, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.sessions[sessionID]
	return e, ok
}

// transition moves e.session to next, logging the edge (spec §4.9 state
// machine); callers must hold e.mu.
func (sc *SessionCoordinator) transition(e *sessionEntry, next SessionState) {
	sc.logger.Infof("session %s: %s -> %s", e.session.SessionID, e.session.State, next)
	e.session.State = next
}

// StartSession creates the on-chain job, confirms the deposit, opens the
// transport, and hands over a handle once session_init is acknowledged.
func (sc *SessionCoordinator) StartSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error) {
	if sc.wallet == nil {
		return SessionHandle{}, ErrIdentityNotAuthenticated
	}
	address, err := sc.wallet.GetAddress(ctx)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("%w: %v", ErrIdentityNotAuthenticated, err)
	}

	sessionID, jobID, _, err := sc.facade.CreateSessionJob(ctx, cfg.HostID, cfg.PaymentToken, cfg.DepositAmount, cfg.PricePerToken, cfg.Duration, cfg.ProofInterval)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("start session: %w", err)
	}

	session := Session{
		SessionID:     sessionID,
		JobID:         jobID,
		UserAddress:   address,
		HostID:        cfg.HostID,
		HostEndpoint:  cfg.HostEndpoint,
		Model:         cfg.Model,
		PricePerToken: cfg.PricePerToken,
		DepositAmount: cfg.DepositAmount,
		ProofInterval: cfg.ProofInterval,
		Duration:      cfg.Duration,
		ChainID:       cfg.ChainID,
		State:         StateCreated,
		StartedAt:     time.Now(),
	}

	e := &sessionEntry{session: session}
	sc.mu.Lock()
	sc.sessions[sessionID] = e
	sc.mu.Unlock()

	e.mu.Lock()
	sc.transition(e, StateFunded)
	e.mu.Unlock()

	transport := NewInferenceTransport(TransportConfig{SessionID: sessionID, HostURL: cfg.HostEndpoint, Logger: sc.logger})
	if err := transport.Open(ctx); err != nil {
		e.mu.Lock()
		sc.transition(e, StateFailed)
		e.mu.Unlock()
		return SessionHandle{}, err
	}
	transport.SetInitialIndex(0)

	if err := sc.sendInit(ctx, transport, session); err != nil {
		e.mu.Lock()
		sc.transition(e, StateFailed)
		e.mu.Unlock()
		return SessionHandle{}, err
	}

	e.mu.Lock()
	e.transport = transport
	sc.transition(e, StateTransportOpen)
	e.mu.Unlock()

	return SessionHandle{SessionID: sessionID}, nil
}

type sessionInitPayload struct {
	SessionID   string `json:"sessionId"`
	JobID       string `json:"jobId"`
	ModelConfig string `json:"modelConfig"`
}

func (sc *SessionCoordinator) sendInit(ctx context.Context, t *InferenceTransport, session Session) error {
	return t.Send(ctx, "inference", "session_init", sessionInitPayload{
		SessionID: session.SessionID, JobID: session.JobID, ModelConfig: session.Model,
	})
}

// ResumeSession loads the stored conversation and reopens the transport
// against (by default) the same host, sending full history via
// session_resume; the client never truncates (spec §4.9 resume policy).
func (sc *SessionCoordinator) ResumeSession(ctx context.Context, sessionID string) (SessionHandle, error) {
	e, ok := sc.entry(sessionID)
	if !ok {
		return SessionHandle{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	history, err := sc.convo.Load(sessionID)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("resume session: %w", err)
	}

	transport := NewInferenceTransport(TransportConfig{SessionID: sessionID, HostURL: e.session.HostEndpoint, Logger: sc.logger})
	if err := transport.Open(ctx); err != nil {
		sc.transition(e, StateFailed)
		return SessionHandle{}, err
	}
	transport.SetInitialIndex(len(history))

	if err := transport.Send(ctx, "inference", "session_resume", map[string]any{
		"sessionId":          sessionID,
		"jobId":               e.session.JobID,
		"conversationContext": history,
		"lastMessageIndex":    len(history) - 1,
	}); err != nil {
		sc.transition(e, StateFailed)
		return SessionHandle{}, err
	}

	e.transport = transport
	sc.transition(e, StateTransportOpen)
	return SessionHandle{SessionID: sessionID}, nil
}

// SendPrompt appends the user turn, optionally assembles RAG context,
// dispatches the prompt, persists the response, and feeds observed tokens
// to CheckpointEngine.
func (sc *SessionCoordinator) SendPrompt(ctx context.Context, handle SessionHandle, text string, opts PromptOptions) (PromptResult, error) {
	e, ok := sc.entry(handle.SessionID)
	if !ok {
		return PromptResult{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == StateClosingPendingHost || e.session.State == StateSettled {
		return PromptResult{}, ErrSessionAlreadyClosed
	}
	if e.transport == nil {
		return PromptResult{}, ErrTransportClosed
	}

	outgoing := text
	if opts.UseRAG {
		assembled, err := sc.assembleRAG(ctx, handle.SessionID, text, opts)
		if err != nil {
			sc.logger.Warnf("session %s: RAG assembly failed, sending raw prompt: %v", handle.SessionID, err)
		} else {
			outgoing = assembled
		}
	}

	userMsg := Message{ID: uuid.New().String(), SessionID: handle.SessionID, Role: RoleUser, Content: text, TimestampMs: time.Now().UnixMilli()}
	if err := sc.convo.Append(handle.SessionID, userMsg); err != nil {
		return PromptResult{}, fmt.Errorf("send prompt: %w", err)
	}

	var result PromptResult
	var chunks []string
	var tokensUsed uint64
	done := make(chan struct{})
	e.transport.OnChunk(func(c Chunk) {
		if c.SessionID != handle.SessionID {
			return
		}
		chunks = append(chunks, c.Chunk)
		tokensUsed += c.TokensUsed
		if c.Done {
			close(done)
		}
	})

	index := e.transport.nextMessageIndex()
	if err := e.transport.Send(ctx, "inference", "prompt", map[string]any{
		"sessionId":    handle.SessionID,
		"content":      outgoing,
		"messageIndex": index,
	}); err != nil {
		return PromptResult{}, fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return PromptResult{}, ctx.Err()
	}

	result.Response = joinChunks(chunks)
	result.TokensUsed = tokensUsed

	assistantTokens := tokensUsed
	assistantMsg := Message{ID: uuid.New().String(), SessionID: handle.SessionID, Role: RoleAssistant, Content: result.Response, TimestampMs: time.Now().UnixMilli(), Tokens: &assistantTokens}
	if err := sc.convo.Append(handle.SessionID, assistantMsg); err != nil {
		return PromptResult{}, fmt.Errorf("send prompt: %w", err)
	}

	if tokensUsed > 0 {
		if err := sc.checkpoint.ObserveTokens(ctx, handle.SessionID, e.session.ProofInterval, tokensUsed); err != nil {
			sc.logger.Warnf("session %s: checkpoint observation failed: %v", handle.SessionID, err)
		}
	}

	if e.session.State == StateTransportOpen {
		sc.transition(e, StateActive)
	}

	return result, nil
}

func joinChunks(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}

// assembleRAG embeds the query, retrieves top-K chunks, and prepends them
// under the fixed preamble (spec §4.9 RAG assembly).
func (sc *SessionCoordinator) assembleRAG(ctx context.Context, sessionID, query string, opts PromptOptions) (string, error) {
	chunks, err := sc.vectors.List(sessionID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return query, nil
	}

	if sc.hostEmbed == nil || sc.hostSearch == nil {
		return query, nil
	}
	queryVector, err := sc.hostEmbed(ctx, sessionID, query, "query")
	if err != nil {
		return "", err
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}
	hits, err := sc.hostSearch(ctx, sessionID, queryVector, topK, opts.Threshold)
	if err != nil {
		return "", err
	}
	hits = sc.vectors.SupplementHits(sessionID, hits)

	assembled := ragPreamble
	for _, h := range hits {
		assembled += h.Text + "\n\n"
	}
	return assembled + query, nil
}

// EndSession transitions to ClosingPendingHost, forces a final checkpoint,
// and waits for the host to complete the session on-chain.
func (sc *SessionCoordinator) EndSession(ctx context.Context, handle SessionHandle) error {
	e, ok := sc.entry(handle.SessionID)
	if !ok {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == StateSettled || e.session.State == StateFailed {
		return ErrSessionAlreadyClosed
	}

	sc.transition(e, StateClosingPendingHost)

	if e.transport != nil {
		totalTokens := sc.checkpoint.Cumulative(handle.SessionID)
		_ = e.transport.Send(ctx, "inference", "session_end", map[string]any{"totalTokens": totalTokens})
		_ = e.transport.Close()
	}

	if err := sc.checkpoint.EndSession(ctx, handle.SessionID); err != nil {
		sc.logger.Warnf("session %s: final checkpoint pending: %v", handle.SessionID, err)
	}

	status, err := sc.facade.GetJobStatus(ctx, handle.SessionID)
	if err != nil {
		sc.transition(e, StateFailed)
		return fmt.Errorf("end session: %w", err)
	}
	if status.State == StateSettled {
		sc.transition(e, StateSettled)
	}

	now := time.Now()
	e.session.EndedAt = &now
	return nil
}

// RecoverFromCheckpoints fetches on-chain checkpoints for sessionID,
// verifies each referenced proof hash against StorageFacade, and returns
// the assembled view (spec §4.9 Recovery).
func (sc *SessionCoordinator) RecoverFromCheckpoints(ctx context.Context, sessionID string) (RecoveredSession, error) {
	messages, err := sc.convo.Load(sessionID)
	if err != nil {
		return RecoveredSession{}, fmt.Errorf("recover from checkpoints: %w", err)
	}

	records, err := sc.checkpoint.LoadRecords(sessionID)
	if err != nil {
		return RecoveredSession{}, fmt.Errorf("recover from checkpoints: %w", err)
	}
	var maxVerified uint64
	for i := range records {
		r := &records[i]
		raw, err := sc.storage.Get(r.ProofCID)
		if err != nil {
			return RecoveredSession{}, fmt.Errorf("%w: %v", ErrDeltaFetchFailed, err)
		}
		if raw == nil {
			return RecoveredSession{}, ErrProofHashMismatch
		}
		computed := proofHashOf(raw)
		if computed != r.ProofHash {
			return RecoveredSession{}, ErrProofHashMismatch
		}
		r.VerifiedOnChain = true
		if r.CumulativeTokens > maxVerified {
			maxVerified = r.CumulativeTokens
		}
	}

	return RecoveredSession{Messages: messages, Checkpoints: records, TokenCount: maxVerified}, nil
}

func proofHashOf(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}
