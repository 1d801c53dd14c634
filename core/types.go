package core

// types.go declares the data model shared across components (spec §3).
// Grouped here, struct-only, the way the teacher's common_structs.go keeps
// cross-package types dependency-light and free of cyclic imports.

import "time"

//---------------------------------------------------------------------
// Identity
//---------------------------------------------------------------------

// Identity is a (address, chainId) pair, or stands for a raw private key
// when Address is empty. Either form deterministically derives a storage
// seed phrase (see IdentityKeyDerivation).
type Identity struct {
	Address string
	ChainID uint64
}

//---------------------------------------------------------------------
// Host / discovery
//---------------------------------------------------------------------

// DiscoverySource names one of the host-discovery channels.
type DiscoverySource string

const (
	SourceLocalMulticast DiscoverySource = "localMulticast"
	SourceDHT            DiscoverySource = "dht"
	SourceHTTPRegistry   DiscoverySource = "httpRegistry"
	SourceBootstrap      DiscoverySource = "bootstrap"
)

// Host describes one inference provider.
type Host struct {
	ID                   string
	URL                  string
	Models               map[string]struct{}
	PricePerTokenNative   float64
	PricePerTokenStable   float64
	LatencyMs            *float64
	Region               string
	Capabilities         map[string]struct{}
	ReliabilityScore     *float64
	Source               DiscoverySource
	LastSeenAt           time.Time
}

// Clone returns a deep-enough copy of h suitable for merge bookkeeping.
func (h Host) Clone() Host {
	out := h
	out.Models = make(map[string]struct{}, len(h.Models))
	for k := range h.Models {
		out.Models[k] = struct{}{}
	}
	out.Capabilities = make(map[string]struct{}, len(h.Capabilities))
	for k := range h.Capabilities {
		out.Capabilities[k] = struct{}{}
	}
	if h.LatencyMs != nil {
		v := *h.LatencyMs
		out.LatencyMs = &v
	}
	if h.ReliabilityScore != nil {
		v := *h.ReliabilityScore
		out.ReliabilityScore = &v
	}
	return out
}

// DiscoveryObservation is one source's sighting of a Host, used for the
// newer-wins, field-by-field merge in HostDiscovery.
type DiscoveryObservation struct {
	HostID     string
	Source     DiscoverySource
	ObservedAt time.Time
	Host       Host
}

//---------------------------------------------------------------------
// Session
//---------------------------------------------------------------------

// SessionState is the SessionCoordinator lifecycle state machine (spec §3).
type SessionState string

const (
	StateCreated             SessionState = "Created"
	StateFunded              SessionState = "Funded"
	StateTransportOpen       SessionState = "TransportOpen"
	StateActive              SessionState = "Active"
	StateClosingPendingHost  SessionState = "ClosingPendingHost"
	StateSettled             SessionState = "Settled"
	StateFailed              SessionState = "Failed"
)

// SessionConfig enumerates exactly the typed fields a caller supplies to
// start a session (spec §9 — no freeform config objects).
type SessionConfig struct {
	DepositAmount float64
	PricePerToken float64
	ProofInterval uint64
	Duration      time.Duration
	PaymentToken  string
	ChainID       uint64
	Model         string
	HostID        string
	HostEndpoint  string
	UseDeposit    bool
}

// Session is the client-side record of one paid conversation.
type Session struct {
	SessionID     string
	JobID         string
	UserAddress   string
	HostID        string
	HostEndpoint  string
	Model         string
	PricePerToken float64
	DepositAmount float64
	ProofInterval uint64
	Duration      time.Duration
	ChainID       uint64
	State         SessionState
	StartedAt     time.Time
	EndedAt       *time.Time
}

//---------------------------------------------------------------------
// Message
//---------------------------------------------------------------------

// MessageRole is the sum type for conversation turn authorship.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// WebSearchMeta records retrieval provenance attached to a message, if any.
type WebSearchMeta struct {
	Queries []string `json:"queries,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// Message is one turn in a session's conversation log.
type Message struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"sessionId"`
	Role          MessageRole   `json:"role"`
	Content       string        `json:"content"`
	TimestampMs   int64         `json:"timestampMs"`
	Tokens        *uint64       `json:"tokens,omitempty"`
	WebSearchMeta *WebSearchMeta `json:"webSearchMeta,omitempty"`
	MessageIndex  int           `json:"messageIndex"`
}

// ConversationManifest is the per-session summary record stored alongside
// the message log (spec §4.3/§6).
type ConversationManifest struct {
	Model       string    `json:"model"`
	Provider    string    `json:"provider"`
	TotalTokens uint64    `json:"totalTokens"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

//---------------------------------------------------------------------
// Checkpoint / payment
//---------------------------------------------------------------------

// CheckpointRecord is a host-signed token-usage claim (spec §3/§4.10).
type CheckpointRecord struct {
	SessionID        string `json:"sessionId"`
	CumulativeTokens uint64 `json:"cumulativeTokens"`
	DeltaTokens      uint64 `json:"deltaTokens"`
	ProofHash        [32]byte `json:"proofHash"`
	Signature        [65]byte `json:"signature"`
	ProofCID         string `json:"proofCID"`
	SubmittedAt      time.Time `json:"submittedAt"`
	OnChainTxHash    string `json:"onChainTxHash,omitempty"`
	VerifiedOnChain  bool   `json:"verifiedOnChain"`
}

//---------------------------------------------------------------------
// Vectors / RAG
//---------------------------------------------------------------------

// VectorChunk is one retrieval-augmented-generation chunk with its
// embedding, scoped to a session (spec §3/§4.4).
type VectorChunk struct {
	ChunkID      string    `json:"chunkId"`
	SessionID    string    `json:"sessionId"`
	DocumentID   string    `json:"documentId"`
	DocumentName string    `json:"documentName"`
	DocumentType string    `json:"documentType"`
	Index        int       `json:"index"`
	StartOffset  int       `json:"startOffset"`
	EndOffset    int       `json:"endOffset"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// VectorHit is a ranked retrieval result returned by the host.
type VectorHit struct {
	ChunkID string  `json:"chunkId"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
}
