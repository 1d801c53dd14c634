package core

// transport.go implements InferenceTransport (spec §4.8): one duplex
// websocket stream per session, single-threaded cooperative send/receive,
// strict outbound ordering, optional compression/batching/signing, bearer
// token refresh, and reconnect semantics that never auto-resend.
//
// Grounded on the teacher's core/connection_pool.go goroutine-per-concern
// shape: a background reaper there becomes the background token-refresh
// ticker here, and the bounded idle-connection list becomes a bounded
// outbound channel providing backpressure.

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	logrus "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WireMessage is the envelope every InferenceTransport message shares
// (spec §6): type, session_id, timestamp, plus a typed payload.
type WireMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Chunk is one streamed fragment of a response, delivered via OnChunk.
type Chunk struct {
	SessionID  string
	Chunk      string
	TokensUsed uint64
	Done       bool
}

// TransportConfig configures one InferenceTransport instance.
type TransportConfig struct {
	SessionID           string
	HostURL             string
	CompressionThreshold int // chars; 0 disables compression
	BatchWindow         time.Duration
	BatchEnabled        bool
	SignedMode          bool
	SigningKey          ed25519.PrivateKey
	HostPublicKey       ed25519.PublicKey
	ReplayWindow        time.Duration // default 60s
	OutboundQueueSize   int           // default 64
	SendRateLimit       rate.Limit    // messages/sec, 0 = unlimited
	MaxRetries          int           // reconnect attempts, default 3
	RefreshBeforeMs     int64         // default 30000

	// BearerToken is the current token string; RefreshToken produces a new
	// one plus its absolute expiry and permitted-operation set.
	BearerToken   string
	TokenExpiry   time.Time
	Permissions   map[string]struct{}
	RefreshToken  func(ctx context.Context) (token string, expiry time.Time, perms map[string]struct{}, err error)

	Logger *logrus.Logger
}

// InferenceTransport drives one session's duplex stream.
type InferenceTransport struct {
	cfg    TransportConfig
	logger *logrus.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	nextIndex   int
	limiter     *rate.Limiter
	outbound    chan outboundItem
	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
	permissions map[string]struct{}

	onChunk   func(Chunk)
	onMessage func(WireMessage)

	closeOnce sync.Once
	closed    chan struct{}
}

type outboundItem struct {
	msg    WireMessage
	result chan error
}

// NewInferenceTransport constructs a transport with background send-loop
// and token-refresh ticker started, but does not dial; call Open to
// establish the connection.
func NewInferenceTransport(cfg TransportConfig) *InferenceTransport {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 60 * time.Second
	}
	if cfg.RefreshBeforeMs <= 0 {
		cfg.RefreshBeforeMs = 30000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	var limiter *rate.Limiter
	if cfg.SendRateLimit > 0 {
		limiter = rate.NewLimiter(cfg.SendRateLimit, 1)
	}
	t := &InferenceTransport{
		cfg:         cfg,
		logger:      cfg.Logger,
		limiter:     limiter,
		outbound:    make(chan outboundItem, cfg.OutboundQueueSize),
		token:       cfg.BearerToken,
		tokenExpiry: cfg.TokenExpiry,
		permissions: cfg.Permissions,
		closed:      make(chan struct{}),
	}
	return t
}

// Open dials the host websocket endpoint and starts the background send
// loop, token-refresh ticker, and receive loop, matching the teacher's
// NewConnPool-starts-a-reaper-goroutine idiom.
func (t *InferenceTransport) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.HostURL, nil)
	if err != nil {
		return &NetworkTransientError{Op: "transport open", Err: err}
	}
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.sendLoop()
	go t.refreshLoop(ctx)
	go t.ReceiveLoop(ctx, t.dispatchMessage)
	return nil
}

// OnChunk registers the streaming-response chunk observer.
func (t *InferenceTransport) OnChunk(f func(Chunk)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChunk = f
}

// OnMessage registers an observer for non-response frames (checkpoint_notice,
// error, and any other host-initiated message type).
func (t *InferenceTransport) OnMessage(f func(WireMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = f
}

// Connected reports whether the underlying socket is currently live.
func (t *InferenceTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *InferenceTransport) nextMessageIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.nextIndex
	t.nextIndex++
	return i
}

// SetInitialIndex seeds the outbound index counter: 0 on session_init, or
// len(conversationContext) on session_resume (spec §4.8).
func (t *InferenceTransport) SetInitialIndex(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextIndex = n
}

//---------------------------------------------------------------------
// Permission + token gating
//---------------------------------------------------------------------

func (t *InferenceTransport) checkPermission(op string) error {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()
	if t.permissions == nil {
		return nil
	}
	if _, ok := t.permissions[op]; !ok {
		return fmt.Errorf("%w: operation %q not permitted", ErrPermissionDenied, op)
	}
	return nil
}

func (t *InferenceTransport) ensureFreshToken(ctx context.Context) error {
	t.tokenMu.Lock()
	expiry := t.tokenExpiry
	t.tokenMu.Unlock()

	if expiry.IsZero() {
		return nil
	}
	if time.Until(expiry) > time.Duration(t.cfg.RefreshBeforeMs)*time.Millisecond {
		return nil
	}
	if t.cfg.RefreshToken == nil {
		return fmt.Errorf("%w: no refresh function configured", ErrTokenExpired)
	}
	tok, exp, perms, err := t.cfg.RefreshToken(ctx)
	if err != nil {
		return fmt.Errorf("transport token refresh: %w", err)
	}
	t.tokenMu.Lock()
	t.token, t.tokenExpiry, t.permissions = tok, exp, perms
	t.tokenMu.Unlock()
	return nil
}

// refreshLoop periodically checks token freshness in the background.
func (t *InferenceTransport) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			if err := t.ensureFreshToken(ctx); err != nil {
				t.logger.Warnf("transport %s: token refresh failed: %v", t.cfg.SessionID, err)
			}
		}
	}
}

//---------------------------------------------------------------------
// Sending
//---------------------------------------------------------------------

// Send enqueues msg for the outbound loop, suspending the caller if the
// queue is full until it drains or ctx is cancelled (spec §4.8 backpressure).
func (t *InferenceTransport) Send(ctx context.Context, op string, msgType string, payload any) error {
	if err := t.checkPermission(op); err != nil {
		return err
	}
	if err := t.ensureFreshToken(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport send: marshal payload: %w", err)
	}
	raw, compressed, err := t.maybeCompress(raw)
	if err != nil {
		return fmt.Errorf("transport send: compress: %w", err)
	}
	_ = compressed // caller-level payload types carry their own `compressed` field when relevant

	msg := WireMessage{
		Type:      msgType,
		SessionID: t.cfg.SessionID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}

	result := make(chan error, 1)
	item := outboundItem{msg: msg, result: result}
	select {
	case t.outbound <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrTransportClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InferenceTransport) maybeCompress(raw []byte) ([]byte, bool, error) {
	if t.cfg.CompressionThreshold <= 0 || len(raw) <= t.cfg.CompressionThreshold {
		return raw, false, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, false, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), true, nil
}

// sendLoop is the single-threaded cooperative writer for this transport.
func (t *InferenceTransport) sendLoop() {
	var batch []outboundItem
	timer := time.NewTimer(t.cfg.BatchWindow)
	if !t.cfg.BatchEnabled {
		timer.Stop()
	}
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.writeBatch(batch)
		batch = nil
	}

	for {
		select {
		case <-t.closed:
			flush()
			return
		case item, ok := <-t.outbound:
			if !ok {
				flush()
				return
			}
			if t.limiter != nil {
				_ = t.limiter.Wait(context.Background())
			}
			if !t.cfg.BatchEnabled {
				item.result <- t.writeOne(item.msg)
				continue
			}
			batch = append(batch, item)
			if len(batch) == 1 {
				timer.Reset(t.cfg.BatchWindow)
			}
		case <-timer.C:
			flush()
		}
	}
}

func (t *InferenceTransport) writeOne(msg WireMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.markDisconnected()
		return &NetworkTransientError{Op: "transport write", Err: err}
	}
	return nil
}

// writeBatch sends queued prompts as one `prompts[]` message (spec §4.8
// batching) and resolves every waiter with the shared send outcome.
func (t *InferenceTransport) writeBatch(items []outboundItem) {
	msgs := make([]WireMessage, len(items))
	for i, it := range items {
		msgs[i] = it.msg
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		for _, it := range items {
			it.result <- err
		}
		return
	}
	batchMsg := WireMessage{
		Type:      "prompts_batch",
		SessionID: t.cfg.SessionID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	err = t.writeOne(batchMsg)
	for _, it := range items {
		it.result <- err
	}
}

func (t *InferenceTransport) markDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

//---------------------------------------------------------------------
// Receiving
//---------------------------------------------------------------------

// ReceiveLoop reads inbound messages until the connection drops or ctx is
// cancelled, dispatching response/checkpoint_notice/error frames. Open
// spawns this in its own per-session goroutine; tests or callers that open
// a raw transport without Open's dispatch may still invoke it directly.
func (t *InferenceTransport) ReceiveLoop(ctx context.Context, onMessage func(WireMessage)) error {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return ErrTransportClosed
		}

		var msg WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.markDisconnected()
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return &NetworkTransientError{Op: "transport read", Err: err}
		}

		switch msg.Type {
		case "response":
			t.handleResponse(msg)
		default:
			onMessage(msg)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

type responsePayload struct {
	Content   string `json:"content"`
	TokensUsed uint64 `json:"tokensUsed"`
	Streaming bool   `json:"streaming,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (t *InferenceTransport) handleResponse(msg WireMessage) {
	var p responsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.logger.Warnf("transport %s: malformed response payload: %v", t.cfg.SessionID, err)
		return
	}
	if t.cfg.SignedMode {
		if !t.verifySigned(p, msg.Timestamp) {
			t.logger.Warnf("transport %s: dropped response with invalid signature", t.cfg.SessionID)
			return
		}
	}
	t.mu.Lock()
	cb := t.onChunk
	t.mu.Unlock()
	if cb != nil {
		cb(Chunk{SessionID: msg.SessionID, Chunk: p.Content, TokensUsed: p.TokensUsed, Done: p.Done || !p.Streaming})
	}
}

// dispatchMessage is the default ReceiveLoop handler for non-response
// frames: it logs checkpoint_notice/error frames and forwards every frame
// to any caller-registered OnMessage observer.
func (t *InferenceTransport) dispatchMessage(msg WireMessage) {
	switch msg.Type {
	case "checkpoint_notice":
		t.logger.Infof("transport %s: checkpoint notice: %s", t.cfg.SessionID, string(msg.Payload))
	case "error":
		t.logger.Warnf("transport %s: host error frame: %s", t.cfg.SessionID, string(msg.Payload))
	}
	t.mu.Lock()
	cb := t.onMessage
	t.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// verifySigned checks a response signature over (content||timestamp||nonce)
// against the host's announced public key, and enforces the replay window
// (spec §4.8).
func (t *InferenceTransport) verifySigned(p responsePayload, timestamp int64) bool {
	if len(t.cfg.HostPublicKey) == 0 {
		return false
	}
	age := time.Since(time.UnixMilli(timestamp))
	if age < 0 {
		age = -age
	}
	if age > t.cfg.ReplayWindow {
		return false
	}
	signed := append([]byte(p.Content), []byte(fmt.Sprintf("%d", timestamp))...)
	return ed25519.Verify(t.cfg.HostPublicKey, signed, p.Signature)
}

// SignPrompt signs content for an outbound prompt in signed mode, returning
// the signature and the nonce/timestamp pair used in the signed payload.
func (t *InferenceTransport) SignPrompt(content string, nonce []byte) (signature []byte, timestamp int64) {
	timestamp = time.Now().UnixMilli()
	var buf bytes.Buffer
	buf.WriteString(content)
	fmt.Fprintf(&buf, "%d", timestamp)
	buf.Write(nonce)
	return ed25519.Sign(t.cfg.SigningKey, buf.Bytes()), timestamp
}

//---------------------------------------------------------------------
// Lifecycle
//---------------------------------------------------------------------

// Close shuts the transport down; in-flight sends fail with
// ErrTransportClosed and no pending prompt is auto-resent on a later Open.
func (t *InferenceTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.connected = false
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// Reconnect attempts up to MaxRetries redials with exponential backoff,
// matching the teacher's connection_pool reconnection cadence. It never
// resends any previously-queued prompt; the caller decides resend policy
// (spec §4.8 Reconnection).
func (t *InferenceTransport) Reconnect(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.HostURL, nil)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.connected = true
			t.mu.Unlock()
			go t.sendLoop()
			go t.ReceiveLoop(ctx, t.dispatchMessage)
			zap.L().Sugar().Infow("transport reconnected", "session", t.cfg.SessionID, "attempt", attempt)
			return nil
		}
		lastErr = err
		zap.L().Sugar().Warnw("transport reconnect attempt failed", "session", t.cfg.SessionID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrTransportDropped, lastErr)
}
