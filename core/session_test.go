package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeWallet struct{ address string }

func (w *fakeWallet) GetAddress(ctx context.Context) (string, error) { return w.address, nil }
func (w *fakeWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return msg, nil
}
func (w *fakeWallet) SendTransaction(ctx context.Context, tx any) (string, error) {
	return "0xtx", nil
}

type sessionTestFacade struct {
	*fakeFacade
	jobStatus JobStatus
}

func (f *sessionTestFacade) CreateSessionJob(ctx context.Context, hostID, token string, deposit, pricePerToken float64, duration time.Duration, proofInterval uint64) (string, string, string, error) {
	return "session-1", "job-1", "0xcreate", nil
}
func (f *sessionTestFacade) GetJobStatus(ctx context.Context, sessionID string) (JobStatus, error) {
	return f.jobStatus, nil
}

// promptEchoServer answers every "prompt"/"session_init"/"session_resume"
// message with a single non-streaming "response" frame; session_init and
// session_resume frames get an empty ack so Send doesn't block forever.
func promptEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg WireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "prompt" {
				continue
			}
			var payload struct {
				Content string `json:"content"`
			}
			_ = json.Unmarshal(msg.Payload, &payload)
			resp := WireMessage{Type: "response", SessionID: msg.SessionID, Timestamp: time.Now().UnixMilli()}
			raw, _ := json.Marshal(responsePayload{Content: "echo:" + payload.Content, Done: true})
			resp.Payload = raw
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func newTestCoordinator(t *testing.T, facade ContractFacade, wallet Capability) (*SessionCoordinator, *StorageFacade) {
	t.Helper()
	sf := newTestStorageFacade(t)
	convo := NewConversationStore(sf)
	vectors := NewVectorStore(sf)
	ckpt := NewCheckpointEngine(facade, testSigner, sf, nil)
	coord := NewSessionCoordinator(facade, wallet, convo, vectors, ckpt, sf, nil, nil, nil)
	return coord, sf
}

func TestSessionLifecycleStartPromptEnd(t *testing.T) {
	srv := promptEchoServer(t)
	defer srv.Close()

	facade := &sessionTestFacade{fakeFacade: &fakeFacade{}, jobStatus: JobStatus{State: StateSettled}}
	wallet := &fakeWallet{address: "0xuser"}
	coord, _ := newTestCoordinator(t, facade, wallet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := coord.StartSession(ctx, SessionConfig{HostID: "host-1", HostEndpoint: wsURL(srv.URL), Model: "llama3"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if handle.SessionID != "session-1" {
		t.Fatalf("unexpected session id: %s", handle.SessionID)
	}

	result, err := coord.SendPrompt(ctx, handle, "hello", PromptOptions{})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if result.Response != "echo:hello" {
		t.Fatalf("unexpected response: %q", result.Response)
	}

	history, err := coord.convo.Load(handle.SessionID)
	if err != nil {
		t.Fatalf("Load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(history))
	}

	if err := coord.EndSession(ctx, handle); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	e, _ := coord.entry(handle.SessionID)
	if e.session.State != StateSettled {
		t.Fatalf("expected settled state, got %s", e.session.State)
	}
}

func TestSendPromptRejectsClosedSession(t *testing.T) {
	facade := &sessionTestFacade{fakeFacade: &fakeFacade{}, jobStatus: JobStatus{State: StateSettled}}
	wallet := &fakeWallet{address: "0xuser"}
	coord, _ := newTestCoordinator(t, facade, wallet)

	coord.mu.Lock()
	coord.sessions["closed"] = &sessionEntry{session: Session{SessionID: "closed", State: StateSettled}}
	coord.mu.Unlock()

	_, err := coord.SendPrompt(context.Background(), SessionHandle{SessionID: "closed"}, "hi", PromptOptions{})
	if err != ErrSessionAlreadyClosed {
		t.Fatalf("expected ErrSessionAlreadyClosed, got %v", err)
	}
}

func TestRecoverFromCheckpointsVerifiesProofHash(t *testing.T) {
	facade := &sessionTestFacade{fakeFacade: &fakeFacade{}}
	wallet := &fakeWallet{address: "0xuser"}
	coord, sf := newTestCoordinator(t, facade, wallet)

	sessionID := "s-recover"
	raw := []byte("checkpoint-blob")
	proofPath := "proofs/" + sessionID + "/0"
	if err := sf.Put(proofPath, raw); err != nil {
		t.Fatalf("Put: %v", err)
	}

	record := CheckpointRecord{
		SessionID:        sessionID,
		CumulativeTokens: 500,
		ProofHash:        proofHashOf(raw),
		ProofCID:         proofPath,
	}
	recRaw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	ckptPath := checkpointPath(sessionID, 0)
	if err := sf.Put(ckptPath, recRaw); err != nil {
		t.Fatalf("Put record: %v", err)
	}
	if err := sf.recordPath(ckptPath); err != nil {
		t.Fatalf("recordPath: %v", err)
	}

	recovered, err := coord.RecoverFromCheckpoints(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("RecoverFromCheckpoints: %v", err)
	}
	if recovered.TokenCount != 500 {
		t.Fatalf("expected verified token count 500, got %d", recovered.TokenCount)
	}
	if !recovered.Checkpoints[0].VerifiedOnChain {
		t.Fatal("expected checkpoint to be marked verified")
	}
}
