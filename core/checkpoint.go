package core

// checkpoint.go implements CheckpointEngine (spec §4.10): token-usage
// accumulation, threshold-triggered checkpoint submission, on-chain
// reconciliation, and settlement cost accounting.
//
// Grounded on the teacher's core/ledger.go accumulate-then-flush idiom
// (balance deltas batched and only periodically committed) generalized from
// ledger balances to session token counts, plus core/chain_fork_manager.go's
// read-after-submit confirmation polling reused here for reconciliation.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// MinCheckpointTokens is the client-side minimum delta before a checkpoint
// is submitted rather than deferred (spec §4.10, default 100).
const MinCheckpointTokens = 100

// CheckpointSigner produces a host-authored signature + proof for a pending
// delta; the host holds the private key, so the client never re-derives
// proofHash, only verifies equality on reconciliation (spec §4.10).
type CheckpointSigner func(ctx context.Context, sessionID string, cumulativeTokens uint64) (proofHash [32]byte, signature [65]byte, proofCID string, err error)

// checkpointState is the engine's per-session accumulator.
type checkpointState struct {
	mu               sync.Mutex
	cumulativeTokens uint64
	lastSubmitted    uint64
	pendingDelta     uint64
	records          []CheckpointRecord
}

// CheckpointEngine tracks token usage per session and drives checkpoint
// submission/reconciliation against a ContractFacade.
type CheckpointEngine struct {
	facade ContractFacade
	signer CheckpointSigner
	store  *StorageFacade
	logger *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*checkpointState

	maxReconcileAttempts int
}

// NewCheckpointEngine wires a CheckpointEngine against facade (for
// submission/reconciliation) and store (for persisting CheckpointRecords
// alongside the conversation under `checkpoints/{sessionId}/{index}`).
func NewCheckpointEngine(facade ContractFacade, signer CheckpointSigner, store *StorageFacade, logger *logrus.Logger) *CheckpointEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointEngine{
		facade:               facade,
		signer:               signer,
		store:                store,
		logger:               logger,
		sessions:             make(map[string]*checkpointState),
		maxReconcileAttempts: 5,
	}
}

func checkpointPath(sessionID string, index int) string {
	return fmt.Sprintf("checkpoints/%s/%d", sessionID, index)
}

func (e *CheckpointEngine) stateFor(sessionID string) *checkpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &checkpointState{}
		e.sessions[sessionID] = s
	}
	return s
}

// ObserveTokens accumulates newly streamed tokens for sessionID and
// submits a checkpoint if cumulative tokens just crossed a multiple of
// proofInterval, respecting MinCheckpointTokens (spec §4.9/§4.10).
func (e *CheckpointEngine) ObserveTokens(ctx context.Context, sessionID string, proofInterval uint64, newTokens uint64) error {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	st.cumulativeTokens += newTokens
	st.pendingDelta += newTokens
	crossed := proofInterval > 0 && st.cumulativeTokens/proofInterval > st.lastSubmitted/proofInterval
	st.mu.Unlock()

	if !crossed {
		return nil
	}
	return e.maybeSubmit(ctx, sessionID, false)
}

// EndSession forces a final checkpoint submission covering every remaining
// pending token, even if below MinCheckpointTokens (spec §4.10).
func (e *CheckpointEngine) EndSession(ctx context.Context, sessionID string) error {
	return e.maybeSubmit(ctx, sessionID, true)
}

// maybeSubmit submits the pending delta unless it is below
// MinCheckpointTokens and force is false, in which case it is left to merge
// into a later submission.
func (e *CheckpointEngine) maybeSubmit(ctx context.Context, sessionID string, force bool) error {
	st := e.stateFor(sessionID)

	st.mu.Lock()
	delta := st.pendingDelta
	cumulative := st.cumulativeTokens
	if delta == 0 {
		st.mu.Unlock()
		return nil
	}
	if delta < MinCheckpointTokens && !force {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	proofHash, signature, proofCID, err := e.signer(ctx, sessionID, cumulative)
	if err != nil {
		return fmt.Errorf("checkpoint engine: sign: %w", err)
	}

	txHash, err := e.facade.SubmitCheckpoint(ctx, sessionID, delta, proofHash, signature, proofCID)
	if err != nil {
		return fmt.Errorf("checkpoint engine: submit: %w", err)
	}

	record := CheckpointRecord{
		SessionID:        sessionID,
		CumulativeTokens: cumulative,
		DeltaTokens:      delta,
		ProofHash:        proofHash,
		Signature:        signature,
		ProofCID:         proofCID,
		SubmittedAt:      time.Now(),
		OnChainTxHash:    txHash,
	}

	if err := e.reconcile(ctx, sessionID, &record); err != nil {
		e.logger.Warnf("checkpoint engine: reconciliation pending for session %s: %v", sessionID, err)
	}

	st.mu.Lock()
	index := len(st.records)
	st.lastSubmitted = cumulative
	st.pendingDelta = 0
	st.records = append(st.records, record)
	st.mu.Unlock()

	if e.store != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("checkpoint engine: marshal record: %w", err)
		}
		path := checkpointPath(sessionID, index)
		if err := e.store.Put(path, raw); err != nil {
			return fmt.Errorf("checkpoint engine: persist record: %w", err)
		}
		if err := e.store.recordPath(path); err != nil {
			return fmt.Errorf("checkpoint engine: persist record: %w", err)
		}
	}

	return nil
}

// reconcile re-reads on-chain tokensUsed after submission; if it has not
// increased, it marks the checkpoint unconfirmed and retries the read up
// to maxReconcileAttempts before surfacing CheckpointNotAccepted.
func (e *CheckpointEngine) reconcile(ctx context.Context, sessionID string, record *CheckpointRecord) error {
	before := record.CumulativeTokens - record.DeltaTokens
	for attempt := 0; attempt < e.maxReconcileAttempts; attempt++ {
		status, err := e.facade.GetJobStatus(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeltaFetchFailed, err)
		}
		if status.TokensUsed > before {
			record.VerifiedOnChain = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return ErrCheckpointNotAccepted
}

// Cumulative returns the session's currently accumulated token count.
func (e *CheckpointEngine) Cumulative(sessionID string) uint64 {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cumulativeTokens
}

// Records returns the checkpoints submitted so far for sessionID, oldest
// first.
func (e *CheckpointEngine) Records(sessionID string) []CheckpointRecord {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]CheckpointRecord, len(st.records))
	copy(out, st.records)
	return out
}

// LoadRecords fetches the checkpoint records persisted for sessionID from
// storage, oldest first. This is the recovery-path counterpart to Records:
// it survives a process restart, since it reads from StorageFacade rather
// than the in-memory accumulator (spec §4.9 Recovery).
func (e *CheckpointEngine) LoadRecords(sessionID string) ([]CheckpointRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	prefix := fmt.Sprintf("checkpoints/%s/", sessionID)
	paths, err := e.store.List(prefix)
	if err != nil {
		return nil, fmt.Errorf("checkpoint engine: list records: %w", err)
	}

	type indexed struct {
		idx int
		rec CheckpointRecord
	}
	var all []indexed
	for _, p := range paths {
		idxStr := strings.TrimPrefix(p, prefix)
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		raw, err := e.store.Get(p)
		if err != nil || raw == nil {
			continue
		}
		var r CheckpointRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		all = append(all, indexed{idx: idx, rec: r})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].idx < all[j].idx })

	out := make([]CheckpointRecord, 0, len(all))
	for _, it := range all {
		out = append(out, it.rec)
	}
	return out, nil
}

// TotalCost computes the settlement amount for cumulativeTokens at
// pricePerToken (spec §4.10 cost accounting).
func TotalCost(cumulativeTokens uint64, pricePerToken float64) float64 {
	return float64(cumulativeTokens) * pricePerToken
}
