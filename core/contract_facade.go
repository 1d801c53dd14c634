package core

// contract_facade.go implements ContractFacade (spec §4.5): typed entry
// points onto the on-chain job marketplace, registry, proof and treasury
// contracts. The core never assumes a specific chain SDK (spec non-goal);
// ContractFacade is consumed only through this interface.
//
// Grounded on the teacher's core/cross_chain.go / core/contracts.go typed
// registry-operation idiom (marshal struct, persist, broadcast, classify
// errors) and on core/chain_fork_manager.go's confirmation-depth polling
// shape. Retry/backoff is github.com/cenkalti/backoff/v4, the same
// transient-error retry dependency the wider example pack (erigon) carries.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logrus "github.com/sirupsen/logrus"
)

// JobStatus is the on-chain view of a session's job (spec §4.5).
type JobStatus struct {
	TokensUsed  uint64
	State       SessionState
	Accumulated float64
}

// ContractFacade is the typed interface the core consumes for every
// mutating/view operation against the marketplace contracts.
type ContractFacade interface {
	CreateSessionJob(ctx context.Context, hostID, token string, deposit, pricePerToken float64, duration time.Duration, proofInterval uint64) (sessionID, jobID, txHash string, err error)
	GetJobStatus(ctx context.Context, sessionID string) (JobStatus, error)
	SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature [65]byte, proofCID string) (txHash string, err error)
	CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (txHash string, err error)
	HostWithdraw(ctx context.Context, token string) (txHash string, err error)
	TreasuryWithdraw(ctx context.Context, token string) (txHash string, err error)
	DiscoverActiveHostsWithModels(ctx context.Context) ([]Host, error)
}

// ConfirmationDepth is the default number of blocks a mutating call waits
// to observe before returning (spec §4.5).
const DefaultConfirmationDepth = 3

// chainBackend abstracts the minimal on-chain primitives a concrete
// ContractFacade needs: submit a call, observe confirmations, read state.
// Implementations live outside the core (wallet/chain SDK territory); the
// core only calls through this and the wallet Capability interface.
type chainBackend interface {
	Submit(ctx context.Context, method string, args ...any) (txHash string, err error)
	Confirmations(ctx context.Context, txHash string) (int, error)
	ReadJobStatus(ctx context.Context, sessionID string) (JobStatus, error)
	ReadActiveHosts(ctx context.Context) ([]Host, error)
}

// chainContractFacade is the concrete ContractFacade wired to a chainBackend.
type chainContractFacade struct {
	backend           chainBackend
	logger            *logrus.Logger
	confirmationDepth int
	maxBackoff        time.Duration

	mu    sync.Mutex
	nonce map[string]uint64 // per-payer nonce bookkeeping owned by the facade
}

// NewChainContractFacade wires a ContractFacade against backend.
func NewChainContractFacade(backend chainBackend, logger *logrus.Logger, confirmationDepth int, maxBackoff time.Duration) ContractFacade {
	if confirmationDepth <= 0 {
		confirmationDepth = DefaultConfirmationDepth
	}
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &chainContractFacade{
		backend:           backend,
		logger:            logger,
		confirmationDepth: confirmationDepth,
		maxBackoff:        maxBackoff,
		nonce:             make(map[string]uint64),
	}
}

// isPermanent classifies revert/unauthorized/insufficient-funds errors as
// non-retryable; everything else is treated as transient network/RPC noise.
func isPermanent(err error) bool {
	return errors.Is(err, ErrContractReverted) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnauthorizedSigner)
}

// withRetry retries fn with bounded exponential backoff unless it returns a
// permanent error, per spec §4.5.
func (f *chainContractFacade) withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var result string
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(f.maxBackoff),
	), ctx)

	op := func() error {
		txHash, err := fn()
		if err == nil {
			result = txHash
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		f.logger.Warnf("contract facade: transient error, retrying: %v", err)
		return &NetworkTransientError{Op: "contract call", Err: err}
	}

	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return result, nil
}

// awaitConfirmations blocks until txHash reaches the facade's configured
// confirmation depth.
func (f *chainContractFacade) awaitConfirmations(ctx context.Context, txHash string) error {
	for {
		n, err := f.backend.Confirmations(ctx, txHash)
		if err != nil {
			return fmt.Errorf("contract facade: confirmations: %w", err)
		}
		if n >= f.confirmationDepth {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *chainContractFacade) CreateSessionJob(ctx context.Context, hostID, token string, deposit, pricePerToken float64, duration time.Duration, proofInterval uint64) (string, string, string, error) {
	var jobID string
	txHash, err := f.withRetry(ctx, func() (string, error) {
		return f.backend.Submit(ctx, "createSessionJob", hostID, token, deposit, pricePerToken, duration, proofInterval)
	})
	if err != nil {
		return "", "", "", fmt.Errorf("create session job: %w", err)
	}
	if err := f.awaitConfirmations(ctx, txHash); err != nil {
		return "", "", "", err
	}
	// sessionId == jobId by invariant (spec §3).
	jobID = txHash
	return jobID, jobID, txHash, nil
}

func (f *chainContractFacade) GetJobStatus(ctx context.Context, sessionID string) (JobStatus, error) {
	return f.backend.ReadJobStatus(ctx, sessionID)
}

func (f *chainContractFacade) SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature [65]byte, proofCID string) (string, error) {
	txHash, err := f.withRetry(ctx, func() (string, error) {
		return f.backend.Submit(ctx, "submitCheckpoint", sessionID, deltaTokens, proofHash, signature, proofCID)
	})
	if err != nil {
		return "", fmt.Errorf("submit checkpoint: %w", err)
	}
	if err := f.awaitConfirmations(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (f *chainContractFacade) CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (string, error) {
	txHash, err := f.withRetry(ctx, func() (string, error) {
		return f.backend.Submit(ctx, "completeSession", sessionID, finalTokens, finalProof)
	})
	if err != nil {
		return "", fmt.Errorf("complete session: %w", err)
	}
	if err := f.awaitConfirmations(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (f *chainContractFacade) HostWithdraw(ctx context.Context, token string) (string, error) {
	return f.withRetry(ctx, func() (string, error) {
		return f.backend.Submit(ctx, "hostWithdraw", token)
	})
}

func (f *chainContractFacade) TreasuryWithdraw(ctx context.Context, token string) (string, error) {
	return f.withRetry(ctx, func() (string, error) {
		return f.backend.Submit(ctx, "treasuryWithdraw", token)
	})
}

func (f *chainContractFacade) DiscoverActiveHostsWithModels(ctx context.Context) ([]Host, error) {
	return f.backend.ReadActiveHosts(ctx)
}

//---------------------------------------------------------------------
// Settlement split (spec §4.10 cost accounting)
//---------------------------------------------------------------------

// HostShareBp and TreasuryShareBp are the settlement split in basis points
// (90% host / 10% treasury, spec §4.10/§8).
const (
	HostShareBp     = 9000
	TreasuryShareBp = 1000
)

// SplitSettlement divides totalCost between host and treasury per the
// fixed 90/10 policy.
func SplitSettlement(totalCost float64) (hostAmount, treasuryAmount float64) {
	hostAmount = totalCost * float64(HostShareBp) / 10000
	treasuryAmount = totalCost * float64(TreasuryShareBp) / 10000
	return
}
