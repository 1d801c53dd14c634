package core

// contract_facade_fake.go provides an in-memory ContractFacade used by
// tests, mirroring the teacher's pattern of backing its own _test.go files
// with in-memory ledgers/stores rather than mocking frameworks.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeContractFacade is a deterministic, in-memory ContractFacade.
type FakeContractFacade struct {
	mu          sync.Mutex
	jobs        map[string]*fakeJob
	hosts       []Host
	hostBalance float64
	treasury    float64
}

type fakeJob struct {
	tokensUsed uint64
	state      SessionState
	deposit    float64
	pricePer   float64
}

// NewFakeContractFacade returns a ready-to-use in-memory facade seeded with
// hosts.
func NewFakeContractFacade(hosts []Host) *FakeContractFacade {
	return &FakeContractFacade{jobs: make(map[string]*fakeJob), hosts: hosts}
}

func (f *FakeContractFacade) CreateSessionJob(ctx context.Context, hostID, token string, deposit, pricePerToken float64, duration time.Duration, proofInterval uint64) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New().String()
	f.jobs[id] = &fakeJob{state: StateFunded, deposit: deposit, pricePer: pricePerToken}
	return id, id, "0xfake" + id[:8], nil
}

func (f *FakeContractFacade) GetJobStatus(ctx context.Context, sessionID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[sessionID]
	if !ok {
		return JobStatus{}, ErrSessionNotFound
	}
	return JobStatus{TokensUsed: j.tokensUsed, State: j.state, Accumulated: float64(j.tokensUsed) * j.pricePer}, nil
}

func (f *FakeContractFacade) SubmitCheckpoint(ctx context.Context, sessionID string, deltaTokens uint64, proofHash [32]byte, signature [65]byte, proofCID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	j.tokensUsed += deltaTokens
	return fmt.Sprintf("0xckpt%d", j.tokensUsed), nil
}

func (f *FakeContractFacade) CompleteSession(ctx context.Context, sessionID string, finalTokens uint64, finalProof [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if finalTokens > j.tokensUsed {
		j.tokensUsed = finalTokens
	}
	j.state = StateSettled
	hostAmt, treasuryAmt := SplitSettlement(float64(j.tokensUsed) * j.pricePer)
	f.hostBalance += hostAmt
	f.treasury += treasuryAmt
	return "0xsettle" + sessionID[:8], nil
}

func (f *FakeContractFacade) HostWithdraw(ctx context.Context, token string) (string, error) {
	return "0xhostwithdraw", nil
}

func (f *FakeContractFacade) TreasuryWithdraw(ctx context.Context, token string) (string, error) {
	return "0xtreasurywithdraw", nil
}

func (f *FakeContractFacade) DiscoverActiveHostsWithModels(ctx context.Context) ([]Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts, nil
}

// Balances exposes accumulated host/treasury amounts for test assertions.
func (f *FakeContractFacade) Balances() (host, treasury float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostBalance, f.treasury
}
