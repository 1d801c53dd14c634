package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeChainBackend struct {
	submitCalls    int
	failSubmitN    int // fail the first N submits with a transient error
	permanentErr   error
	confirmations  int
	confirmErr     error
	jobStatus      JobStatus
	jobStatusErr   error
	activeHosts    []Host
	activeHostsErr error
}

func (b *fakeChainBackend) Submit(ctx context.Context, method string, args ...any) (string, error) {
	b.submitCalls++
	if b.permanentErr != nil {
		return "", b.permanentErr
	}
	if b.submitCalls <= b.failSubmitN {
		return "", errors.New("transient rpc blip")
	}
	return "0xtxhash", nil
}

func (b *fakeChainBackend) Confirmations(ctx context.Context, txHash string) (int, error) {
	if b.confirmErr != nil {
		return 0, b.confirmErr
	}
	return b.confirmations, nil
}

func (b *fakeChainBackend) ReadJobStatus(ctx context.Context, sessionID string) (JobStatus, error) {
	return b.jobStatus, b.jobStatusErr
}

func (b *fakeChainBackend) ReadActiveHosts(ctx context.Context) ([]Host, error) {
	return b.activeHosts, b.activeHostsErr
}

func TestChainContractFacadeCreateSessionJobAwaitsConfirmations(t *testing.T) {
	backend := &fakeChainBackend{confirmations: DefaultConfirmationDepth}
	facade := NewChainContractFacade(backend, nil, 0, 0)

	sessionID, jobID, txHash, err := facade.CreateSessionJob(context.Background(), "host-1", "usdc", 10, 0.01, time.Minute, 100)
	if err != nil {
		t.Fatalf("CreateSessionJob: %v", err)
	}
	if sessionID != jobID {
		t.Fatalf("expected sessionID == jobID by invariant, got %q vs %q", sessionID, jobID)
	}
	if txHash == "" {
		t.Fatal("expected a non-empty tx hash")
	}
}

func TestChainContractFacadeRetriesTransientErrors(t *testing.T) {
	backend := &fakeChainBackend{failSubmitN: 2, confirmations: DefaultConfirmationDepth}
	facade := NewChainContractFacade(backend, nil, 0, 5*time.Second)

	_, err := facade.HostWithdraw(context.Background(), "usdc")
	if err != nil {
		t.Fatalf("expected retry to eventually succeed, got %v", err)
	}
	if backend.submitCalls != 3 {
		t.Fatalf("expected 3 submit attempts (2 failures + 1 success), got %d", backend.submitCalls)
	}
}

func TestChainContractFacadeDoesNotRetryPermanentErrors(t *testing.T) {
	backend := &fakeChainBackend{permanentErr: ErrInsufficientFunds}
	facade := NewChainContractFacade(backend, nil, 0, 5*time.Second)

	_, err := facade.HostWithdraw(context.Background(), "usdc")
	if err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if backend.submitCalls != 1 {
		t.Fatalf("expected exactly one attempt for a permanent error, got %d", backend.submitCalls)
	}
}

func TestIsPermanentClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrContractReverted, true},
		{ErrInsufficientFunds, true},
		{ErrUnauthorizedSigner, true},
		{errors.New("connection reset"), false},
	}
	for _, c := range cases {
		if got := isPermanent(c.err); got != c.want {
			t.Fatalf("isPermanent(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestChainContractFacadeAwaitConfirmationsTimesOutOnContextCancel(t *testing.T) {
	backend := &fakeChainBackend{confirmations: 0}
	facade := NewChainContractFacade(backend, nil, 1, 5*time.Second).(*chainContractFacade)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := facade.awaitConfirmations(ctx, "0xtx")
	if err == nil {
		t.Fatal("expected awaitConfirmations to return an error when the context is cancelled")
	}
}

func TestChainContractFacadeGetJobStatusAndDiscoverHosts(t *testing.T) {
	backend := &fakeChainBackend{
		jobStatus:   JobStatus{TokensUsed: 42, State: StateActive},
		activeHosts: []Host{{ID: "h1"}},
	}
	facade := NewChainContractFacade(backend, nil, 0, 0)

	status, err := facade.GetJobStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if status.TokensUsed != 42 {
		t.Fatalf("expected tokens used 42, got %d", status.TokensUsed)
	}

	hosts, err := facade.DiscoverActiveHostsWithModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverActiveHostsWithModels: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "h1" {
		t.Fatalf("unexpected hosts: %+v", hosts)
	}
}

func TestSplitSettlementIsNinetyTen(t *testing.T) {
	hostAmount, treasuryAmount := SplitSettlement(100)
	if hostAmount != 90 {
		t.Fatalf("expected host share 90, got %v", hostAmount)
	}
	if treasuryAmount != 10 {
		t.Fatalf("expected treasury share 10, got %v", treasuryAmount)
	}
}
