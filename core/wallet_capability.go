package core

// wallet_capability.go defines the wallet/identity capability interface the
// core consumes (spec §6). The core never assumes a specific wallet SDK;
// callers inject an implementation (hardware wallet, local key file,
// browser extension bridge, ...).

import "context"

// Capability is the minimal signing surface SessionCoordinator and
// ContractFacade need from a wallet.
type Capability interface {
	GetAddress(ctx context.Context) (string, error)
	SignMessage(ctx context.Context, msg []byte) (signature []byte, err error)
	SendTransaction(ctx context.Context, tx any) (txHash string, err error)
}
