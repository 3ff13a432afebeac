// Package claiming implements the verification-and-accounting engine for
// merkle-proven token distributions: proof-gated claims against a vesting
// schedule, a monotonic per-recipient claim ledger, and the administrative
// operations that manage distributors.
package claiming

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/meridianlabs/claimd/pkg/merkle"
	"github.com/meridianlabs/claimd/pkg/vesting"
)

// LedgerKey identifies a claim ledger entry. Including the generation means a
// re-rooted distributor starts fresh accounting for every recipient; prior
// claims under an old generation are not inherited.
type LedgerKey struct {
	Distributor uuid.UUID
	Generation  uint64
	Recipient   solana.PublicKey
}

// LedgerEntry is the per-recipient claim record. ClaimedAmount is
// non-decreasing over the entry's lifetime; the zero value is a valid
// never-claimed entry.
type LedgerEntry struct {
	ClaimedAmount uint64
	LastClaimedAt uint64
}

// DistributorState is the persistable snapshot of a distributor aggregate.
type DistributorState struct {
	ID         uuid.UUID
	Generation uint64
	Root       merkle.Hash
	Paused     bool
	Vault      solana.PublicKey
	Periods    []vesting.Period
}

// RegistryState is the persistable snapshot of the admin registry.
type RegistryState struct {
	Owner  solana.PublicKey
	Admins []solana.PublicKey
}

// Store durably holds distributor state, the admin registry, and the claim
// ledger. Implementations do not need to provide locking; the engine
// serializes access per distributor and per ledger entry.
type Store interface {
	// GetRegistry returns nil when no registry has been persisted yet.
	GetRegistry(ctx context.Context) (*RegistryState, error)
	PutRegistry(ctx context.Context, st RegistryState) error

	ListDistributors(ctx context.Context) ([]DistributorState, error)
	PutDistributor(ctx context.Context, st DistributorState) error

	// GetLedgerEntry returns the zero entry when the recipient has never
	// claimed under this key; entries are created lazily on first claim.
	GetLedgerEntry(ctx context.Context, key LedgerKey) (LedgerEntry, error)
	PutLedgerEntry(ctx context.Context, key LedgerKey, entry LedgerEntry) error
}

// TransferRequest asks the external transfer service to move tokens out of a
// distributor's vault. The Distributor ID scopes the vault-signing capability
// to that distributor instance.
type TransferRequest struct {
	Distributor uuid.UUID
	Amount      uint64
	FromVault   solana.PublicKey
	ToAccount   solana.PublicKey
}

// TransferService executes token transfers and reports vault balances. The
// engine verifies the post-transfer balance delta itself, defending against a
// service that silently truncates or fee-adjusts.
type TransferService interface {
	Transfer(ctx context.Context, req TransferRequest) error
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}
