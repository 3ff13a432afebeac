package claiming

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/meridianlabs/claimd/pkg/merkle"
	"github.com/meridianlabs/claimd/pkg/vesting"
)

// Distributor is one distribution campaign: a merkle root over (recipient,
// entitlement) pairs, a generation index that increments on every re-root, a
// pause flag, the vesting schedule, and the vault the claims are funded from.
//
// The mutex covers the mutable fields. Admin operations take the write lock;
// claims hold the read lock for their whole transaction so the proof is always
// verified against the root read at the start of that same transaction.
type Distributor struct {
	id    uuid.UUID
	vault solana.PublicKey

	mu         sync.RWMutex
	generation uint64
	root       merkle.Hash
	paused     bool
	schedule   *vesting.Schedule
}

func newDistributor(st DistributorState) (*Distributor, error) {
	schedule, err := vesting.New(st.Periods)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	return &Distributor{
		id:         st.ID,
		vault:      st.Vault,
		generation: st.Generation,
		root:       st.Root,
		paused:     st.Paused,
		schedule:   schedule,
	}, nil
}

// ID returns the distributor's identifier.
func (d *Distributor) ID() uuid.UUID {
	return d.id
}

// Vault returns the vault token account claims are funded from.
func (d *Distributor) Vault() solana.PublicKey {
	return d.vault
}

// State returns a persistable snapshot.
func (d *Distributor) State() DistributorState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stateLocked()
}

// stateLocked requires d.mu held (read or write).
func (d *Distributor) stateLocked() DistributorState {
	return DistributorState{
		ID:         d.id,
		Generation: d.generation,
		Root:       d.root,
		Paused:     d.paused,
		Vault:      d.vault,
		Periods:    d.schedule.Periods(),
	}
}
