package claiming

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MaxAdmins bounds the number of delegated administrators. The bound is a
// deliberate, audited limit on the authorization surface, not a performance
// accident.
const MaxAdmins = 10

// Registry holds the owner plus a capacity-bounded ordered set of delegated
// admins. The owner is fixed at creation and never stored in the admin set.
type Registry struct {
	mu     sync.RWMutex
	owner  solana.PublicKey
	admins []solana.PublicKey
}

// NewRegistry creates a registry with the given owner and no admins.
func NewRegistry(owner solana.PublicKey) *Registry {
	return &Registry{owner: owner}
}

// NewRegistryFromState restores a registry snapshot. A snapshot holding more
// admins than the capacity bound can only come from a corrupted store, so it
// is rejected rather than silently truncated.
func NewRegistryFromState(st RegistryState) (*Registry, error) {
	if len(st.Admins) > MaxAdmins {
		return nil, fmt.Errorf("registry snapshot holds %d admins, capacity is %d", len(st.Admins), MaxAdmins)
	}
	return &Registry{
		owner:  st.Owner,
		admins: append([]solana.PublicKey(nil), st.Admins...),
	}, nil
}

// Owner returns the registry owner.
func (r *Registry) Owner() solana.PublicKey {
	return r.owner
}

// IsOwner reports whether id is the owner.
func (r *Registry) IsOwner(id solana.PublicKey) bool {
	return id == r.owner
}

// IsAuthorized reports whether id is the owner or a registered admin.
func (r *Registry) IsAuthorized(id solana.PublicKey) bool {
	if id == r.owner {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contains(id)
}

// Add registers an admin. Adding an existing admin is an idempotent no-op;
// adding to a full registry fails ErrMaxAdmins.
func (r *Registry) Add(admin solana.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contains(admin) {
		return nil
	}
	if len(r.admins) >= MaxAdmins {
		return ErrMaxAdmins
	}
	r.admins = append(r.admins, admin)
	return nil
}

// Remove unregisters an admin, failing ErrAdminNotFound if absent.
func (r *Registry) Remove(admin solana.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.admins {
		if a == admin {
			r.admins = append(r.admins[:i], r.admins[i+1:]...)
			return nil
		}
	}
	return ErrAdminNotFound
}

// Admins returns a copy of the registered admins in insertion order.
func (r *Registry) Admins() []solana.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]solana.PublicKey(nil), r.admins...)
}

// State returns a persistable snapshot.
func (r *Registry) State() RegistryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryState{
		Owner:  r.owner,
		Admins: append([]solana.PublicKey(nil), r.admins...),
	}
}

func (r *Registry) contains(id solana.PublicKey) bool {
	for _, a := range r.admins {
		if a == id {
			return true
		}
	}
	return false
}
