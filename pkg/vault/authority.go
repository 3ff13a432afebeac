package vault

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// SingleKeyAuthority signs for every distributor with one vault authority
// key. Deployments that shard custody per campaign can provide their own
// Authority implementation.
type SingleKeyAuthority struct {
	key solana.PrivateKey
}

func NewSingleKeyAuthority(key solana.PrivateKey) *SingleKeyAuthority {
	return &SingleKeyAuthority{key: key}
}

// NewSingleKeyAuthorityFromFile loads the authority key from a Solana keygen
// file.
func NewSingleKeyAuthorityFromFile(path string) (*SingleKeyAuthority, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault authority key: %w", err)
	}
	return &SingleKeyAuthority{key: key}, nil
}

func (a *SingleKeyAuthority) ResolveSigner(uuid.UUID) (solana.PrivateKey, error) {
	return a.key, nil
}

var _ Authority = (*SingleKeyAuthority)(nil)
