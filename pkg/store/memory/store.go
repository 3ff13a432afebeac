// Package memstore provides an in-memory implementation of the claiming
// store and event sink, used by tests and standalone runs without postgres.
package memstore

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/pkg/vesting"
)

// Store keeps all engine state in process memory.
type Store struct {
	mu           sync.RWMutex
	registry     *claiming.RegistryState
	distributors map[uuid.UUID]claiming.DistributorState
	ledger       map[claiming.LedgerKey]claiming.LedgerEntry
}

func New() *Store {
	return &Store{
		distributors: make(map[uuid.UUID]claiming.DistributorState),
		ledger:       make(map[claiming.LedgerKey]claiming.LedgerEntry),
	}
}

func (s *Store) GetRegistry(_ context.Context) (*claiming.RegistryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registry == nil {
		return nil, nil
	}
	st := claiming.RegistryState{
		Owner:  s.registry.Owner,
		Admins: append([]solana.PublicKey(nil), s.registry.Admins...),
	}
	return &st, nil
}

func (s *Store) PutRegistry(_ context.Context, st claiming.RegistryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = &claiming.RegistryState{
		Owner:  st.Owner,
		Admins: append([]solana.PublicKey(nil), st.Admins...),
	}
	return nil
}

func (s *Store) ListDistributors(_ context.Context) ([]claiming.DistributorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]claiming.DistributorState, 0, len(s.distributors))
	for _, st := range s.distributors {
		out = append(out, copyDistributor(st))
	}
	return out, nil
}

func (s *Store) PutDistributor(_ context.Context, st claiming.DistributorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributors[st.ID] = copyDistributor(st)
	return nil
}

func (s *Store) GetLedgerEntry(_ context.Context, key claiming.LedgerKey) (claiming.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger[key], nil
}

func (s *Store) PutLedgerEntry(_ context.Context, key claiming.LedgerKey, entry claiming.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[key] = entry
	return nil
}

func copyDistributor(st claiming.DistributorState) claiming.DistributorState {
	st.Periods = append([]vesting.Period(nil), st.Periods...)
	return st
}

// Sink collects audit events in memory.
type Sink struct {
	mu     sync.Mutex
	events []claiming.Event
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Publish(_ context.Context, ev claiming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns the published events in order.
func (s *Sink) Events() []claiming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]claiming.Event(nil), s.events...)
}
