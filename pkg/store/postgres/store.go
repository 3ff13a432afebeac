// Package pgstore provides the postgres-backed claiming store and audit
// event sink.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/pkg/merkle"
)

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store persists engine state in postgres. Amounts are stored as BIGINT with
// uint64<->int64 casts; entitlements beyond 2^63-1 are not expected for any
// real token supply.
type Store struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) GetRegistry(ctx context.Context) (*claiming.RegistryState, error) {
	var owner string
	var admins []string
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT owner, admins FROM admin_registry WHERE singleton
	`).Scan(&owner, &admins)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query admin registry: %w", err)
	}

	st := claiming.RegistryState{}
	st.Owner, err = solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner key in admin registry: %w", err)
	}
	for _, a := range admins {
		key, err := solana.PublicKeyFromBase58(a)
		if err != nil {
			return nil, fmt.Errorf("invalid admin key in admin registry: %w", err)
		}
		st.Admins = append(st.Admins, key)
	}
	return &st, nil
}

func (s *Store) PutRegistry(ctx context.Context, st claiming.RegistryState) error {
	s.log.Debug("pgstore: putting admin registry", "admins", len(st.Admins))

	admins := make([]string, len(st.Admins))
	for i, a := range st.Admins {
		admins[i] = a.String()
	}
	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO admin_registry (singleton, owner, admins, updated_at)
		VALUES (TRUE, $1, $2, now())
		ON CONFLICT (singleton) DO UPDATE SET admins = $2, updated_at = now()
	`, st.Owner.String(), admins)
	if err != nil {
		return fmt.Errorf("failed to upsert admin registry: %w", err)
	}
	return nil
}

func (s *Store) ListDistributors(ctx context.Context) ([]claiming.DistributorState, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, generation, merkle_root, paused, vault, periods FROM distributors
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributors: %w", err)
	}
	defer rows.Close()

	var out []claiming.DistributorState
	for rows.Next() {
		var (
			st         claiming.DistributorState
			generation int64
			root       string
			vault      string
			periods    []byte
		)
		if err := rows.Scan(&st.ID, &generation, &root, &st.Paused, &vault, &periods); err != nil {
			return nil, fmt.Errorf("failed to scan distributor: %w", err)
		}
		st.Generation = uint64(generation)
		if st.Root, err = merkle.HashFromBase58(root); err != nil {
			return nil, fmt.Errorf("distributor %s: %w", st.ID, err)
		}
		if st.Vault, err = solana.PublicKeyFromBase58(vault); err != nil {
			return nil, fmt.Errorf("distributor %s: %w", st.ID, err)
		}
		if err := json.Unmarshal(periods, &st.Periods); err != nil {
			return nil, fmt.Errorf("distributor %s: failed to decode periods: %w", st.ID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) PutDistributor(ctx context.Context, st claiming.DistributorState) error {
	s.log.Debug("pgstore: putting distributor", "distributor", st.ID, "generation", st.Generation)

	periods, err := json.Marshal(st.Periods)
	if err != nil {
		return fmt.Errorf("failed to encode periods: %w", err)
	}
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO distributors (id, generation, merkle_root, paused, vault, periods, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			generation = $2, merkle_root = $3, paused = $4, vault = $5, periods = $6, updated_at = now()
	`, st.ID, int64(st.Generation), st.Root.String(), st.Paused, st.Vault.String(), periods)
	if err != nil {
		return fmt.Errorf("failed to upsert distributor: %w", err)
	}
	return nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, key claiming.LedgerKey) (claiming.LedgerEntry, error) {
	var claimed, lastClaimedAt int64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT claimed_amount, last_claimed_at FROM ledger_entries
		WHERE distributor_id = $1 AND generation = $2 AND recipient = $3
	`, key.Distributor, int64(key.Generation), key.Recipient.String()).Scan(&claimed, &lastClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return claiming.LedgerEntry{}, nil
	}
	if err != nil {
		return claiming.LedgerEntry{}, fmt.Errorf("failed to query ledger entry: %w", err)
	}
	return claiming.LedgerEntry{
		ClaimedAmount: uint64(claimed),
		LastClaimedAt: uint64(lastClaimedAt),
	}, nil
}

func (s *Store) PutLedgerEntry(ctx context.Context, key claiming.LedgerKey, entry claiming.LedgerEntry) error {
	s.log.Debug("pgstore: putting ledger entry",
		"distributor", key.Distributor,
		"generation", key.Generation,
		"recipient", key.Recipient.String(),
		"claimed_amount", entry.ClaimedAmount,
	)

	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO ledger_entries (distributor_id, generation, recipient, claimed_amount, last_claimed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (distributor_id, generation, recipient) DO UPDATE SET
			claimed_amount = $4, last_claimed_at = $5, updated_at = now()
	`, key.Distributor, int64(key.Generation), key.Recipient.String(),
		int64(entry.ClaimedAmount), int64(entry.LastClaimedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}

// Sink appends audit events to the audit_events table.
type Sink struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewSink(log *slog.Logger, pool *pgxpool.Pool) *Sink {
	return &Sink{log: log, pool: pool}
}

func (s *Sink) Publish(ctx context.Context, ev claiming.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var (
		id          uuid.UUID
		distributor *uuid.UUID
		generation  *int64
	)
	switch e := ev.(type) {
	case claiming.ClaimedEvent:
		id = e.ID
		distributor = &e.Distributor
		gen := int64(e.Generation)
		generation = &gen
	case claiming.MerkleRootUpdatedEvent:
		id = e.ID
		distributor = &e.Distributor
		gen := int64(e.Generation)
		generation = &gen
	case claiming.TokensWithdrawnEvent:
		id = e.ID
		distributor = &e.Distributor
	default:
		id = uuid.New()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, occurred_at, distributor_id, generation, payload)
		VALUES ($1, $2, now(), $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, id, ev.EventType(), distributor, generation, payload)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

var _ claiming.Store = (*Store)(nil)
var _ claiming.EventSink = (*Sink)(nil)
