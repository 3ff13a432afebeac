package claiming

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/meridianlabs/claimd/pkg/merkle"
)

// Event is an audit record emitted by the engine. The stream is append-only;
// consumers should assume at-least-once delivery.
type Event interface {
	EventType() string
}

// ClaimedEvent is emitted whenever a claim succeeds.
type ClaimedEvent struct {
	ID               uuid.UUID
	At               time.Time
	Distributor      uuid.UUID
	Generation       uint64
	Recipient        solana.PublicKey
	ReceivingAccount solana.PublicKey
	Amount           uint64
}

func (ClaimedEvent) EventType() string { return "claimed" }

// MerkleRootUpdatedEvent is emitted whenever the merkle root gets replaced.
type MerkleRootUpdatedEvent struct {
	ID          uuid.UUID
	At          time.Time
	Distributor uuid.UUID
	Generation  uint64
	Root        merkle.Hash
}

func (MerkleRootUpdatedEvent) EventType() string { return "merkle_root_updated" }

// TokensWithdrawnEvent is emitted whenever the owner withdraws from a vault.
type TokensWithdrawnEvent struct {
	ID          uuid.UUID
	At          time.Time
	Distributor uuid.UUID
	Asset       solana.PublicKey
	Amount      uint64
}

func (TokensWithdrawnEvent) EventType() string { return "tokens_withdrawn" }

// EventSink receives audit events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes audit events to a structured logger. Useful as a default
// sink and for local runs without a database.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	switch e := ev.(type) {
	case ClaimedEvent:
		s.log.Info("audit: claimed",
			"event_id", e.ID,
			"distributor", e.Distributor,
			"generation", e.Generation,
			"recipient", e.Recipient.String(),
			"receiving_account", e.ReceivingAccount.String(),
			"amount", e.Amount,
		)
	case MerkleRootUpdatedEvent:
		s.log.Info("audit: merkle root updated",
			"event_id", e.ID,
			"distributor", e.Distributor,
			"generation", e.Generation,
			"root", e.Root.String(),
		)
	case TokensWithdrawnEvent:
		s.log.Info("audit: tokens withdrawn",
			"event_id", e.ID,
			"distributor", e.Distributor,
			"asset", e.Asset.String(),
			"amount", e.Amount,
		)
	default:
		s.log.Info("audit: event", "type", ev.EventType())
	}
	return nil
}
