// Package vault implements the transfer service against a Solana SPL token
// vault: it builds and submits transfer instructions signed by the vault
// authority and reads token account balances for the engine's balance-delta
// verification.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/utils/pkg/retry"
)

// RPCClient is the subset of the Solana RPC client the service uses.
type RPCClient interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Authority resolves the signing key for a distributor's vault. Key custody
// itself is outside this engine; the capability is scoped per distributor.
type Authority interface {
	ResolveSigner(distributor uuid.UUID) (solana.PrivateKey, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Client     RPCClient
	Authority  Authority
	Commitment rpc.CommitmentType

	// ConfirmTimeout bounds how long Transfer waits for the transaction to
	// reach the configured commitment before giving up.
	ConfirmTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Authority == nil {
		return errors.New("vault authority is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentFinalized
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	return nil
}

// Service implements claiming.TransferService against Solana.
type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Balance returns the vault token account balance in base units. Reads are
// retried on transient RPC failures; the engine treats a hard failure as a
// failed claim.
func (s *Service) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var balance uint64
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		res, err := s.cfg.Client.GetTokenAccountBalance(ctx, account, s.cfg.Commitment)
		if err != nil {
			return fmt.Errorf("failed to fetch token account balance: %w", err)
		}
		balance, err = strconv.ParseUint(res.Value.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse token amount %q: %w", res.Value.Amount, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Transfer submits an SPL token transfer from the vault and waits for it to
// reach the configured commitment, so a subsequent balance read observes it.
func (s *Service) Transfer(ctx context.Context, req claiming.TransferRequest) error {
	signer, err := s.cfg.Authority.ResolveSigner(req.Distributor)
	if err != nil {
		return fmt.Errorf("failed to resolve vault signer: %w", err)
	}

	blockhash, err := s.cfg.Client.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	ix := token.NewTransferInstruction(
		req.Amount,
		req.FromVault,
		req.ToAccount,
		signer.PublicKey(),
		nil,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == signer.PublicKey() {
			return &signer
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.cfg.Client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}

	s.log.Debug("vault: transfer submitted",
		"signature", sig.String(),
		"vault", req.FromVault.String(),
		"to", req.ToAccount.String(),
		"amount", req.Amount,
	)
	return s.awaitConfirmation(ctx, sig)
}

func (s *Service) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := s.cfg.Clock.Now().Add(s.cfg.ConfirmTimeout)
	for {
		res, err := s.cfg.Client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			if confirmed(status.ConfirmationStatus, s.cfg.Commitment) {
				return nil
			}
		}

		if s.cfg.Clock.Now().After(deadline) {
			return fmt.Errorf("transaction %s not confirmed within %s", sig, s.cfg.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cfg.Clock.After(time.Second):
		}
	}
}

func confirmed(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentProcessed:
		return status != ""
	case rpc.CommitmentConfirmed:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusFinalized
	}
}

var _ claiming.TransferService = (*Service)(nil)
