package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/pkg/metrics"
	"github.com/meridianlabs/claimd/pkg/server"
	memstore "github.com/meridianlabs/claimd/pkg/store/memory"
	pgstore "github.com/meridianlabs/claimd/pkg/store/postgres"
	"github.com/meridianlabs/claimd/pkg/vault"
	"github.com/meridianlabs/claimd/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenFlag := flag.String("listen", ":8080", "HTTP listen address (or set CLAIMD_LISTEN env var)")

	databaseURLFlag := flag.String("database-url", "", "Postgres connection string; empty runs with an in-memory store (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before serving")

	rpcURLFlag := flag.String("solana-rpc-url", "", "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	authorityKeypairFlag := flag.String("vault-authority-keypair", "", "Path to the vault authority keypair file (or set VAULT_AUTHORITY_KEYPAIR env var)")
	commitmentFlag := flag.String("commitment", string(rpc.CommitmentFinalized), "Solana commitment level for transfers and balance reads")

	ownerFlag := flag.String("owner", "", "Owner public key, used to initialize the admin registry on first run (or set CLAIMD_OWNER env var)")

	claimsPerMinuteFlag := flag.Int("claims-per-minute", 60, "Per-IP claim rate limit")
	claimBurstFlag := flag.Int("claim-burst", 10, "Per-IP claim burst size")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("CLAIMD_LISTEN"); env != "" {
		*listenFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("VAULT_AUTHORITY_KEYPAIR"); env != "" {
		*authorityKeypairFlag = env
	}
	if env := os.Getenv("CLAIMD_OWNER"); env != "" {
		*ownerFlag = env
	}
	if env := os.Getenv("CLAIMD_CLAIMS_PER_MINUTE"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid CLAIMD_CLAIMS_PER_MINUTE: %w", err)
		}
		*claimsPerMinuteFlag = n
	}

	if *rpcURLFlag == "" {
		return errors.New("--solana-rpc-url is required")
	}
	if *authorityKeypairFlag == "" {
		return errors.New("--vault-authority-keypair is required")
	}

	var owner solana.PublicKey
	if *ownerFlag != "" {
		var err error
		owner, err = solana.PublicKeyFromBase58(*ownerFlag)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store claiming.Store
	var events claiming.EventSink
	var ready func(ctx context.Context) error
	if *databaseURLFlag != "" {
		if *migrateFlag {
			if err := pgstore.RunMigrations(log, *databaseURLFlag); err != nil {
				return err
			}
		}
		pool, err := pgstore.NewPool(ctx, *databaseURLFlag)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, err = pgstore.New(pgstore.Config{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		events = pgstore.NewSink(log, pool)
		ready = pool.Ping
		log.Info("claimd: using postgres store")
	} else {
		store = memstore.New()
		log.Warn("claimd: no --database-url given, state will not survive restarts")
	}

	authority, err := vault.NewSingleKeyAuthorityFromFile(*authorityKeypairFlag)
	if err != nil {
		return err
	}
	transfer, err := vault.New(vault.Config{
		Logger:     log,
		Client:     rpc.New(*rpcURLFlag),
		Authority:  authority,
		Commitment: rpc.CommitmentType(*commitmentFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create vault service: %w", err)
	}

	engine, err := claiming.New(ctx, claiming.Config{
		Logger:   log,
		Store:    store,
		Transfer: transfer,
		Events:   events,
		Owner:    owner,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Engine:          engine,
		Addr:            *listenFlag,
		Version:         version,
		ClaimsPerMinute: *claimsPerMinuteFlag,
		ClaimBurst:      *claimBurstFlag,
		Ready:           ready,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("claimd: started", "version", version, "listen", *listenFlag)
	return g.Wait()
}
