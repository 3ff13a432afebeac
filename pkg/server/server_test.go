package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/pkg/merkle"
	"github.com/meridianlabs/claimd/pkg/server"
	memstore "github.com/meridianlabs/claimd/pkg/store/memory"
	"github.com/meridianlabs/claimd/pkg/vesting"
	testutil "github.com/meridianlabs/claimd/utils/pkg/testing"
)

type fakeTransfer struct {
	mu       sync.Mutex
	balances map[solana.PublicKey]uint64
}

func (f *fakeTransfer) Balance(_ context.Context, account solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *fakeTransfer) Transfer(_ context.Context, req claiming.TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[req.FromVault] < req.Amount {
		return fmt.Errorf("insufficient vault balance")
	}
	f.balances[req.FromVault] -= req.Amount
	f.balances[req.ToAccount] += req.Amount
	return nil
}

type testServer struct {
	srv      *server.Server
	engine   *claiming.Engine
	clock    *clockwork.FakeClock
	transfer *fakeTransfer
	owner    solana.PublicKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		clock:    clockwork.NewFakeClockAt(time.Unix(500, 0)),
		transfer: &fakeTransfer{balances: make(map[solana.PublicKey]uint64)},
		owner:    solana.NewWallet().PublicKey(),
	}

	engine, err := claiming.New(t.Context(), claiming.Config{
		Logger:   testutil.NewLogger(),
		Clock:    ts.clock,
		Store:    memstore.New(),
		Transfer: ts.transfer,
		Owner:    ts.owner,
	})
	require.NoError(t, err)
	ts.engine = engine

	srv, err := server.New(server.Config{
		Logger:  testutil.NewLogger(),
		Engine:  engine,
		Version: "test",
	})
	require.NoError(t, err)
	ts.srv = srv
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(context.Background()))
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

// createCampaign creates a single-recipient distributor over HTTP and funds
// its vault.
func (ts *testServer) createCampaign(t *testing.T, entitlement uint64) (id string, recipient solana.PublicKey, root merkle.Hash) {
	t.Helper()

	recipient = solana.NewWallet().PublicKey()
	root = merkle.Leaf(recipient, entitlement)
	vault := solana.NewWallet().PublicKey()
	ts.transfer.mu.Lock()
	ts.transfer.balances[vault] = 10_000_000
	ts.transfer.mu.Unlock()

	rec := ts.do(t, http.MethodPost, "/v1/distributors", map[string]any{
		"actor": ts.owner.String(),
		"root":  root.String(),
		"vault": vault.String(),
		"periods": []vesting.Period{
			{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: vesting.FullBPS},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[map[string]any](t, rec)["id"].(string), recipient, root
}

func TestClaimd_Server_Health(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test", decode[map[string]string](t, rec)["version"])

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClaimd_Server_CreateDistributor(t *testing.T) {
	t.Parallel()

	t.Run("creates and fetches a distributor", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		id, _, root := ts.createCampaign(t, 1_000_000)

		rec := ts.do(t, http.MethodGet, "/v1/distributors/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		require.Equal(t, root.String(), body["root"])
		require.Equal(t, float64(0), body["generation"])
	})

	t.Run("unauthorized actor gets a named error code", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/v1/distributors", map[string]any{
			"actor": solana.NewWallet().PublicKey().String(),
			"root":  merkle.Hash{}.String(),
			"vault": solana.NewWallet().PublicKey().String(),
			"periods": []vesting.Period{
				{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: vesting.FullBPS},
			},
		})
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "not_admin_or_owner", errorCode(t, rec))
	})

	t.Run("invalid schedule gets a named error code", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/v1/distributors", map[string]any{
			"actor": ts.owner.String(),
			"root":  merkle.Hash{}.String(),
			"vault": solana.NewWallet().PublicKey().String(),
			"periods": []vesting.Period{
				{StartTS: 1000, IntervalSec: 100, Times: 10, PercentageBPS: 7},
			},
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "percentage_doesnt_cover_all_tokens", errorCode(t, rec))
	})
}

func TestClaimd_Server_Claim(t *testing.T) {
	t.Parallel()

	t.Run("pays out a vested claim", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		id, recipient, _ := ts.createCampaign(t, 1_000_000)

		ts.clock.Advance(1000 * time.Second) // now = 1500, 50% vested

		rec := ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/claims", map[string]any{
			"recipient":   recipient.String(),
			"entitlement": 1_000_000,
			"proof":       []string{},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[map[string]any](t, rec)
		require.Equal(t, float64(500_000), body["amount"])

		rec = ts.do(t, http.MethodGet, "/v1/distributors/"+id+"/ledger/"+recipient.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, float64(500_000), decode[map[string]any](t, rec)["claimed_amount"])
	})

	t.Run("bad proof and repeat claims map to named codes", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		id, recipient, _ := ts.createCampaign(t, 1_000_000)

		ts.clock.Advance(1000 * time.Second)

		claim := map[string]any{
			"recipient":   recipient.String(),
			"entitlement": 1_000_000,
			"proof":       []string{},
		}
		rec := ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/claims", claim)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/claims", claim)
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "nothing_to_claim", errorCode(t, rec))

		claim["entitlement"] = 9_000_000
		rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/claims", claim)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "invalid_proof", errorCode(t, rec))
	})

	t.Run("unknown distributor is 404", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/v1/distributors/00000000-0000-0000-0000-000000000000/claims", map[string]any{
			"recipient":   solana.NewWallet().PublicKey().String(),
			"entitlement": 1,
			"proof":       []string{},
		})
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "distributor_not_found", errorCode(t, rec))
	})
}

func TestClaimd_Server_PauseAndRoot(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, recipient, root := ts.createCampaign(t, 1_000_000)
	ts.clock.Advance(1000 * time.Second)

	rec := ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/paused", map[string]any{
		"actor": ts.owner.String(), "paused": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/claims", map[string]any{
		"recipient": recipient.String(), "entitlement": 1_000_000, "proof": []string{},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "paused", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/paused", map[string]any{
		"actor": ts.owner.String(), "paused": true,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "changing_pause_value_to_the_same", errorCode(t, rec))

	// Re-root with unpause bumps the generation and clears the flag.
	rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/root", map[string]any{
		"actor": ts.owner.String(), "root": root.String(), "unpause": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, float64(1), body["generation"])
	require.Equal(t, false, body["paused"])
}

func TestClaimd_Server_Admins(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	admin := solana.NewWallet().PublicKey()
	rec := ts.do(t, http.MethodPost, "/v1/admins", map[string]any{
		"actor": ts.owner.String(), "admin": admin.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/admins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, ts.owner.String(), body["owner"])
	require.Len(t, body["admins"], 1)

	// Non-owner cannot manage the registry.
	rec = ts.do(t, http.MethodPost, "/v1/admins", map[string]any{
		"actor": admin.String(), "admin": solana.NewWallet().PublicKey().String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_owner", errorCode(t, rec))

	rec = ts.do(t, http.MethodDelete, "/v1/admins/"+admin.String()+"?actor="+ts.owner.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/admins/"+admin.String()+"?actor="+ts.owner.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "admin_not_found", errorCode(t, rec))
}

func TestClaimd_Server_Withdrawals(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	id, _, _ := ts.createCampaign(t, 1_000_000)

	target := solana.NewWallet().PublicKey()
	rec := ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/withdrawals", map[string]any{
		"actor": ts.owner.String(), "amount": 100_000, "target": target.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	balance, err := ts.transfer.Balance(t.Context(), target)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), balance)

	rec = ts.do(t, http.MethodPost, "/v1/distributors/"+id+"/withdrawals", map[string]any{
		"actor": solana.NewWallet().PublicKey().String(), "amount": 1, "target": target.String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_owner", errorCode(t, rec))
}
