package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianlabs/claimd/pkg/claiming"
	"github.com/meridianlabs/claimd/pkg/merkle"
	"github.com/meridianlabs/claimd/pkg/vesting"
)

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type distributorResponse struct {
	ID         uuid.UUID        `json:"id"`
	Generation uint64           `json:"generation"`
	Root       string           `json:"root"`
	Paused     bool             `json:"paused"`
	Vault      string           `json:"vault"`
	Periods    []vesting.Period `json:"periods"`
}

func toDistributorResponse(st claiming.DistributorState) distributorResponse {
	return distributorResponse{
		ID:         st.ID,
		Generation: st.Generation,
		Root:       st.Root.String(),
		Paused:     st.Paused,
		Vault:      st.Vault.String(),
		Periods:    st.Periods,
	}
}

type createDistributorRequest struct {
	Actor   string           `json:"actor"`
	Root    string           `json:"root"`
	Vault   string           `json:"vault"`
	Periods []vesting.Period `json:"periods"`
}

func (s *Server) handleCreateDistributor(w http.ResponseWriter, r *http.Request) {
	var req createDistributorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	root, err := merkle.HashFromBase58(req.Root)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_root", err.Error())
		return
	}
	vault, err := solana.PublicKeyFromBase58(req.Vault)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_vault", err.Error())
		return
	}

	st, err := s.engine.CreateDistributor(r.Context(), actor, claiming.CreateDistributorParams{
		Root:    root,
		Vault:   vault,
		Periods: req.Periods,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toDistributorResponse(st))
}

func (s *Server) handleGetDistributor(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	st, err := s.engine.Distributor(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDistributorResponse(st))
}

type claimRequest struct {
	Recipient        string   `json:"recipient"`
	Entitlement      uint64   `json:"entitlement"`
	Proof            []string `json:"proof"`
	ReceivingAccount string   `json:"receiving_account"`
}

type claimResponse struct {
	Generation    uint64 `json:"generation"`
	Amount        uint64 `json:"amount"`
	Bonus         uint64 `json:"bonus"`
	ClaimedAmount uint64 `json:"claimed_amount"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_recipient", err.Error())
		return
	}
	receiving := recipient
	if req.ReceivingAccount != "" {
		receiving, err = solana.PublicKeyFromBase58(req.ReceivingAccount)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_receiving_account", err.Error())
			return
		}
	}
	proof := make([]merkle.Hash, 0, len(req.Proof))
	for _, p := range req.Proof {
		h, err := merkle.HashFromBase58(p)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_proof_element", err.Error())
			return
		}
		proof = append(proof, h)
	}

	res, err := s.engine.Claim(r.Context(), claiming.ClaimRequest{
		Distributor:      id,
		Recipient:        recipient,
		Entitlement:      req.Entitlement,
		Proof:            proof,
		ReceivingAccount: receiving,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{
		Generation:    res.Generation,
		Amount:        res.Amount,
		Bonus:         res.Bonus,
		ClaimedAmount: res.ClaimedAmount,
	})
}

func (s *Server) handleLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	recipient, err := solana.PublicKeyFromBase58(chi.URLParam(r, "recipient"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_recipient", err.Error())
		return
	}
	entry, err := s.engine.LedgerEntry(r.Context(), id, recipient)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{
		"claimed_amount":  entry.ClaimedAmount,
		"last_claimed_at": entry.LastClaimedAt,
	})
}

type updateRootRequest struct {
	Actor   string `json:"actor"`
	Root    string `json:"root"`
	Unpause bool   `json:"unpause"`
}

func (s *Server) handleUpdateRoot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	var req updateRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	root, err := merkle.HashFromBase58(req.Root)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_root", err.Error())
		return
	}
	if err := s.engine.UpdateRoot(r.Context(), actor, id, root, req.Unpause); err != nil {
		s.writeEngineError(w, err)
		return
	}
	st, err := s.engine.Distributor(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDistributorResponse(st))
}

type setPausedRequest struct {
	Actor  string `json:"actor"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	var req setPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	if err := s.engine.SetPaused(r.Context(), actor, id, req.Paused); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

type updateScheduleRequest struct {
	Actor   string           `json:"actor"`
	Changes []vesting.Change `json:"changes"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	if err := s.engine.UpdateSchedule(r.Context(), actor, id, req.Changes); err != nil {
		s.writeEngineError(w, err)
		return
	}
	st, err := s.engine.Distributor(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDistributorResponse(st))
}

type withdrawRequest struct {
	Actor  string `json:"actor"`
	Amount uint64 `json:"amount"`
	Target string `json:"target"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := s.distributorID(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	target, err := solana.PublicKeyFromBase58(req.Target)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	if err := s.engine.WithdrawTokens(r.Context(), actor, id, req.Amount, target); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"amount": req.Amount})
}

func (s *Server) handleListAdmins(w http.ResponseWriter, _ *http.Request) {
	reg := s.engine.Registry()
	admins := reg.Admins()
	out := make([]string, 0, len(admins))
	for _, a := range admins {
		out = append(out, a.String())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owner":  reg.Owner().String(),
		"admins": out,
	})
}

type adminRequest struct {
	Actor string `json:"actor"`
	Admin string `json:"admin"`
}

func (s *Server) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	admin, err := solana.PublicKeyFromBase58(req.Admin)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_admin", err.Error())
		return
	}
	if err := s.engine.AddAdmin(r.Context(), actor, admin); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"admin": admin.String()})
}

func (s *Server) handleRemoveAdmin(w http.ResponseWriter, r *http.Request) {
	admin, err := solana.PublicKeyFromBase58(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_admin", err.Error())
		return
	}
	actor, err := solana.PublicKeyFromBase58(r.URL.Query().Get("actor"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_actor", err.Error())
		return
	}
	if err := s.engine.RemoveAdmin(r.Context(), actor, admin); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": admin.String()})
}

func (s *Server) distributorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_distributor_id", err.Error())
		return uuid.UUID{}, false
	}
	return id, true
}

// writeEngineError maps named engine conditions to stable error codes and
// status codes, so clients branch on codes instead of message text.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, claiming.ErrDistributorNotFound):
		status, code = http.StatusNotFound, "distributor_not_found"
	case errors.Is(err, claiming.ErrAdminNotFound):
		status, code = http.StatusNotFound, "admin_not_found"
	case errors.Is(err, claiming.ErrNotOwner):
		status, code = http.StatusForbidden, "not_owner"
	case errors.Is(err, claiming.ErrNotAdminOrOwner):
		status, code = http.StatusForbidden, "not_admin_or_owner"
	case errors.Is(err, claiming.ErrPaused):
		status, code = http.StatusConflict, "paused"
	case errors.Is(err, claiming.ErrChangingPauseValueToTheSame):
		status, code = http.StatusConflict, "changing_pause_value_to_the_same"
	case errors.Is(err, claiming.ErrVestingAlreadyStarted):
		status, code = http.StatusConflict, "vesting_already_started"
	case errors.Is(err, claiming.ErrAlreadyClaimed):
		status, code = http.StatusConflict, "already_claimed"
	case errors.Is(err, claiming.ErrNothingToClaim):
		status, code = http.StatusConflict, "nothing_to_claim"
	case errors.Is(err, claiming.ErrMaxAdmins):
		status, code = http.StatusConflict, "max_admins"
	case errors.Is(err, claiming.ErrInvalidProof):
		status, code = http.StatusBadRequest, "invalid_proof"
	case errors.Is(err, claiming.ErrInvalidAmountTransferred):
		status, code = http.StatusBadGateway, "invalid_amount_transferred"
	case errors.Is(err, vesting.ErrEmptySchedule):
		status, code = http.StatusBadRequest, "empty_schedule"
	case errors.Is(err, vesting.ErrEmptyPeriod):
		status, code = http.StatusBadRequest, "empty_period"
	case errors.Is(err, vesting.ErrInvalidIntervalDuration):
		status, code = http.StatusBadRequest, "invalid_interval_duration"
	case errors.Is(err, vesting.ErrInvalidScheduleOrder):
		status, code = http.StatusBadRequest, "invalid_schedule_order"
	case errors.Is(err, vesting.ErrPercentageDoesntCoverAllTokens):
		status, code = http.StatusBadRequest, "percentage_doesnt_cover_all_tokens"
	case errors.Is(err, vesting.ErrIntegerOverflow):
		status, code = http.StatusBadRequest, "integer_overflow"
	case errors.Is(err, vesting.ErrInvalidChangeIndex):
		status, code = http.StatusBadRequest, "invalid_change_index"
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "error", err)
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, apiError{Error: code, Message: message})
}
