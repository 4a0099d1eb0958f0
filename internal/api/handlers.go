package api

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/coinjoin-coordinator/internal/round"
	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// roundIDFromPath parses the :round_id path parameter shared by every
// round-scoped route.
func roundIDFromPath(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("round_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "round_id must be an integer"})
		return 0, false
	}
	return id, true
}

// writeRejection maps a tagged round.Error onto an HTTP status and the
// shared ErrorResponse body, so every handler reports rejections
// identically.
func writeRejection(c *gin.Context, err *round.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case round.InvalidRequest, round.InsufficientFunds:
		status = http.StatusBadRequest
	case round.InputDisallowed, round.InvalidProof, round.PhaseMismatch:
		status = http.StatusForbidden
	case round.NotFound:
		status = http.StatusNotFound
	case round.Transient:
		status = http.StatusServiceUnavailable
	case round.Fatal:
		status = http.StatusInternalServerError
	}
	c.JSON(status, models.ErrorResponse{Kind: err.Kind.String(), Message: err.Message, Detail: err.Detail})
}

// handleHealth reports coordinator liveness and capacity for service
// discovery / load balancer probes.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Stats())
}

// handleRoundStates lists every round the coordinator currently tracks —
// the client's entry point for deciding which round to join.
func (h *APIHandler) handleRoundStates(c *gin.Context) {
	rounds := h.coord.RunningRounds()
	states := make([]models.RoundState, 0, len(rounds))
	for _, r := range rounds {
		phase, status, aliceCount, anonSet := r.Snapshot()
		cfg := r.Config()
		states = append(states, models.RoundState{
			RoundID:               r.ID(),
			Phase:                 phase.String(),
			Status:                status.String(),
			Network:               cfg.Network,
			DenominationSats:      cfg.Denomination,
			AnonymitySet:          anonSet,
			RegisteredAliceCount:  aliceCount,
			CoordinatorFeePercent: cfg.CoordinatorFeePercent,
		})
	}
	c.JSON(http.StatusOK, states)
}

// handleRegisterAlice handles POST /rounds/:round_id/inputs.
func (h *APIHandler) handleRegisterAlice(c *gin.Context) {
	roundID, ok := roundIDFromPath(c)
	if !ok {
		return
	}

	var body models.InputRegistrationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "malformed request body"})
		return
	}

	inputs := make([]round.RegisterAliceInput, len(body.Inputs))
	for i, in := range body.Inputs {
		inputs[i] = round.RegisterAliceInput{Outpoint: in.Outpoint, Proof: in.Signature}
	}

	req := round.RegisterAliceRequest{
		BlindedOutputHex: body.BlindedOutputHex,
		ChangeScript:     body.ChangeOutputScript,
		Inputs:           inputs,
	}

	result, rejErr := h.coord.RegisterAlice(c.Request.Context(), roundID, req)
	if rejErr != nil {
		writeRejection(c, rejErr)
		return
	}

	c.JSON(http.StatusOK, models.InputRegistrationResponse{
		UniqueID:          result.UniqueID,
		BlindSignatureHex: hex.EncodeToString(result.BlindSignature),
	})
}

// handleConfirmConnection handles POST /rounds/:round_id/confirmation.
func (h *APIHandler) handleConfirmConnection(c *gin.Context) {
	roundID, ok := roundIDFromPath(c)
	if !ok {
		return
	}
	var body struct {
		UniqueID string `json:"unique_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "malformed request body"})
		return
	}

	r, exists := h.coord.TryGetRound(roundID)
	if !exists {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Kind: "not_found", Message: "unknown round"})
		return
	}

	result, rejErr := r.ConfirmConnection(c.Request.Context(), body.UniqueID)
	if rejErr != nil {
		writeRejection(c, rejErr)
		return
	}

	if result.StillRegistering {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, models.ConnectionConfirmationResponse{RoundHashHex: hex.EncodeToString(result.RoundHash)})
}

// handleUnregisterAlice handles POST /rounds/:round_id/unconfirmation.
func (h *APIHandler) handleUnregisterAlice(c *gin.Context) {
	roundID, ok := roundIDFromPath(c)
	if !ok {
		return
	}
	var body struct {
		UniqueID string `json:"unique_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "malformed request body"})
		return
	}

	r, exists := h.coord.TryGetRound(roundID)
	if !exists {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Kind: "not_found", Message: "unknown round"})
		return
	}

	if rejErr := r.UnregisterAlice(body.UniqueID); rejErr != nil {
		if rejErr.Kind == round.NotFound {
			// Nothing to unregister: answer 200 with a note rather than an error.
			c.JSON(http.StatusOK, gin.H{"note": "alice not registered in this round; nothing to unregister"})
			return
		}
		writeRejection(c, rejErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRegisterBob handles POST /rounds/:round_id/output. The round_id
// in the path is advisory only — round_hash_hex in the body is what
// actually selects the round, since the whole point of the blinded
// output flow is that Bob's request is not linkable to any Alice in the
// path-addressed round by anything but that hash.
func (h *APIHandler) handleRegisterBob(c *gin.Context) {
	if _, ok := roundIDFromPath(c); !ok {
		return
	}

	var body models.OutputRegistrationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "malformed request body"})
		return
	}

	roundHash, err := hex.DecodeString(body.RoundHashHex)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "round_hash_hex is not valid hex"})
		return
	}

	if rejErr := h.coord.RegisterBob(c.Request.Context(), roundHash, body.OutputScriptHex, body.UnblindedSignatureHex); rejErr != nil {
		writeRejection(c, rejErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePostSignatures handles POST /rounds/:round_id/signatures.
func (h *APIHandler) handlePostSignatures(c *gin.Context) {
	roundID, ok := roundIDFromPath(c)
	if !ok {
		return
	}

	var body models.PostSignaturesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "malformed request body"})
		return
	}

	r, exists := h.coord.TryGetRound(roundID)
	if !exists {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Kind: "not_found", Message: "unknown round"})
		return
	}

	sigs := make([]round.InputSignature, len(body.Signatures))
	for i, s := range body.Signatures {
		witness := make([][]byte, len(s.WitnessHex))
		for j, w := range s.WitnessHex {
			b, err := hex.DecodeString(w)
			if err != nil {
				c.JSON(http.StatusBadRequest, models.ErrorResponse{Kind: "invalid_request", Message: "witness_hex entries must be valid hex"})
				return
			}
			witness[j] = b
		}
		sigs[i] = round.InputSignature{InputIndex: s.InputIndex, Witness: witness}
	}

	if rejErr := r.PostSignatures(c.Request.Context(), body.UniqueID, sigs); rejErr != nil {
		writeRejection(c, rejErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleGetCoinJoin handles GET /coinjoin/:unique_id.
func (h *APIHandler) handleGetCoinJoin(c *gin.Context) {
	uniqueID := c.Param("unique_id")
	tx, rejErr := h.coord.GetCoinJoin(uniqueID)
	if rejErr != nil {
		writeRejection(c, rejErr)
		return
	}
	c.String(http.StatusOK, hex.EncodeToString(tx))
}
