package main

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// apiError is the tagged error value every component returns. The HTTP
// layer is the only place that turns one into a response.
type apiError struct {
	Code    string                 `json:"code"`
	Status  int                    `json:"-"`
	Message string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errValidation(field, msg string) *apiError {
	return &apiError{Code: "validation", Status: 400, Message: msg,
		Details: map[string]interface{}{"field": field}}
}

func errNotFound(what string) *apiError {
	return &apiError{Code: "not_found", Status: 404, Message: what + " not found"}
}

func errAlreadyClaimed(nextClaimAt int64) *apiError {
	return &apiError{Code: "already_claimed", Status: 409,
		Message: "Daily bytes already claimed today",
		Details: map[string]interface{}{"next_claim_at": nextClaimAt}}
}

func errCooldown(msg string, secondsRemaining, endTimestamp int64) *apiError {
	return &apiError{Code: "cooldown", Status: 429, Message: msg,
		Details: map[string]interface{}{
			"retry_after_seconds":    secondsRemaining,
			"cooldown_end_timestamp": endTimestamp,
		}}
}

func errInsufficientBalance(required, available int64) *apiError {
	return &apiError{Code: "insufficient_balance", Status: 402,
		Message: "Insufficient bytes balance",
		Details: map[string]interface{}{"required": required, "available": available}}
}

func errAlreadyInSquad(squadName string) *apiError {
	return &apiError{Code: "already_in_squad", Status: 409,
		Message: "You are already a member of " + squadName}
}

func errSquadFull(squadName string, maxMembers int) *apiError {
	return &apiError{Code: "squad_full", Status: 409,
		Message: squadName + " is full",
		Details: map[string]interface{}{"max_members": maxMembers}}
}

func errCampaignLocked() *apiError {
	return &apiError{Code: "campaign_locked", Status: 423,
		Message: "Squad switching is disabled during active challenge campaigns"}
}

func errConflict(msg string) *apiError {
	return &apiError{Code: "conflict", Status: 409, Message: msg}
}

func errUnreachable(msg string) *apiError {
	return &apiError{Code: "unreachable", Status: 502, Message: msg}
}

func errTimeout() *apiError {
	return &apiError{Code: "timeout", Status: 504, Message: "operation timed out"}
}

func errInternal() *apiError {
	return &apiError{Code: "internal", Status: 500, Message: "internal server error"}
}

// writeError maps any error to the JSON envelope. Internal causes are
// logged with the correlation id and never leak to the client.
func writeError(w http.ResponseWriter, corrID string, err error) {
	ae, ok := err.(*apiError)
	if !ok {
		ErrorLog.Printf("[%s] internal: %v", corrID, err)
		ae = errInternal()
	} else if ae.Code == "internal" {
		ErrorLog.Printf("[%s] internal: %v", corrID, err)
	} else {
		InfoLog.Printf("[%s] %s", corrID, ae.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	json.NewEncoder(w).Encode(ae)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
