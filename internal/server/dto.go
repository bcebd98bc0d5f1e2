package server

import (
	"encoding/json"
	"time"

	"garrison/internal/domain"
)

// Request payloads

type CreateConscriptRequest struct {
	Name string `json:"name"`
}

type AssignRequest struct {
	DirectiveID string `json:"directive_id"`
	CampAlias   string `json:"camp_alias,omitempty"`
	ClaimCamp   bool   `json:"claim_camp,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
}

type RejectRequest struct {
	Feedback string `json:"feedback"`
}

type MessageRequest struct {
	Text string `json:"text"`
}

type ClaimCampRequest struct {
	ConscriptID string `json:"conscript_id"`
}

type CampConscriptRequest struct {
	ConscriptID string `json:"conscript_id"`
}

type RegisterCampRequest struct {
	Alias string `json:"alias"`
}

type ProvisionCampRequest struct {
	Alias string `json:"alias,omitempty"`
}

type LoadDirectivesRequest struct {
	DirectiveIDs []string `json:"directive_ids"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Responses

// CampResponse adds the derived status missing from the stored record.
type CampResponse struct {
	ID                   string   `json:"id"`
	Alias                string   `json:"alias"`
	Status               string   `json:"status" enum:"available,leased,expired,error"`
	AssignedConscriptIDs []string `json:"assigned_conscript_ids,omitempty"`
	ExpiresAt            *string  `json:"expires_at,omitempty" format:"date-time"`
	Error                *string  `json:"error,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type CanAssignResponse struct {
	Allowed bool `json:"allowed"`
}

func campResponse(c domain.Camp, now time.Time) CampResponse {
	return CampResponse{
		ID:                   c.ID,
		Alias:                c.Alias,
		Status:               c.EffectiveStatus(now),
		AssignedConscriptIDs: c.AssignedConscriptIDs,
		ExpiresAt:            c.ExpiresAt,
		Error:                c.ErrorMsg,
		CreatedAt:            c.CreatedAt,
	}
}

func mapCamps(items []domain.Camp, now time.Time) []CampResponse {
	out := make([]CampResponse, 0, len(items))
	for _, c := range items {
		out = append(out, campResponse(c, now))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			out.Payload = payload
		}
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
