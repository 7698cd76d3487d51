package server

import (
	"encoding/json"

	"cardflow/internal/config"
	"cardflow/internal/domain"
)

// Request payloads

type ImportFlowRequest struct {
	Config string `json:"config" doc:"cardflow.yml contents"`
}

type CreateCardRequest struct {
	ID             *string                    `json:"id,omitempty"`
	Title          string                     `json:"title"`
	Values         map[string]any             `json:"values,omitempty"`
	Checklist      map[string]map[string]bool `json:"checklist,omitempty"`
	ParentID       *string                    `json:"parent_id,omitempty"`
	AssignedTo     *string                    `json:"assigned_to,omitempty"`
	AssignedTeamID *string                    `json:"assigned_team_id,omitempty"`
}

// UpdateCardRequest edits a card. Values and checklist entries are merged;
// an empty string clears an owner or the parent.
type UpdateCardRequest struct {
	Title          *string                    `json:"title,omitempty"`
	Values         map[string]any             `json:"values,omitempty"`
	Checklist      map[string]map[string]bool `json:"checklist,omitempty"`
	AssignedTo     *string                    `json:"assigned_to,omitempty"`
	AssignedTeamID *string                    `json:"assigned_team_id,omitempty"`
	ParentID       *string                    `json:"parent_id,omitempty"`
	Status         *string                    `json:"status,omitempty" enum:"inprogress,completed,canceled"`
}

type AssignmentRequest struct {
	AssignedTo     *string  `json:"assigned_to,omitempty"`
	AssignedTeamID *string  `json:"assigned_team_id,omitempty"`
	Agents         []string `json:"agents,omitempty"`
}

type MutationRequest struct {
	ID         string             `json:"id"`
	StageID    string             `json:"stage_id"`
	Position   int64              `json:"position"`
	Status     *string            `json:"status,omitempty" enum:"inprogress,completed,canceled"`
	Assignment *AssignmentRequest `json:"assignment,omitempty"`
}

type ReorderRequest struct {
	Mutations []MutationRequest `json:"mutations"`
}

// Responses

type StageCountResponse struct {
	StageID string `json:"stage_id"`
	Count   int    `json:"count"`
}

type CountsResponse struct {
	Counts map[string]int `json:"counts"`
}

type ReorderResponse struct {
	Applied int `json:"applied"`
}

type BoardConfigResponse struct {
	PageSize         int   `json:"page_size"`
	WindowSize       int   `json:"window_size"`
	WindowIncrement  int   `json:"window_increment"`
	SearchMinLength  int   `json:"search_min_length"`
	SearchDebounceMS int64 `json:"search_debounce_ms"`
	ListPageSize     int   `json:"list_page_size"`
	ListMaxCards     int   `json:"list_max_cards"`
}

type DirectoryResponse struct {
	Users []domain.User `json:"users"`
	Teams []domain.Team `json:"teams"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedCards struct {
	Items      []domain.Card `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type cardList struct {
	Items []domain.Card `json:"items"`
}

type stageList struct {
	Items []domain.Stage `json:"items"`
}

type flowList struct {
	Items []domain.Flow `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func mutationFromRequest(in MutationRequest) domain.ReorderMutation {
	m := domain.ReorderMutation{CardID: in.ID, StageID: in.StageID, Position: in.Position}
	if in.Status != nil {
		status := domain.CardStatus(*in.Status)
		m.Status = &status
	}
	if a := in.Assignment; a != nil {
		m.Assignment = &domain.Assignment{
			AssignedTo:     a.AssignedTo,
			AssignedTeamID: a.AssignedTeamID,
			Agents:         a.Agents,
		}
	}
	return m
}

func boardConfigResponse(cfg *config.Config) BoardConfigResponse {
	b := cfg.Board
	return BoardConfigResponse{
		PageSize:         b.PageSize,
		WindowSize:       b.WindowSize,
		WindowIncrement:  b.WindowIncrement,
		SearchMinLength:  b.SearchMinLength,
		SearchDebounceMS: b.SearchDebounce.Milliseconds(),
		ListPageSize:     b.ListPageSize,
		ListMaxCards:     b.ListMaxCards,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FlowID:     e.FlowID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
