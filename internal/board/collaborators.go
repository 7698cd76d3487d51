package board

import (
	"context"
	"time"

	"cardflow/internal/domain"
	"cardflow/internal/search"
)

// Filter narrows the server-side card list by owner.
type Filter struct {
	AssignedTo     string `json:"assigned_to,omitempty"`
	AssignedTeamID string `json:"assigned_team_id,omitempty"`
}

// Page is one slice of the paginated card list. An empty NextCursor means no
// more pages.
type Page struct {
	Cards      []domain.Card `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type CardSource interface {
	ListCards(ctx context.Context, flowID string, f Filter, cursor string, limit int) (Page, error)
}

type CountSource interface {
	CountCards(ctx context.Context, flowID, stageID string, f Filter) (int, error)
}

type Searcher interface {
	SearchCards(ctx context.Context, flowID, stageID, term string, f Filter) ([]domain.Card, error)
}

// Persister commits a mutation batch atomically.
type Persister interface {
	Reorder(ctx context.Context, flowID string, muts []domain.ReorderMutation) error
}

type StageConfigProvider interface {
	Stages(ctx context.Context, flowID string) ([]domain.Stage, error)
}

type Directory = search.Names

// Signals receives the transient visual cues of a drag.
type Signals interface {
	Reject(cardID string, d time.Duration)
	Celebrate(cardID string, d time.Duration)
}

// DetailView is an open card-detail panel, if any.
type DetailView interface {
	CurrentCardID() string
	Show(card domain.Card)
}

type nopSignals struct{}

func (nopSignals) Reject(string, time.Duration)    {}
func (nopSignals) Celebrate(string, time.Duration) {}
