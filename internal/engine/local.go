package engine

import (
	"context"

	"cardflow/internal/board"
	"cardflow/internal/domain"
	"cardflow/internal/repo"
)

// Local serves the board collaborators in-process, straight from the store.
type Local struct {
	Engine  Engine
	ActorID string
}

var (
	_ board.CardSource          = Local{}
	_ board.CountSource         = Local{}
	_ board.Searcher            = Local{}
	_ board.Persister           = Local{}
	_ board.StageConfigProvider = Local{}
)

func cardFilters(flowID string, f board.Filter) repo.CardFilters {
	return repo.CardFilters{FlowID: flowID, AssignedTo: f.AssignedTo, AssignedTeamID: f.AssignedTeamID}
}

// ListCards fetches one page, reading a row past the limit to know whether
// another page exists.
func (l Local) ListCards(ctx context.Context, flowID string, f board.Filter, cursor string, limit int) (board.Page, error) {
	return ListPage(ctx, l.Engine.Repo, cardFilters(flowID, f), cursor, limit)
}

// ListPage is the keyset pagination shared by the local adapter and the API.
func ListPage(ctx context.Context, r repo.Repo, filters repo.CardFilters, cursor string, limit int) (board.Page, error) {
	if limit <= 0 {
		limit = board.DefaultPageSize
	}
	createdAt, id, err := repo.ParseCursor(cursor)
	if err != nil {
		return board.Page{}, err
	}
	filters.CursorCreatedAt, filters.CursorID = createdAt, id
	filters.Limit = limit + 1
	cards, err := r.ListCards(ctx, filters)
	if err != nil {
		return board.Page{}, err
	}
	page := board.Page{Cards: cards}
	if len(cards) > limit {
		page.Cards = cards[:limit]
		last := page.Cards[limit-1]
		page.NextCursor = repo.ComposeCursor(last.CreatedAt, last.ID)
	}
	if page.Cards == nil {
		page.Cards = []domain.Card{}
	}
	return page, nil
}

func (l Local) CountCards(ctx context.Context, flowID, stageID string, f board.Filter) (int, error) {
	filters := cardFilters(flowID, f)
	filters.StageID = stageID
	return l.Engine.Repo.CountCards(ctx, filters)
}

func (l Local) SearchCards(ctx context.Context, flowID, stageID, term string, f board.Filter) ([]domain.Card, error) {
	dir, err := l.Engine.Repo.LoadDirectory(ctx)
	if err != nil {
		return nil, err
	}
	filters := cardFilters(flowID, f)
	filters.StageID = stageID
	return l.Engine.Repo.SearchCards(ctx, filters, term, dir)
}

func (l Local) Reorder(ctx context.Context, flowID string, muts []domain.ReorderMutation) error {
	return l.Engine.Reorder(ctx, flowID, muts, l.ActorID)
}

func (l Local) Stages(ctx context.Context, flowID string) ([]domain.Stage, error) {
	return l.Engine.Repo.ListStages(ctx, flowID)
}

// Directory returns a snapshot of owner names for local search.
func (l Local) Directory(ctx context.Context) (board.Directory, error) {
	return l.Engine.Repo.LoadDirectory(ctx)
}
