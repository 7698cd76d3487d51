package board

import "cardflow/internal/domain"

// Plan computes the mutations realizing a move of card to targetIndex of
// targetStageID. source and destination are the current columns in display
// order; destination is ignored for a same-stage move. A negative or
// out-of-range index means end of list.
//
// Every card of every touched column is renumbered. When card is missing from
// source (stale cache) the source column is left alone.
func Plan(card domain.Card, source, destination []domain.Card, targetStageID string, targetIndex int) []domain.ReorderMutation {
	if targetStageID == card.StageID {
		rest, _ := without(source, card.ID)
		order := insertAt(rest, card, targetIndex)
		return mutationsFor(order, targetStageID)
	}

	var muts []domain.ReorderMutation
	if rest, found := without(source, card.ID); found {
		muts = append(muts, mutationsFor(rest, card.StageID)...)
	}
	dest, _ := without(destination, card.ID)
	order := insertAt(dest, card, targetIndex)
	return append(muts, mutationsFor(order, targetStageID)...)
}

func without(cards []domain.Card, id string) ([]domain.Card, bool) {
	out := make([]domain.Card, 0, len(cards))
	found := false
	for _, c := range cards {
		if c.ID == id {
			found = true
			continue
		}
		out = append(out, c)
	}
	return out, found
}

func insertAt(cards []domain.Card, card domain.Card, idx int) []domain.Card {
	if idx < 0 || idx > len(cards) {
		idx = len(cards)
	}
	out := make([]domain.Card, 0, len(cards)+1)
	out = append(out, cards[:idx]...)
	out = append(out, card)
	return append(out, cards[idx:]...)
}

func mutationsFor(order []domain.Card, stageID string) []domain.ReorderMutation {
	placements := Allocate(order)
	muts := make([]domain.ReorderMutation, len(placements))
	for i, p := range placements {
		muts[i] = domain.ReorderMutation{CardID: p.CardID, StageID: stageID, Position: p.Position}
	}
	return muts
}

// MutationFor returns a pointer to the mutation for cardID within muts.
func MutationFor(muts []domain.ReorderMutation, cardID string) *domain.ReorderMutation {
	for i := range muts {
		if muts[i].CardID == cardID {
			return &muts[i]
		}
	}
	return nil
}
