package board

import "cardflow/internal/domain"

// PositionStep is the gap between neighbouring cards in a column.
const PositionStep int64 = 1000

type Placement struct {
	CardID   string
	Position int64
}

// PositionAt returns the sort key for the card at index i of a column.
func PositionAt(i int) int64 {
	return int64(i+1) * PositionStep
}

// Allocate assigns spaced sort keys to cards in their final display order.
func Allocate(cards []domain.Card) []Placement {
	out := make([]Placement, len(cards))
	for i, c := range cards {
		out[i] = Placement{CardID: c.ID, Position: PositionAt(i)}
	}
	return out
}
