package board

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"cardflow/internal/domain"
)

type Direction int

const (
	Same Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "same"
	}
}

// Classify compares stage ordinals; forward iff the target is strictly greater.
func Classify(from, to domain.Stage) Direction {
	switch {
	case from.ID == to.ID:
		return Same
	case to.Ordinal > from.Ordinal:
		return Forward
	default:
		return Backward
	}
}

const checklistSuffix = "(checklist incompleto)"

// ValidationError lists the required fields blocking a card from leaving its stage.
type ValidationError struct {
	CardID  string
	StageID string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campos obrigatórios pendentes: %s", strings.Join(e.Missing, ", "))
}

// MissingFields returns the labels of every unmet required field of stage.
func MissingFields(card domain.Card, stage domain.Stage) []string {
	var missing []string
	for _, f := range stage.Fields {
		if !f.Required {
			continue
		}
		if f.Type == domain.FieldTypeChecklist {
			if !checklistComplete(card.Checklist[f.ID], f.Items) {
				missing = append(missing, fmt.Sprintf("%s %s", f.Label, checklistSuffix))
			}
			continue
		}
		if !filled(card.Values[f.ID]) {
			missing = append(missing, f.Label)
		}
	}
	return missing
}

// CheckAdvance returns a *ValidationError when card may not leave stage.
func CheckAdvance(card domain.Card, stage domain.Stage) error {
	missing := MissingFields(card, stage)
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{CardID: card.ID, StageID: stage.ID, Missing: missing}
}

func CanAdvance(card domain.Card, stage domain.Stage) bool {
	return len(MissingFields(card, stage)) == 0
}

func checklistComplete(progress map[string]bool, items []string) bool {
	if progress == nil {
		return false
	}
	for _, item := range items {
		if !progress[item] {
			return false
		}
	}
	return true
}

// filled accepts numbers, non-blank strings and non-empty arrays only.
func filled(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case json.Number:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return rv.Len() > 0
	}
	return false
}
