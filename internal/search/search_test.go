package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cardflow/internal/domain"
)

type names map[string]string

func (n names) UserName(id string) string { return n["u:"+id] }
func (n names) TeamName(id string) string { return n["t:"+id] }

func strPtr(s string) *string { return &s }

func TestNormalize(t *testing.T) {
	assert.Equal(t, "joao", Normalize("  João "))
	assert.Equal(t, "acao concluida", Normalize("AÇÃO Concluída"))
	assert.Equal(t, "", Normalize("   "))
}

func TestMatcherIgnoresCaseAndDiacritics(t *testing.T) {
	dir := names{"u:u1": "João Silva"}
	card := domain.Card{ID: "c1", Title: "Contrato", AssignedTo: strPtr("u1"), Status: domain.StatusInProgress}

	assert.True(t, NewMatcher("Joao", dir).Match(card))
	assert.True(t, NewMatcher("JOAO", dir).Match(card))
	assert.True(t, NewMatcher("joão", dir).Match(card))
	assert.False(t, NewMatcher("maria", dir).Match(card))
}

func TestMatcherSearchedFields(t *testing.T) {
	dir := names{"t:t1": "Comercial Sul"}
	card := domain.Card{
		ID:             "c1",
		Title:          "Renovação",
		Status:         domain.StatusCompleted,
		AssignedTeamID: strPtr("t1"),
		CreatedAt:      time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
		Values:         map[string]any{"telefone": "11 99999-0000", "valor": 1500.5, "tags": []any{"vip"}},
		Checklist:      map[string]map[string]bool{"docs": {"RG enviado": true, "CPF enviado": false}},
	}
	cases := map[string]bool{
		"renovacao":   true,
		"concluido":   true,
		"09/03/2024":  true,
		"comercial":   true,
		"99999":       true,
		"1500.5":      true,
		"vip":         true,
		"rg enviado":  true,
		"cpf enviado": false,
		"andamento":   false,
	}
	for q, want := range cases {
		assert.Equal(t, want, NewMatcher(q, dir).Match(card), "query %q", q)
	}
}

func TestFilterKeepsOrderAndEmptyMatchesAll(t *testing.T) {
	cards := []domain.Card{{ID: "a", Title: "Alpha"}, {ID: "b", Title: "Beta"}, {ID: "c", Title: "Alphabet"}}
	got := NewMatcher("alpha", nil).Filter(cards)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Len(t, NewMatcher("  ", nil).Filter(cards), 3)
}
