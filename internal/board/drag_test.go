package board

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/domain"
)

type dragFixture struct {
	view    *View
	store   *fakeStore
	signals *recordingSignals
	detail  *fakeDetail
	ctrl    *Controller
}

func newDragFixture(t *testing.T, stages []domain.Stage, cards []domain.Card) *dragFixture {
	t.Helper()
	store := &fakeStore{cards: cards}
	v := newTestView(t, stages, Sources{Cards: store, Counts: store}, ViewOptions{})
	require.NoError(t, v.Load(context.Background()))
	f := &dragFixture{view: v, store: store, signals: &recordingSignals{}, detail: &fakeDetail{}}
	f.ctrl = NewController(v, store, ControllerOptions{Signals: f.signals, Detail: f.detail})
	return f
}

func salesStages() []domain.Stage {
	novo := stage("novo", 0)
	novo.Fields = []domain.FieldDefinition{{ID: "telefone", Label: "Telefone", Type: "text", Required: true}}
	qual := stage("qualificado", 1)
	qual.IsCompletion = true
	return []domain.Stage{novo, qual}
}

func TestDragStartAndCancel(t *testing.T) {
	f := newDragFixture(t, salesStages(), []domain.Card{card("x", "novo", 1000)})
	assert.Equal(t, Idle, f.ctrl.State())

	require.NoError(t, f.ctrl.DragStart("x"))
	assert.Equal(t, Dragging, f.ctrl.State())
	assert.Equal(t, "x", f.ctrl.Active())

	f.ctrl.DragCancel()
	assert.Equal(t, Idle, f.ctrl.State())
	assert.Empty(t, f.ctrl.Active())
	assert.Empty(t, f.store.reorders)

	assert.ErrorIs(t, f.ctrl.DragStart("nope"), ErrUnknownCard)
}

func TestDragBlockedAdvance(t *testing.T) {
	x := card("x", "novo", 1000)
	x.Values = map[string]any{"telefone": ""}
	f := newDragFixture(t, salesStages(), []domain.Card{x})

	require.NoError(t, f.ctrl.DragStart("x"))
	out, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "qualificado"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, []string{"Telefone"}, out.Missing)
	assert.Equal(t, Forward, out.Direction)
	got, _ := f.view.Card("x")
	assert.Equal(t, "novo", got.StageID)
	assert.Empty(t, f.store.reorders)
	require.Len(t, f.signals.got, 1)
	assert.Equal(t, signal{"reject", "x", DefaultRejectFor}, f.signals.got[0])
	assert.Equal(t, Idle, f.ctrl.State())
}

func TestDragIntoCompletionStage(t *testing.T) {
	x := card("x", "novo", 1000)
	x.Values = map[string]any{"telefone": "11 9999-0000"}
	f := newDragFixture(t, salesStages(), []domain.Card{x, card("y", "novo", 2000), card("q", "qualificado", 1000)})
	f.detail.current = "x"

	out, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "qualificado"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, out.Kind)
	assert.True(t, out.Crossed)

	require.Len(t, f.store.reorders, 1)
	batch := f.store.reorders[0]
	assert.Len(t, batch, 3)
	m := MutationFor(batch, "x")
	require.NotNil(t, m)
	require.NotNil(t, m.Status)
	assert.Equal(t, domain.StatusCompleted, *m.Status)
	assert.Equal(t, int64(2000), m.Position)
	for _, other := range batch {
		if other.CardID != "x" {
			assert.Nil(t, other.Status)
			assert.Nil(t, other.Assignment)
		}
	}

	got, _ := f.view.Card("x")
	assert.Equal(t, "qualificado", got.StageID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, signal{"celebrate", "x", DefaultCelebrateFor}, f.signals.got[0])
	require.Len(t, f.detail.shown, 1)
	assert.Equal(t, "qualificado", f.detail.shown[0].StageID)
}

func TestDragBackwardSkipsValidation(t *testing.T) {
	a, b, c := stage("a", 0), stage("b", 1), stage("c", 2)
	b.Fields = []domain.FieldDefinition{{ID: "doc", Label: "Doc", Type: "text", Required: true}}
	f := newDragFixture(t, []domain.Stage{a, b, c}, []domain.Card{card("x", "b", 1000)})

	out, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "a"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, out.Kind)
	assert.Equal(t, Backward, out.Direction)
	m := MutationFor(out.Mutations, "x")
	require.NotNil(t, m)
	assert.Equal(t, domain.StatusInProgress, *m.Status)

	out, err = f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "c"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, out.Kind)
}

func TestDragForwardValidatesSourceStage(t *testing.T) {
	a, b, c := stage("a", 0), stage("b", 1), stage("c", 2)
	b.Fields = []domain.FieldDefinition{{ID: "doc", Label: "Doc", Type: "text", Required: true}}
	f := newDragFixture(t, []domain.Stage{a, b, c}, []domain.Card{card("x", "b", 1000)})

	out, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "c"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, []string{"Doc"}, out.Missing)
}

func TestDragOntoCardResolvesStageAndIndex(t *testing.T) {
	a, b := stage("a", 0), stage("b", 1)
	b.DefaultUserID = strPtr("u9")
	b.DefaultTeamID = strPtr("t1")
	cards := append(column("a", "a", 2), column("b", "b", 3)...)
	f := newDragFixture(t, []domain.Stage{a, b}, cards)

	out, err := f.ctrl.DragEnd(context.Background(), "a1", DropTarget{CardID: "b2"})
	require.NoError(t, err)
	assert.Equal(t, "b", out.ToStageID)
	assert.Equal(t, []string{"b1", "a1", "b2", "b3"}, ids(f.view.Cards("b")))

	m := MutationFor(out.Mutations, "a1")
	require.NotNil(t, m)
	assert.Equal(t, int64(2000), m.Position)
	require.NotNil(t, m.Assignment)
	assert.Equal(t, "u9", *m.Assignment.AssignedTo)
	assert.Nil(t, m.Assignment.AssignedTeamID)
	assert.Equal(t, []string{"u9"}, m.Assignment.Agents)

	got, _ := f.view.Card("a1")
	assert.Equal(t, "u9", *got.AssignedTo)
}

func TestDragSameStageReorder(t *testing.T) {
	f := newDragFixture(t, []domain.Stage{stage("a", 0)}, column("a", "a", 3))

	out, err := f.ctrl.DragEnd(context.Background(), "a1", DropTarget{CardID: "a3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, out.Kind)
	assert.False(t, out.Crossed)
	assert.Equal(t, []string{"a2", "a3", "a1"}, ids(f.view.Cards("a")))
	assert.Empty(t, f.signals.got)
	for _, m := range out.Mutations {
		assert.Nil(t, m.Status)
	}
}

func TestDragOntoItselfMovesToEnd(t *testing.T) {
	f := newDragFixture(t, []domain.Stage{stage("a", 0)}, column("a", "a", 3))

	out, err := f.ctrl.DragEnd(context.Background(), "a1", DropTarget{CardID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMoved, out.Kind)
	assert.Equal(t, []string{"a2", "a3", "a1"}, ids(f.view.Cards("a")))
	require.Len(t, f.store.reorders, 1)
	assert.Len(t, f.store.reorders[0], 3)
}

func TestDragIgnoredDrops(t *testing.T) {
	f := newDragFixture(t, []domain.Stage{stage("a", 0)}, column("a", "a", 2))

	out, err := f.ctrl.DragEnd(context.Background(), "a1", DropTarget{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)

	out, err = f.ctrl.DragEnd(context.Background(), "a1", DropTarget{StageID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)

	out, err = f.ctrl.DragEnd(context.Background(), "ghost", DropTarget{StageID: "a"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Empty(t, f.store.reorders)
}

func TestDragGrowsDestinationWindow(t *testing.T) {
	cards := append([]domain.Card{card("x", "a", 1000)}, manyCards("b", 10)...)
	f := newDragFixture(t, []domain.Stage{stage("a", 0), stage("b", 1)}, cards)
	require.Equal(t, 10, f.view.Window("b"))

	_, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 11, f.view.Window("b"))
	col := f.view.Column("b")
	assert.Equal(t, "x", col.Cards[len(col.Cards)-1].ID)
}

func TestDragPersistFailureRestoresView(t *testing.T) {
	x := card("x", "novo", 1000)
	x.Values = map[string]any{"telefone": "1"}
	f := newDragFixture(t, salesStages(), []domain.Card{x})
	f.store.reorderFn = func([]domain.ReorderMutation) error { return errBoom }

	out, err := f.ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "qualificado"})
	require.ErrorIs(t, err, errBoom)
	assert.NotEqual(t, OutcomeMoved, out.Kind)

	got, _ := f.view.Card("x")
	assert.Equal(t, "novo", got.StageID)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, 10, f.view.Window("qualificado"))
	assert.Equal(t, 1, f.view.Column("novo").Total)
	assert.Empty(t, f.signals.got)
	assert.Equal(t, Idle, f.ctrl.State())
}

func TestDragPersistFailureKeepsPageLoadedMeanwhile(t *testing.T) {
	x := card("x", "novo", 1000)
	x.Values = map[string]any{"telefone": "1"}
	cards := []domain.Card{x, card("y", "novo", 2000), card("z", "novo", 3000)}
	store := &fakeStore{cards: cards}
	v := newTestView(t, salesStages(), Sources{Cards: store, Counts: store}, ViewOptions{PageSize: 2})
	require.NoError(t, v.Load(context.Background()))
	_, ok := v.Card("z")
	require.False(t, ok)

	store.reorderFn = func([]domain.ReorderMutation) error {
		if _, err := v.FetchNextPage(context.Background()); err != nil {
			return err
		}
		return errBoom
	}
	ctrl := NewController(v, store, ControllerOptions{})

	_, err := ctrl.DragEnd(context.Background(), "x", DropTarget{StageID: "qualificado"})
	require.ErrorIs(t, err, errBoom)

	_, ok = v.Card("z")
	assert.True(t, ok, "card from the page fetched during persist must stay cached")
	assert.False(t, v.HasNextPage())
	assert.Equal(t, []string{"x", "y", "z"}, ids(v.Cards("novo")))
	assert.Equal(t, 3, v.Column("novo").Total)
	assert.Equal(t, 0, v.Column("qualificado").Total)
}
