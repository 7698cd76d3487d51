package cardflowsdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/board"
	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/engine"
	"cardflow/internal/migrate"
	"cardflow/internal/server"
)

func newTestClient(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("vendas")
	e := engine.New(conn, cfg)
	_, err = e.ImportFlow(context.Background(), cfg, "tester")
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "vendas")
	c.ActorID = "ana"
	return c, e
}

func TestClientCardLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	card, err := c.CreateCard(ctx, CreateCard{Title: "Acme", AssignedTo: "joao"})
	require.NoError(t, err)
	assert.Equal(t, "novo", card.StageID)

	_, err = c.AdvanceCard(ctx, card.ID)
	var verr *board.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, []string{"Telefone"}, verr.Missing)
	assert.Equal(t, "novo", verr.StageID)

	_, err = c.UpdateCard(ctx, card.ID, UpdateCard{Values: map[string]any{"telefone": "11 4000-0000"}})
	require.NoError(t, err)
	moved, err := c.AdvanceCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualificado", moved.StageID)

	page, err := c.EventsPage(ctx, 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "ana", page.Items[0].ActorID)

	require.NoError(t, c.DeleteCard(ctx, card.ID))
	_, err = c.GetCard(ctx, card.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClientDrivesBoard(t *testing.T) {
	c, e := newTestClient(t)
	ctx := context.Background()
	for _, title := range []string{"Acme", "Globex", "Initech"} {
		_, err := c.CreateCard(ctx, CreateCard{Title: title, Values: map[string]any{"telefone": "11"}})
		require.NoError(t, err)
	}

	stages, err := c.Stages(ctx, "vendas")
	require.NoError(t, err)
	require.Len(t, stages, 4)
	dir, err := c.Directory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "João Pereira", dir.UserName("joao"))
	opts, err := c.ViewOptions(ctx, "vendas")
	require.NoError(t, err)
	assert.Equal(t, 10, opts.WindowSize)

	view := board.NewView(stages, board.Sources{Cards: c, Counts: c, Search: c, Names: dir}, opts)
	t.Cleanup(view.Close)
	require.NoError(t, view.Load(ctx))
	col := view.Column("novo")
	require.Len(t, col.Cards, 3)
	assert.Equal(t, 3, col.Total)

	ctrl := board.NewController(view, c, board.ControllerOptions{})
	first := col.Cards[0]
	out, err := ctrl.DragEnd(ctx, first.ID, board.DropTarget{StageID: "qualificado"})
	require.NoError(t, err)
	assert.Equal(t, board.OutcomeMoved, out.Kind)

	stored, err := e.Repo.GetCard(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualificado", stored.StageID)
	require.NotNil(t, stored.AssignedTeamID)
	assert.Equal(t, "comercial", *stored.AssignedTeamID)

	require.NoError(t, view.RefreshCounts(ctx))
	assert.Equal(t, 2, view.Column("novo").Total)
	assert.Equal(t, 1, view.Column("qualificado").Total)
}
