package engine

import (
	"context"
	"errors"
	"testing"

	"cardflow/internal/board"
	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/migrate"
)

func newAdvanceEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("vendas")
	e := New(conn, cfg)
	if _, err := e.ImportFlow(context.Background(), cfg, "tester"); err != nil {
		t.Fatalf("import flow: %v", err)
	}
	return e
}

func TestAdvanceGateReadsInsideTransaction(t *testing.T) {
	e := newAdvanceEngine(t)
	ctx := context.Background()
	c, err := e.CreateCard(ctx, CardCreateOptions{FlowID: "vendas", Title: "Acme", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	_, err = e.advanceTx(ctx, tx, c.ID, "tester")
	var verr *board.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error before the phone is set, got %v", err)
	}

	// Fill the required field in the same, uncommitted transaction.
	cur, err := e.Repo.GetCardTx(ctx, tx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cur.Values = map[string]any{"telefone": "11 99999-0000"}
	if err := e.Repo.UpdateCard(ctx, tx, cur); err != nil {
		t.Fatalf("update: %v", err)
	}

	moved, err := e.advanceTx(ctx, tx, c.ID, "tester")
	if err != nil {
		t.Fatalf("advance saw stale state: %v", err)
	}
	if moved.StageID != "qualificado" {
		t.Fatalf("expected qualificado, got %s", moved.StageID)
	}
}
