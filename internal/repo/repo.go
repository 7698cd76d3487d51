package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cardflow/internal/config"
	"cardflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// ComposeCursor encodes a (created_at, id) keyset position.
func ComposeCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	return FormatTime(createdAt) + "|" + id
}

func ParseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	return getFlow(ctx, r.DB, id)
}

func (r Repo) GetFlowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Flow, error) {
	return getFlow(ctx, tx, id)
}

func getFlow(ctx context.Context, q querier, id string) (domain.Flow, error) {
	var f domain.Flow
	var created string
	err := q.QueryRowContext(ctx, `SELECT id,title,created_at FROM flows WHERE id=?`, id).Scan(&f.ID, &f.Title, &created)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.CreatedAt = parseTime(created)
	f.Stages, err = listStages(ctx, q, id)
	return f, err
}

// SingleFlow returns the only flow in the database.
func (r Repo) SingleFlow(ctx context.Context) (domain.Flow, error) {
	flows, err := r.ListFlows(ctx)
	if err != nil {
		return domain.Flow{}, err
	}
	if len(flows) == 0 {
		return domain.Flow{}, ErrNotFound
	}
	if len(flows) > 1 {
		return domain.Flow{}, fmt.Errorf("multiple flows exist; specify --flow")
	}
	return r.GetFlow(ctx, flows[0].ID)
}

// ListFlows returns flows without their stages.
func (r Repo) ListFlows(ctx context.Context) ([]domain.Flow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,created_at FROM flows ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Flow
	for rows.Next() {
		var f domain.Flow
		var created string
		if err := rows.Scan(&f.ID, &f.Title, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) ListStages(ctx context.Context, flowID string) ([]domain.Stage, error) {
	return listStages(ctx, r.DB, flowID)
}

func listStages(ctx context.Context, q querier, flowID string) ([]domain.Stage, error) {
	rows, err := q.QueryContext(ctx, `SELECT flow_id,id,title,ordinal,is_completion,default_user_id,default_team_id,fields_json FROM stages WHERE flow_id=? ORDER BY ordinal, id`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var user, team sql.NullString
		var fields string
		if err := rows.Scan(&s.FlowID, &s.ID, &s.Title, &s.Ordinal, &s.IsCompletion, &user, &team, &fields); err != nil {
			return nil, err
		}
		if user.Valid {
			s.DefaultUserID = &user.String
		}
		if team.Valid {
			s.DefaultTeamID = &team.String
		}
		if err := json.Unmarshal([]byte(fields), &s.Fields); err != nil {
			return nil, fmt.Errorf("stage %s fields: %w", s.ID, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ImportFlowTx upserts the flow, its stages and its config. Stages missing
// from the new definition are removed; that fails while cards still sit in them.
func (r Repo) ImportFlowTx(ctx context.Context, tx *sql.Tx, f domain.Flow, cfg *config.Config, now time.Time) error {
	ts := FormatTime(now)
	if _, err := tx.ExecContext(ctx, `INSERT INTO flows(id,title,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title`, f.ID, f.Title, ts); err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	keep := make(map[string]bool, len(f.Stages))
	for _, s := range f.Stages {
		fields, err := json.Marshal(s.Fields)
		if err != nil {
			return err
		}
		if s.Fields == nil {
			fields = []byte("[]")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO stages(flow_id,id,title,ordinal,is_completion,default_user_id,default_team_id,fields_json) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(flow_id,id) DO UPDATE SET title=excluded.title, ordinal=excluded.ordinal, is_completion=excluded.is_completion,
default_user_id=excluded.default_user_id, default_team_id=excluded.default_team_id, fields_json=excluded.fields_json`,
			f.ID, s.ID, s.Title, s.Ordinal, s.IsCompletion, nullableStringPtr(s.DefaultUserID), nullableStringPtr(s.DefaultTeamID), string(fields))
		if err != nil {
			return fmt.Errorf("upsert stage %s: %w", s.ID, err)
		}
		keep[s.ID] = true
	}
	existing, err := listStages(ctx, tx, f.ID)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if keep[s.ID] {
			continue
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM cards WHERE flow_id=? AND stage_id=?`, f.ID, s.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("stage %s still holds %d cards; move them before removing the stage", s.ID, n)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE flow_id=? AND id=?`, f.ID, s.ID); err != nil {
			return fmt.Errorf("delete stage %s: %w", s.ID, err)
		}
	}
	if cfg != nil {
		if err := r.UpsertFlowConfigTx(ctx, tx, f.ID, cfg); err != nil {
			return fmt.Errorf("upsert flow config: %w", err)
		}
	}
	return nil
}

func (r Repo) UpsertFlowConfigTx(ctx context.Context, tx *sql.Tx, flowID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Flow.ID = flowID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := FormatTime(time.Now())
	_, err = tx.ExecContext(ctx, `INSERT INTO flow_configs(flow_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(flow_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, flowID, string(payload), now, now)
	return err
}

func (r Repo) GetFlowConfig(ctx context.Context, flowID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM flow_configs WHERE flow_id=?`, flowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Flow.ID == "" {
		cfg.Flow.ID = flowID
	}
	return &cfg, cfg.Validate()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
