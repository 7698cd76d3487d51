package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cardflow/internal/domain"
	"cardflow/internal/search"
)

const cardColumns = `id,flow_id,stage_id,title,values_json,checklist_json,position,assigned_to,assigned_team_id,agents_json,status,parent_id,created_at,updated_at`

type CardFilters struct {
	FlowID          string
	StageID         string
	AssignedTo      string
	AssignedTeamID  string
	ParentID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (f CardFilters) where() (string, []any) {
	clauses := []string{"flow_id=?"}
	args := []any{f.FlowID}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.AssignedTeamID != "" {
		clauses = append(clauses, "assigned_team_id=?")
		args = append(args, f.AssignedTeamID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (domain.Card, error) {
	var c domain.Card
	var values, checklist, agents, created, updated string
	var assignedTo, assignedTeam, parentID sql.NullString
	err := row.Scan(&c.ID, &c.FlowID, &c.StageID, &c.Title, &values, &checklist, &c.Position,
		&assignedTo, &assignedTeam, &agents, &c.Status, &parentID, &created, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(values), &c.Values); err != nil {
		return c, fmt.Errorf("card %s values: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(checklist), &c.Checklist); err != nil {
		return c, fmt.Errorf("card %s checklist: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(agents), &c.Agents); err != nil {
		return c, fmt.Errorf("card %s agents: %w", c.ID, err)
	}
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	if assignedTeam.Valid {
		c.AssignedTeamID = &assignedTeam.String
	}
	if parentID.Valid {
		c.ParentID = &parentID.String
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

func scanCards(rows *sql.Rows) ([]domain.Card, error) {
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func cardArgs(c domain.Card) ([]any, error) {
	values, err := encodeJSON(c.Values, "{}")
	if err != nil {
		return nil, fmt.Errorf("invalid values: %w", err)
	}
	checklist, err := encodeJSON(c.Checklist, "{}")
	if err != nil {
		return nil, fmt.Errorf("invalid checklist: %w", err)
	}
	agents, err := encodeJSON(c.Agents, "[]")
	if err != nil {
		return nil, fmt.Errorf("invalid agents: %w", err)
	}
	return []any{c.FlowID, c.StageID, c.Title, values, checklist, c.Position,
		nullableStringPtr(c.AssignedTo), nullableStringPtr(c.AssignedTeamID), agents, string(c.Status),
		nullableStringPtr(c.ParentID)}, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	args = append([]any{c.ID}, args...)
	args = append(args, FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	_, err = tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	args = append(args, FormatTime(c.UpdatedAt), c.ID)
	res, err := tx.ExecContext(ctx, `UPDATE cards SET flow_id=?, stage_id=?, title=?, values_json=?, checklist_json=?, position=?,
assigned_to=?, assigned_team_id=?, agents_json=?, status=?, parent_id=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCard(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

// ListCards pages through a flow's cards newest first.
func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	where, args := f.where()
	query := `SELECT ` + cardColumns + ` FROM cards ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanCards(rows)
}

func (r Repo) CountCards(ctx context.Context, f CardFilters) (int, error) {
	f.CursorCreatedAt, f.CursorID = "", ""
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM cards `+where, args...).Scan(&n)
	return n, err
}

// CountByStage returns card counts keyed by stage id.
func (r Repo) CountByStage(ctx context.Context, f CardFilters) (map[string]int, error) {
	f.StageID, f.CursorCreatedAt, f.CursorID = "", "", ""
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id, count(*) FROM cards `+where+` GROUP BY stage_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stageID string
		var n int
		if err := rows.Scan(&stageID, &n); err != nil {
			return nil, err
		}
		res[stageID] = n
	}
	return res, rows.Err()
}

// SearchCards matches term against every card selected by f using the same
// normalization the board applies locally. Results are in position order.
func (r Repo) SearchCards(ctx context.Context, f CardFilters, term string, names search.Names) ([]domain.Card, error) {
	f.CursorCreatedAt, f.CursorID = "", ""
	where, args := f.where()
	query := `SELECT ` + cardColumns + ` FROM cards ` + where + ` ORDER BY position, created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cards, err := scanCards(rows)
	if err != nil {
		return nil, err
	}
	matches := search.NewMatcher(term, names).Filter(cards)
	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	return matches, nil
}

// StageCardsTx returns a stage's cards in display order.
func (r Repo) StageCardsTx(ctx context.Context, tx *sql.Tx, flowID, stageID string) ([]domain.Card, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE flow_id=? AND stage_id=? ORDER BY position, created_at, id`, flowID, stageID)
	if err != nil {
		return nil, err
	}
	return scanCards(rows)
}

func (r Repo) MaxPositionTx(ctx context.Context, tx *sql.Tx, flowID, stageID string) (int64, error) {
	var pos int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0) FROM cards WHERE flow_id=? AND stage_id=?`, flowID, stageID).Scan(&pos)
	return pos, err
}

// ApplyMutationTx writes one reorder mutation. Owner columns change only when
// the mutation carries an assignment.
func (r Repo) ApplyMutationTx(ctx context.Context, tx *sql.Tx, flowID string, m domain.ReorderMutation, now time.Time) error {
	sets := []string{"stage_id=?", "position=?", "updated_at=?"}
	args := []any{m.StageID, m.Position, FormatTime(now)}
	if m.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*m.Status))
	}
	if a := m.Assignment; a != nil {
		sets = append(sets, "assigned_to=?", "assigned_team_id=?")
		args = append(args, nullableStringPtr(a.AssignedTo), nullableStringPtr(a.AssignedTeamID))
		if a.Agents != nil {
			agents, err := encodeJSON(a.Agents, "[]")
			if err != nil {
				return err
			}
			sets = append(sets, "agents_json=?")
			args = append(args, agents)
		}
	}
	args = append(args, m.CardID, flowID)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE cards SET %s WHERE id=? AND flow_id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return fmt.Errorf("card %s: %w", m.CardID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("card %s: %w", m.CardID, ErrNotFound)
	}
	return nil
}
