package repo

import (
	"context"
	"database/sql"

	"cardflow/internal/domain"
)

// Directory is an in-memory snapshot of users and teams used to resolve
// owner names during search.
type Directory struct {
	Users map[string]domain.User
	Teams map[string]domain.Team
}

func (d Directory) UserName(id string) string { return d.Users[id].FullName }
func (d Directory) TeamName(id string) string { return d.Teams[id].Name }

func (r Repo) UpsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,full_name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET full_name=excluded.full_name`, u.ID, u.FullName)
	return err
}

func (r Repo) UpsertTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, t.ID, t.Name)
	return err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,full_name FROM users ORDER BY full_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.FullName); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM teams ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) LoadDirectory(ctx context.Context) (Directory, error) {
	d := Directory{Users: map[string]domain.User{}, Teams: map[string]domain.Team{}}
	users, err := r.ListUsers(ctx)
	if err != nil {
		return d, err
	}
	for _, u := range users {
		d.Users[u.ID] = u
	}
	teams, err := r.ListTeams(ctx)
	if err != nil {
		return d, err
	}
	for _, t := range teams {
		d.Teams[t.ID] = t
	}
	return d, nil
}
