package repo

import (
	"context"
	"database/sql"
	"errors"

	"coachline/internal/identity"
	"coachline/internal/permission"
)

// Accounts implements identity.AccountStore on SQLite.
type Accounts struct {
	Repo
}

func (r Repo) Accounts() Accounts { return Accounts{Repo: r} }

const accountColumns = `id,username,email,COALESCE(name,''),password_hash,role,level,certifications_json,status,specialty_tags_json,COALESCE(coach_id,''),COALESCE(team_id,''),created_at,updated_at,COALESCE(last_login_at,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (identity.Account, error) {
	var (
		a           identity.Account
		role        string
		status      string
		certs, tags string
	)
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Name, &a.PasswordHash, &role, &a.Level, &certs, &status, &tags,
		&a.CoachID, &a.TeamID, &a.CreatedAt, &a.UpdatedAt, &a.LastLoginAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Role = permission.Role(role)
	a.Status = permission.Status(status)
	if a.Certifications, err = unmarshalStrings(certs); err != nil {
		return a, err
	}
	if a.SpecialtyTags, err = unmarshalStrings(tags); err != nil {
		return a, err
	}
	return a, nil
}

func accountErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return identity.ErrAccountNotFound
	}
	return err
}

func (s Accounts) Create(ctx context.Context, a identity.Account) error {
	certs, err := marshalJSON(nonNil(a.Certifications))
	if err != nil {
		return err
	}
	tags, err := marshalJSON(nonNil(a.SpecialtyTags))
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO accounts(id,username,email,name,password_hash,role,level,certifications_json,status,specialty_tags_json,coach_id,team_id,created_at,updated_at,last_login_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(username) DO NOTHING`,
		a.ID, a.Username, a.Email, nullable(a.Name), a.PasswordHash, string(a.Role), a.Level, certs, string(a.Status), tags,
		nullable(a.CoachID), nullable(a.TeamID), a.CreatedAt, a.UpdatedAt, nullable(a.LastLoginAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrUsernameTaken
	}
	return nil
}

func (s Accounts) Get(ctx context.Context, id string) (identity.Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
	return a, accountErr(err)
}

func (s Accounts) GetByUsername(ctx context.Context, username string) (identity.Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username=?`, username))
	return a, accountErr(err)
}

func (s Accounts) Update(ctx context.Context, a identity.Account) error {
	certs, err := marshalJSON(nonNil(a.Certifications))
	if err != nil {
		return err
	}
	tags, err := marshalJSON(nonNil(a.SpecialtyTags))
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET email=?,name=?,password_hash=?,role=?,level=?,certifications_json=?,status=?,specialty_tags_json=?,coach_id=?,team_id=?,updated_at=?,last_login_at=? WHERE id=?`,
		a.Email, nullable(a.Name), a.PasswordHash, string(a.Role), a.Level, certs, string(a.Status), tags,
		nullable(a.CoachID), nullable(a.TeamID), a.UpdatedAt, nullable(a.LastLoginAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrAccountNotFound
	}
	return nil
}

func (s Accounts) List(ctx context.Context) ([]identity.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
