package repo

import (
	"context"
	"database/sql"

	"solaros/internal/domain"
)

func (r Repo) UpsertAuthority(ctx context.Context, a domain.Authority) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO ahj_registry(id,name,state) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, state=excluded.state`, a.ID, a.Name, nullable(a.State))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ahj_zip_codes WHERE ahj_id=?`, a.ID); err != nil {
		return err
	}
	for _, zip := range a.ZipCodes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ahj_zip_codes(ahj_id,zip) VALUES (?,?)`, a.ID, zip); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) GetAuthority(ctx context.Context, id string) (domain.Authority, error) {
	var a domain.Authority
	var state sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,state FROM ahj_registry WHERE id=?`, id).Scan(&a.ID, &a.Name, &state)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.State = state.String
	rows, err := r.DB.QueryContext(ctx, `SELECT zip FROM ahj_zip_codes WHERE ahj_id=? ORDER BY zip ASC`, id)
	if err != nil {
		return a, err
	}
	defer rows.Close()
	for rows.Next() {
		var zip string
		if err := rows.Scan(&zip); err != nil {
			return a, err
		}
		a.ZipCodes = append(a.ZipCodes, zip)
	}
	return a, rows.Err()
}

func (r Repo) ListAuthorities(ctx context.Context) ([]domain.Authority, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,state FROM ahj_registry ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Authority
	for rows.Next() {
		var a domain.Authority
		var state sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &state); err != nil {
			return nil, err
		}
		a.State = state.String
		res = append(res, a)
	}
	return res, rows.Err()
}

// AuthorityIDByZip returns the AHJ covering a ZIP, or ErrNotFound.
func (r Repo) AuthorityIDByZip(ctx context.Context, zip string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT ahj_id FROM ahj_zip_codes WHERE zip=? ORDER BY ahj_id ASC LIMIT 1`, zip).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}
