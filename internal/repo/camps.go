package repo

import (
	"context"
	"database/sql"

	"garrison/internal/domain"
)

const campCols = `id,alias,error_msg,expires_at,created_at`

func scanCamp(row interface{ Scan(...any) error }) (domain.Camp, error) {
	var c domain.Camp
	var errMsg, expires sql.NullString
	err := row.Scan(&c.ID, &c.Alias, &errMsg, &expires, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ErrorMsg = strPtr(errMsg)
	c.ExpiresAt = strPtr(expires)
	return c, nil
}

func (r Repo) InsertCamp(ctx context.Context, tx *sql.Tx, c domain.Camp) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO camps(id,alias,error_msg,expires_at,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Alias, nullablePtr(c.ErrorMsg), nullablePtr(c.ExpiresAt), c.CreatedAt)
	return err
}

func (r Repo) GetCamp(ctx context.Context, id string) (domain.Camp, error) {
	return r.getCamp(ctx, nil, `id=?`, id)
}

func (r Repo) GetCampByAlias(ctx context.Context, alias string) (domain.Camp, error) {
	return r.getCamp(ctx, nil, `alias=?`, alias)
}

func (r Repo) GetCampTx(ctx context.Context, tx *sql.Tx, id string) (domain.Camp, error) {
	return r.getCamp(ctx, tx, `id=?`, id)
}

func (r Repo) getCamp(ctx context.Context, tx *sql.Tx, where string, arg any) (domain.Camp, error) {
	c, err := scanCamp(r.ex(tx).QueryRowContext(ctx, `SELECT `+campCols+` FROM camps WHERE `+where, arg))
	if err != nil {
		return c, err
	}
	c.AssignedConscriptIDs, err = r.campAssignments(ctx, tx, c.ID)
	return c, err
}

func (r Repo) campAssignments(ctx context.Context, tx *sql.Tx, campID string) ([]string, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT conscript_id FROM camp_assignments WHERE camp_id=? ORDER BY assigned_at ASC`, campID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCamps returns all camps, oldest first, with their assignment sets.
func (r Repo) ListCamps(ctx context.Context) ([]domain.Camp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campCols+` FROM camps ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Camp
	for rows.Next() {
		c, err := scanCamp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.campAssignments(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].AssignedConscriptIDs = ids
	}
	return res, nil
}

func (r Repo) DeleteCamp(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM camps WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddCampAssignment(ctx context.Context, tx *sql.Tx, campID, conscriptID, at string) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO camp_assignments(camp_id,conscript_id,assigned_at) VALUES (?,?,?)`,
		campID, conscriptID, at)
	return err
}

func (r Repo) RemoveCampAssignment(ctx context.Context, tx *sql.Tx, campID, conscriptID string) error {
	_, err := r.ex(tx).ExecContext(ctx, `DELETE FROM camp_assignments WHERE camp_id=? AND conscript_id=?`, campID, conscriptID)
	return err
}

// SetCampError marks or clears the camp's error state.
func (r Repo) SetCampError(ctx context.Context, tx *sql.Tx, campID string, msg *string) error {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE camps SET error_msg=? WHERE id=?`, nullablePtr(msg), campID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnnotedExpiredCamps returns camps past expiry whose expiry has not yet been
// reported by the sweep.
func (r Repo) UnnotedExpiredCamps(ctx context.Context, now string) ([]domain.Camp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campCols+` FROM camps WHERE expires_at IS NOT NULL AND expires_at <= ? AND expiry_noted=0`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Camp
	for rows.Next() {
		c, err := scanCamp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) MarkCampExpiryNoted(ctx context.Context, tx *sql.Tx, campID string) error {
	_, err := r.ex(tx).ExecContext(ctx, `UPDATE camps SET expiry_noted=1 WHERE id=?`, campID)
	return err
}

// CountCampsCreatedSince counts camps provisioned at or after ts, for the
// daily provider quota.
func (r Repo) CountCampsCreatedSince(ctx context.Context, ts string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM camps WHERE created_at >= ?`, ts).Scan(&n)
	return n, err
}
