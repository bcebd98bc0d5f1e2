package repo

import (
	"context"
	"database/sql"

	"garrison/internal/domain"
)

const conscriptCols = `id,name,status,assigned_directive_id,assigned_camp_alias,branch_name,resume_status,last_error,created_at,updated_at`

func scanConscript(row interface{ Scan(...any) error }) (domain.Conscript, error) {
	var c domain.Conscript
	var directive, camp, branch, resume, lastErr sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Status, &directive, &camp, &branch, &resume, &lastErr, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AssignedDirectiveID = strPtr(directive)
	c.AssignedCampAlias = strPtr(camp)
	c.BranchName = strPtr(branch)
	c.ResumeStatus = strPtr(resume)
	c.LastError = strPtr(lastErr)
	return c, nil
}

func (r Repo) InsertConscript(ctx context.Context, tx *sql.Tx, c domain.Conscript) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO conscripts(id,name,status,assigned_directive_id,assigned_camp_alias,branch_name,resume_status,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullablePtr(c.AssignedDirectiveID), nullablePtr(c.AssignedCampAlias),
		nullablePtr(c.BranchName), nullablePtr(c.ResumeStatus), nullablePtr(c.LastError), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConscript(ctx context.Context, id string) (domain.Conscript, error) {
	return scanConscript(r.DB.QueryRowContext(ctx, `SELECT `+conscriptCols+` FROM conscripts WHERE id=?`, id))
}

func (r Repo) GetConscriptTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conscript, error) {
	return scanConscript(tx.QueryRowContext(ctx, `SELECT `+conscriptCols+` FROM conscripts WHERE id=?`, id))
}

// UpdateConscript rewrites all mutable columns from c.
func (r Repo) UpdateConscript(ctx context.Context, tx *sql.Tx, c domain.Conscript) error {
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE conscripts SET name=?,status=?,assigned_directive_id=?,assigned_camp_alias=?,branch_name=?,resume_status=?,last_error=?,updated_at=? WHERE id=?`,
		c.Name, c.Status, nullablePtr(c.AssignedDirectiveID), nullablePtr(c.AssignedCampAlias),
		nullablePtr(c.BranchName), nullablePtr(c.ResumeStatus), nullablePtr(c.LastError), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteConscript(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM conscripts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListConscripts(ctx context.Context) ([]domain.Conscript, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conscriptCols+` FROM conscripts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conscript
	for rows.Next() {
		c, err := scanConscript(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListIdleConscripts returns idle conscripts least-recently-used first
// (oldest status change first).
func (r Repo) ListIdleConscripts(ctx context.Context) ([]domain.Conscript, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conscriptCols+` FROM conscripts WHERE status=? ORDER BY updated_at ASC, id ASC`, domain.ConscriptIdle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conscript
	for rows.Next() {
		c, err := scanConscript(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
