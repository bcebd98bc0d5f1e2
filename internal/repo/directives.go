package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"garrison/internal/domain"
)

const directiveCols = `id,title,COALESCE(description,''),COALESCE(acceptance_criteria,''),labels_json,priority,status,source,requires_camp,assigned_conscript_id,created_at,updated_at`

func scanDirective(row interface{ Scan(...any) error }) (domain.Directive, error) {
	var d domain.Directive
	var labels, assigned sql.NullString
	var requiresCamp int
	err := row.Scan(&d.ID, &d.Title, &d.Description, &d.AcceptanceCriteria, &labels,
		&d.Priority, &d.Status, &d.Source, &requiresCamp, &assigned, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Labels = unmarshalStrings(labels)
	d.RequiresCamp = requiresCamp != 0
	d.AssignedConscriptID = strPtr(assigned)
	return d, nil
}

func (r Repo) InsertDirective(ctx context.Context, tx *sql.Tx, d domain.Directive) error {
	labels, err := marshalStrings(d.Labels)
	if err != nil {
		return err
	}
	_, err = r.ex(tx).ExecContext(ctx, `INSERT INTO directives(id,title,description,acceptance_criteria,labels_json,priority,status,source,requires_camp,assigned_conscript_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, nullable(d.Description), nullable(d.AcceptanceCriteria), labels,
		d.Priority, d.Status, d.Source, boolInt(d.RequiresCamp), nullablePtr(d.AssignedConscriptID), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	return r.getDirective(ctx, nil, id)
}

func (r Repo) GetDirectiveTx(ctx context.Context, tx *sql.Tx, id string) (domain.Directive, error) {
	return r.getDirective(ctx, tx, id)
}

func (r Repo) getDirective(ctx context.Context, tx *sql.Tx, id string) (domain.Directive, error) {
	d, err := scanDirective(r.ex(tx).QueryRowContext(ctx, `SELECT `+directiveCols+` FROM directives WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	d.DependsOn, err = r.listDeps(ctx, tx, id)
	return d, err
}

// UpdateDirective rewrites all mutable columns from d.
func (r Repo) UpdateDirective(ctx context.Context, tx *sql.Tx, d domain.Directive) error {
	labels, err := marshalStrings(d.Labels)
	if err != nil {
		return err
	}
	res, err := r.ex(tx).ExecContext(ctx, `UPDATE directives SET title=?,description=?,acceptance_criteria=?,labels_json=?,priority=?,status=?,source=?,requires_camp=?,assigned_conscript_id=?,updated_at=? WHERE id=?`,
		d.Title, nullable(d.Description), nullable(d.AcceptanceCriteria), labels,
		d.Priority, d.Status, d.Source, boolInt(d.RequiresCamp), nullablePtr(d.AssignedConscriptID), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteDirective(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM directives WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DirectiveFilters narrow ListDirectives.
type DirectiveFilters struct {
	Status   string
	Priority string
	Source   string
	Label    string
}

func (r Repo) ListDirectives(ctx context.Context, f DirectiveFilters) ([]domain.Directive, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	query := fmt.Sprintf(`SELECT %s FROM directives WHERE %s ORDER BY created_at ASC, id ASC`, directiveCols, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		if f.Label != "" && !contains(d.Labels, f.Label) {
			continue
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listDeps(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) listDeps(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := r.ex(tx).QueryContext(ctx, `SELECT depends_on FROM directive_deps WHERE directive_id=? ORDER BY pos ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDirectiveDependencies returns dependency ids in declared order.
func (r Repo) ListDirectiveDependencies(ctx context.Context, id string) ([]string, error) {
	return r.listDeps(ctx, nil, id)
}

// ReplaceDependencies rewrites the dependency list for a directive.
func (r Repo) ReplaceDependencies(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM directive_deps WHERE directive_id=?`, id); err != nil {
		return err
	}
	for i, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO directive_deps(directive_id,depends_on,pos) VALUES (?,?,?)`, id, dep, i); err != nil {
			return err
		}
	}
	return nil
}

// Dependents returns ids of directives that depend on id.
func (r Repo) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT directive_id FROM directive_deps WHERE depends_on=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r Repo) CountDirectivesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM directives GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, err
		}
		counts[status] = c
	}
	return counts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
