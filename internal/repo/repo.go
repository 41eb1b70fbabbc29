package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardline/internal/domain"
	"boardline/internal/filter"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound matches domain.ErrNotFound under errors.Is.
var ErrNotFound = domain.ErrNotFound

// Scope limits reads to rows owned by OwnerID or shared with TenantID.
type Scope struct {
	OwnerID  string
	TenantID string
}

// ScopeOf returns the read scope of a principal.
func ScopeOf(p domain.Principal) Scope {
	return Scope{OwnerID: p.OwnerID, TenantID: p.TenantID}
}

func (s Scope) clause() (string, []any) {
	if s.TenantID == "" {
		return "owner_id=?", []any{s.OwnerID}
	}
	return "(owner_id=? OR tenant_id=?)", []any{s.OwnerID, s.TenantID}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const entityColumns = `id,owner_id,tenant_id,status,title,description,type,priority,due_date,start_date,end_date,responsible_id,project_id,work_group,department,tags_json,progress,is_urgent,is_public,budget,notes,extra_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (domain.Entity, error) {
	var (
		e                                                  domain.Entity
		tenant, description, typ, priority                 sql.NullString
		due, start, end                                    sql.NullString
		responsible, project, workGroup, department, notes sql.NullString
		tags, extra                                        sql.NullString
		budget                                             sql.NullFloat64
		urgent, public                                     int
		createdAt, updatedAt                               string
	)
	err := row.Scan(&e.ID, &e.OwnerID, &tenant, &e.GroupKey, &e.Fields.Title, &description, &typ, &priority,
		&due, &start, &end, &responsible, &project, &workGroup, &department, &tags,
		&e.Fields.Progress, &urgent, &public, &budget, &notes, &extra, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TenantID = tenant.String
	e.Fields.Description = description.String
	e.Fields.Type = typ.String
	e.Fields.Priority = priority.String
	e.Fields.ResponsibleID = responsible.String
	e.Fields.ProjectID = project.String
	e.Fields.WorkGroup = workGroup.String
	e.Fields.Department = department.String
	e.Fields.Notes = notes.String
	e.Fields.IsUrgent = urgent != 0
	e.Fields.IsPublic = public != 0
	if budget.Valid {
		b := budget.Float64
		e.Fields.Budget = &b
	}
	for _, d := range []struct {
		src sql.NullString
		dst **time.Time
	}{{due, &e.Fields.DueDate}, {start, &e.Fields.StartDate}, {end, &e.Fields.EndDate}} {
		if !d.src.Valid {
			continue
		}
		t, err := domain.ParseTime(d.src.String)
		if err != nil {
			return e, fmt.Errorf("parse date %q: %w", d.src.String, err)
		}
		*d.dst = &t
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &e.Fields.Tags); err != nil {
			return e, fmt.Errorf("decode tags: %w", err)
		}
	}
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &e.Fields.Extra); err != nil {
			return e, fmt.Errorf("decode extra: %w", err)
		}
	}
	if e.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

// entityArgs returns the column values in entityColumns order.
func entityArgs(e domain.Entity) ([]any, error) {
	var tags, extra any
	if len(e.Fields.Tags) > 0 {
		data, err := json.Marshal(e.Fields.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(data)
	}
	if len(e.Fields.Extra) > 0 {
		data, err := json.Marshal(e.Fields.Extra)
		if err != nil {
			return nil, err
		}
		extra = string(data)
	}
	var budget any
	if e.Fields.Budget != nil {
		budget = *e.Fields.Budget
	}
	f := e.Fields
	return []any{
		e.ID, e.OwnerID, nullable(e.TenantID), e.GroupKey, f.Title, nullable(f.Description), nullable(f.Type), nullable(f.Priority),
		nullableTime(f.DueDate), nullableTime(f.StartDate), nullableTime(f.EndDate),
		nullable(f.ResponsibleID), nullable(f.ProjectID), nullable(f.WorkGroup), nullable(f.Department), tags,
		f.Progress, boolInt(f.IsUrgent), boolInt(f.IsPublic), budget, nullable(f.Notes), extra,
		domain.FormatTime(e.CreatedAt), domain.FormatTime(e.UpdatedAt),
	}, nil
}

// InsertEntity stores a new row.
func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, collection string, e domain.Entity) error {
	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)+1), ",")
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO entities(collection,`+entityColumns+`) VALUES (`+placeholders+`)`,
		append([]any{collection}, args...)...)
	return err
}

// UpdateEntity rewrites every column of an existing row except owner and
// creation time.
func (r Repo) UpdateEntity(ctx context.Context, tx *sql.Tx, collection string, e domain.Entity) error {
	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	cols := strings.Split(entityColumns, ",")
	var sets []string
	var vals []any
	for i, c := range cols {
		switch c {
		case "id", "owner_id", "created_at":
			continue
		}
		sets = append(sets, c+"=?")
		vals = append(vals, args[i])
	}
	vals = append(vals, collection, e.ID, e.OwnerID)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE entities SET %s WHERE collection=? AND id=? AND owner_id=?`, strings.Join(sets, ",")), vals...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntity removes the row with id owned by ownerID.
func (r Repo) DeleteEntity(ctx context.Context, tx *sql.Tx, collection, id, ownerID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM entities WHERE collection=? AND id=? AND owner_id=?`, collection, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntity returns a row regardless of scope.
func (r Repo) GetEntity(ctx context.Context, tx *sql.Tx, collection, id string) (domain.Entity, error) {
	return scanEntity(r.q(tx).QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE collection=? AND id=?`, collection, id))
}

// SelectEntities returns the rows in scope matching q and the match count
// before pagination.
func (r Repo) SelectEntities(ctx context.Context, collection string, scope Scope, q filter.Query) ([]domain.Entity, int, error) {
	rendered, err := filter.ToSQL(q)
	if err != nil {
		return nil, 0, err
	}
	scopeClause, scopeArgs := scope.clause()
	clauses := append([]string{"collection=?", scopeClause}, rendered.Conditions...)
	args := append(append([]any{collection}, scopeArgs...), rendered.Args...)
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + entityColumns + ` FROM entities ` + where + ` ORDER BY ` + rendered.OrderBy
	if rendered.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, rendered.Limit, rendered.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

// CountByStatus groups rows in scope by status.
func (r Repo) CountByStatus(ctx context.Context, collection string, scope Scope) (map[string]int, error) {
	scopeClause, scopeArgs := scope.clause()
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM entities WHERE collection=? AND `+scopeClause+` GROUP BY status`,
		append([]any{collection}, scopeArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LatestEventsFrom returns events visible in scope, newest first, with ids
// below cursor when cursor is positive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, scope Scope, collection string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if scope.TenantID != "" {
		clauses = append(clauses, "(actor_id=? OR tenant_id=?)")
		args = append(args, scope.OwnerID, scope.TenantID)
	} else {
		clauses = append(clauses, "actor_id=?")
		args = append(args, scope.OwnerID)
	}
	if collection != "" {
		clauses = append(clauses, "collection=?")
		args = append(args, collection)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,collection,entity_id,actor_id,tenant_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, tenant, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Collection, &entityID, &e.ActorID, &tenant, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.TenantID = tenant.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
