package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"loom/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const elementCols = `id,kind,title,status,created_by,tags_json,meta_json,detail_json,created_at,updated_at,deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElement(row rowScanner) (domain.Element, error) {
	var e domain.Element
	var kind string
	var status, createdBy, tagsJSON, metaJSON, detailJSON, deletedAt sql.NullString
	err := row.Scan(&e.ID, &kind, &e.Title, &status, &createdBy, &tagsJSON, &metaJSON, &detailJSON, &e.CreatedAt, &e.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Kind = domain.Kind(kind)
	if status.Valid {
		e.Status = status.String
	}
	if createdBy.Valid {
		e.CreatedBy = createdBy.String
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return e, fmt.Errorf("decode tags for %s: %w", e.ID, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("decode meta for %s: %w", e.ID, err)
		}
	}
	var raw []byte
	if detailJSON.Valid {
		raw = []byte(detailJSON.String)
	}
	detail, err := domain.DecodeDetail(e.Kind, raw)
	if err != nil {
		return e, err
	}
	e.Detail = detail
	return e, nil
}

func encodeElement(e domain.Element) (tags, meta, detail any, err error) {
	marshal := func(v any) (any, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	tags = nil
	if len(e.Tags) > 0 {
		if tags, err = marshal(e.Tags); err != nil {
			return nil, nil, nil, fmt.Errorf("encode tags: %w", err)
		}
	}
	meta = nil
	if len(e.Meta) > 0 {
		if meta, err = marshal(e.Meta); err != nil {
			return nil, nil, nil, fmt.Errorf("encode meta: %w", err)
		}
	}
	detail = nil
	if e.Detail != nil {
		if detail, err = marshal(e.Detail); err != nil {
			return nil, nil, nil, fmt.Errorf("encode detail: %w", err)
		}
	}
	return tags, meta, detail, nil
}

func (r Repo) InsertElement(ctx context.Context, tx *sql.Tx, e domain.Element) error {
	tags, meta, detail, err := encodeElement(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO elements(`+elementCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Kind), e.Title, nullable(e.Status), nullable(e.CreatedBy), tags, meta, detail,
		e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.DeletedAt))
	return err
}

func (r Repo) GetElement(ctx context.Context, id string) (domain.Element, error) {
	return scanElement(r.DB.QueryRowContext(ctx, `SELECT `+elementCols+` FROM elements WHERE id=?`, id))
}

func (r Repo) GetElementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Element, error) {
	return scanElement(tx.QueryRowContext(ctx, `SELECT `+elementCols+` FROM elements WHERE id=?`, id))
}

// UpdateElement rewrites the full row unconditionally (last writer wins).
func (r Repo) UpdateElement(ctx context.Context, tx *sql.Tx, e domain.Element) error {
	tags, meta, detail, err := encodeElement(e)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE elements SET title=?, status=?, created_by=?, tags_json=?, meta_json=?, detail_json=?, updated_at=?, deleted_at=? WHERE id=?`,
		e.Title, nullable(e.Status), nullable(e.CreatedBy), tags, meta, detail, e.UpdatedAt, nullableStringPtr(e.DeletedAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateElementGuarded writes the row only if updated_at still equals
// expected. The single conditional UPDATE is the check-and-set: SQLite
// serializes writers, so among racers on one id exactly one statement
// sees the expected token. Returns false when the guard did not match.
func (r Repo) UpdateElementGuarded(ctx context.Context, tx *sql.Tx, e domain.Element, expected string) (bool, error) {
	tags, meta, detail, err := encodeElement(e)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE elements SET title=?, status=?, created_by=?, tags_json=?, meta_json=?, detail_json=?, updated_at=?, deleted_at=? WHERE id=? AND updated_at=?`,
		e.Title, nullable(e.Status), nullable(e.CreatedBy), tags, meta, detail, e.UpdatedAt, nullableStringPtr(e.DeletedAt), e.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type ElementFilters struct {
	Kind            domain.Kind
	Status          string
	Tag             string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListElements(ctx context.Context, f ElementFilters) ([]domain.Element, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		clauses = append(clauses, "tags_json LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + elementCols + ` FROM elements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FindEntityByActor resolves an actor name to a live entity element,
// matching either the element id or its title.
func (r Repo) FindEntityByActor(ctx context.Context, actor string) (domain.Element, error) {
	return scanElement(r.DB.QueryRowContext(ctx,
		`SELECT `+elementCols+` FROM elements WHERE kind=? AND deleted_at IS NULL AND (id=? OR title=?) LIMIT 1`,
		string(domain.KindEntity), actor, actor))
}

// PurgeTombstones physically removes elements soft-deleted before the
// cutoff. Returns the ids removed so the caller can clean derived state.
func (r Repo) PurgeTombstones(ctx context.Context, tx *sql.Tx, cutoff string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM elements WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM elements WHERE id=?`, id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE blocked_id=? OR blocker_id=?`, id, id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocked_cache WHERE element_id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
