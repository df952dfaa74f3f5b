package repo

import (
	"context"
	"database/sql"

	"loom/internal/domain"
)

const eventCols = `id,ts,type,element_id,actor,payload_json`

func scanEvent(row rowScanner) (domain.Event, error) {
	var evt domain.Event
	var elementID, payload sql.NullString
	err := row.Scan(&evt.ID, &evt.TS, &evt.Type, &elementID, &evt.Actor, &payload)
	if err == sql.ErrNoRows {
		return evt, ErrNotFound
	}
	if err != nil {
		return evt, err
	}
	if elementID.Valid {
		evt.ElementID = elementID.String
	}
	if payload.Valid {
		evt.Payload = payload.String
	}
	return evt, nil
}

// ListEvents returns the newest events first, optionally filtered to one
// element.
func (r Repo) ListEvents(ctx context.Context, elementID string, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events`
	var args []any
	if elementID != "" {
		query += ` WHERE element_id=?`
		args = append(args, elementID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than after, in
// ascending order. Used by the webhook dispatcher's cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
}

// LatestEventID returns the id of the most recent event, 0 when the
// trail is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}
