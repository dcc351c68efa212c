package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated messages.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit, offset := normalizePage(q)

	where, args := ftsWhere(q)

	var total int
	countSQL := "SELECT count(*) FROM messages m WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.scope, m.owner_id, m.display_name,
			ts_headline('english', m.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			m.created_at
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Scope, &r.OwnerID, &r.DisplayName, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func ftsWhere(q Query) (string, []any) {
	where := "m.fts @@ plainto_tsquery('english', $1) AND m.scope = $2"
	args := []any{q.Text, q.Scope}
	if q.OwnerID != "" {
		where += " AND m.owner_id = $3"
		args = append(args, q.OwnerID)
	}
	return where, args
}

// LoadAllRecords returns every message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scope, owner_id, display_name, body, kind, created_at
		FROM messages
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var msg struct {
			id, scope, owner, name, body, kind string
			at                                 sql.NullTime
		}
		if err := rows.Scan(&msg.id, &msg.scope, &msg.owner, &msg.name, &msg.body, &msg.kind, &msg.at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, MessageRecord{
			ID:          msg.id,
			Scope:       msg.scope,
			OwnerID:     msg.owner,
			DisplayName: msg.name,
			Body:        msg.body,
			Kind:        msg.kind,
			CreatedAt:   msg.at.Time.UnixMilli(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
