package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tasktally/internal/domain"
)

const defaultTailLen = 20

// Log appends store mutations to the events table and reads them back.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (l Log) Append(ctx context.Context, evtType, entityID string, payload Payload) error {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = l.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,payload_json) VALUES (?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(entityID), string(data))
	return err
}

// Latest returns up to n events, newest first, optionally narrowed by type
// and entity id.
func (l Log) Latest(ctx context.Context, n int, evtType, entityID string) ([]domain.Event, error) {
	if n <= 0 {
		n = defaultTailLen
	}
	query := `SELECT id,ts,type,COALESCE(entity_id,''),payload_json FROM events WHERE 1=1`
	var args []any
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.Payload); err != nil {
			return nil, err
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
