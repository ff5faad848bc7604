// ABOUTME: Transfer event append, list and prune operations
// ABOUTME: Records what happened to each pairing key for the events CLI

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxDetailSize caps the serialized Detail of one event.
const maxDetailSize = 64 * 1024

// tsFormat is fixed width so that text comparison orders timestamps.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

// AppendEvent appends a new event to the log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		if len(data) > maxDetailSize {
			return fmt.Errorf("event detail is %d bytes, limit is %d", len(data), maxDetailSize)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO transfer_events (id, session_key, action, device, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.SessionKey,
		e.Action,
		e.Device,
		detailJSON,
		formatTS(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event",
		"id", e.ID,
		"key", e.SessionKey,
		"action", e.Action,
	)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.SessionKey,
		&actionStr,
		&e.Device,
		&detailJSON,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning event: %w", err)
	}

	e.Action = Action(actionStr)
	var err error
	e.Timestamp, err = time.Parse(tsFormat, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const listEventsQuery = `
	SELECT id, session_key, action, device, detail_json, ts
	FROM transfer_events
	WHERE (? IS NULL OR session_key = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListEvents returns events matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var actionStr, sinceStr, untilStr *string
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}
	if f.Since != nil {
		v := formatTS(*f.Since)
		sinceStr = &v
	}
	if f.Until != nil {
		v := formatTS(*f.Until)
		untilStr = &v
	}

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		f.SessionKey, f.SessionKey,
		actionStr, actionStr,
		sinceStr, sinceStr,
		untilStr, untilStr,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// PruneEvents deletes events older than before.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfer_events WHERE ts < ?`, formatTS(before))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned events", "count", n, "before", before)
	}
	return n, nil
}
