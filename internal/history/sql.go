package history

import (
	"database/sql"
	"time"
)

// ScanEvents reads rows of (occurred_at, event, name, pid, state, error), the
// column order shared by the SQL sinks.
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e   Event
			at  time.Time
			typ string
			msg sql.NullString
		)
		if err := rows.Scan(&at, &typ, &e.Record.Name, &e.Record.PID, &e.Record.State, &msg); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = at.UTC()
		e.Record.Error = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}
