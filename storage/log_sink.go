package storage

import (
	"context"

	"github.com/olrightythen/smart-qr-menu-system-sub000/pkg/sqllogger"
)

// LogInsertFunc returns a sqllogger.InsertFunc writing into the client_log
// table, so warnings survive restarts and can be inspected next to the
// order state they complain about.
func (s *Storage) LogInsertFunc() sqllogger.InsertFunc {
	return func(ctx context.Context, entry sqllogger.InsertLogEntryParams) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO client_log (timestamp_ms, level, scope, message, attrs_json)
			VALUES (?, ?, ?, ?, ?)`,
			entry.TimestampMillis, entry.LevelText,
			nullableString(entry.Scope), entry.Message, entry.AttrsJSON)
		return err
	}
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
