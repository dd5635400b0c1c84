package storage

import (
	"context"

	"github.com/sigflow/sigflow/log"
)

// LogInsertFunc returns the insert callback the async slog sink writes
// through. Entries land in the app_log table next to the trading journal.
func (s *Storage) LogInsertFunc() log.InsertFunc {
	return func(ctx context.Context, entry log.Entry) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO app_log (timestamp_millis, level_text, scope, message, attrs_json, source_file, source_line, source_function)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.TimestampMillis,
			entry.LevelText,
			nullString(entry.Scope),
			entry.Message,
			entry.AttrsJSON,
			nullString(entry.SourceFile),
			nullInt64(entry.SourceLine),
			nullString(entry.SourceFunction),
		)
		return err
	}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v int) any {
	if v <= 0 {
		return nil
	}
	return int64(v)
}
