package botstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/botcraft/botcraft/internal/domain"
)

// RecordSpawn stores the pid of a freshly spawned process.
func (s *Store) RecordSpawn(ctx context.Context, botID string, pid int, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bot_process (bot_id, pid, started_at, last_error) VALUES (?,?,?,NULL)
ON CONFLICT(bot_id) DO UPDATE SET pid=excluded.pid, started_at=excluded.started_at, last_error=NULL
`, botID, pid, formatTime(startedAt))
	return err
}

// RecordExit clears the pid and keeps the exit facts.
func (s *Store) RecordExit(ctx context.Context, botID string, exitCode *int, lastErr *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE bot_process
SET pid=NULL, last_exit_at=?, last_exit_code=?, last_error=?
WHERE bot_id=?
`, formatTime(time.Now()), exitCode, lastErr, botID)
	return err
}

// RecordError keeps a failure that happened before any process existed,
// e.g. a spawn or workspace error.
func (s *Store) RecordError(ctx context.Context, botID string, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bot_process SET pid=NULL, last_error=? WHERE bot_id=?`, msg, botID)
	return err
}

// GetProcessInfo returns nil, nil when the bot has no process row.
func (s *Store) GetProcessInfo(ctx context.Context, botID string) (*domain.ProcessInfo, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT bot_id, pid, started_at, last_exit_at, last_exit_code, last_error
FROM bot_process WHERE bot_id=?
`, botID)
	var (
		info                          domain.ProcessInfo
		pid, exitCode                 sql.NullInt64
		startedAt, lastExitAt, lastEr sql.NullString
	)
	if err := row.Scan(&info.BotID, &pid, &startedAt, &lastExitAt, &exitCode, &lastEr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		info.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		info.LastExitCode = &v
	}
	if lastEr.Valid {
		v := lastEr.String
		info.LastError = &v
	}
	info.StartedAt = parseNullTime(startedAt)
	info.LastExitAt = parseNullTime(lastExitAt)
	return &info, nil
}
