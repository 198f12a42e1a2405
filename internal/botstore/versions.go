package botstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/botcraft/botcraft/internal/domain"
)

// AppendConfigVersion stores cfg as the bot's next configuration version and
// returns its number.
func (s *Store) AppendConfigVersion(ctx context.Context, botID string, cfg domain.Configuration) (int, error) {
	cfg = cfg.Clone()
	cfg.Normalize()
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode configuration: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var max int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM bot_config_versions WHERE bot_id=?`, botID).Scan(&max); err != nil {
		return 0, err
	}
	version := max + 1
	if _, err := tx.ExecContext(ctx, `
INSERT INTO bot_config_versions (bot_id, version, configuration_json, created_at)
VALUES (?,?,?,?)
`, botID, version, string(b), formatTime(time.Now())); err != nil {
		return 0, fmt.Errorf("insert config version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ListConfigVersions returns the newest versions first.
func (s *Store) ListConfigVersions(ctx context.Context, botID string, limit int) ([]domain.ConfigVersion, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT bot_id, version, configuration_json, created_at
FROM bot_config_versions
WHERE bot_id=?
ORDER BY version DESC
LIMIT ?
`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConfigVersion
	for rows.Next() {
		var (
			v       domain.ConfigVersion
			raw     string
			created string
		)
		if err := rows.Scan(&v.BotID, &v.Version, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &v.Configuration); err != nil {
			return nil, fmt.Errorf("bot %s v%d: decode configuration: %w", botID, v.Version, err)
		}
		v.Configuration.Normalize()
		v.CreatedAt = parseTime(created)
		out = append(out, v)
	}
	return out, rows.Err()
}
