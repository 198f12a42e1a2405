package botstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botcraft/botcraft/internal/domain"
)

const botColumns = `id,owner_id,credential,display_name,description,configuration_json,platform_identity_json,desired_status,created_at,updated_at,last_started_at`

type scanner interface {
	Scan(dest ...any) error
}

// CreateBot inserts rec, assigning an id and timestamps when they are unset.
func (s *Store) CreateBot(ctx context.Context, rec domain.BotRecord) (*domain.BotRecord, error) {
	return s.CreateBotWithin(ctx, rec, 0)
}

// CreateBotWithin is CreateBot that fails with ErrOwnerLimit when the owner
// already has maxPerOwner bots. The count and the insert share a transaction.
// maxPerOwner <= 0 means no limit.
func (s *Store) CreateBotWithin(ctx context.Context, rec domain.BotRecord, maxPerOwner int) (*domain.BotRecord, error) {
	if strings.TrimSpace(rec.OwnerID) == "" || strings.TrimSpace(rec.Credential) == "" {
		return nil, fmt.Errorf("%w: owner and credential are required", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DesiredStatus == "" {
		rec.DesiredStatus = domain.StatusStopped
	}
	if !rec.DesiredStatus.Valid() {
		return nil, fmt.Errorf("%w: desired status %q", ErrInvalidRecord, rec.DesiredStatus)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Configuration = rec.Configuration.Clone()
	rec.Configuration.Normalize()

	cfgJSON, err := json.Marshal(rec.Configuration)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	identityJSON, err := encodeIdentity(rec.PlatformIdentity)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.seal(rec.Credential)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if maxPerOwner > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE owner_id=?`, rec.OwnerID).Scan(&n); err != nil {
			return nil, fmt.Errorf("count owner bots: %w", err)
		}
		if n >= maxPerOwner {
			return nil, ErrOwnerLimit
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO bots (id,owner_id,credential,credential_hash,display_name,description,configuration_json,schema_version,platform_identity_json,desired_status,created_at,updated_at,last_started_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, rec.ID, rec.OwnerID, sealed, credentialHash(rec.Credential), rec.DisplayName, rec.Description, string(cfgJSON),
		rec.Configuration.SchemaVersion, identityJSON, string(rec.DesiredStatus),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), nullTime(rec.LastStartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCredential
		}
		return nil, fmt.Errorf("insert bot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO bot_process (bot_id) VALUES (?)`, rec.ID); err != nil {
		return nil, fmt.Errorf("init bot_process: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetBot returns nil, nil when the bot does not exist.
func (s *Store) GetBot(ctx context.Context, id string) (*domain.BotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id)
	b, err := s.scanBot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// FindByCredential returns the bot using credential, if any.
func (s *Store) FindByCredential(ctx context.Context, credential string) (*domain.BotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE credential_hash=?`, credentialHash(credential))
	b, err := s.scanBot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) ListBotsByOwner(ctx context.Context, ownerID string) ([]domain.BotRecord, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE owner_id=? ORDER BY created_at DESC, id`, ownerID)
}

func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE owner_id=?`, ownerID).Scan(&n)
	return n, err
}

// ListBotIDs returns every bot id, used to find orphaned workspaces.
func (s *Store) ListBotIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM bots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateBot applies the non-nil fields of patch and returns the updated
// record, or nil, nil when the bot does not exist.
func (s *Store) UpdateBot(ctx context.Context, id string, patch domain.BotPatch) (*domain.BotRecord, error) {
	sets := []string{"updated_at=?"}
	args := []any{formatTime(time.Now())}

	if patch.Credential != nil {
		if strings.TrimSpace(*patch.Credential) == "" {
			return nil, fmt.Errorf("%w: empty credential", ErrInvalidRecord)
		}
		sealed, err := s.sealer.seal(*patch.Credential)
		if err != nil {
			return nil, fmt.Errorf("seal credential: %w", err)
		}
		sets = append(sets, "credential=?", "credential_hash=?")
		args = append(args, sealed, credentialHash(*patch.Credential))
	}
	if patch.DisplayName != nil {
		sets = append(sets, "display_name=?")
		args = append(args, *patch.DisplayName)
	}
	if patch.Description != nil {
		sets = append(sets, "description=?")
		args = append(args, *patch.Description)
	}
	if patch.Configuration != nil {
		cfg := patch.Configuration.Clone()
		cfg.Normalize()
		b, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode configuration: %w", err)
		}
		sets = append(sets, "configuration_json=?", "schema_version=?")
		args = append(args, string(b), cfg.SchemaVersion)
	}
	if patch.PlatformIdentity != nil {
		identityJSON, err := encodeIdentity(patch.PlatformIdentity)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "platform_identity_json=?")
		args = append(args, identityJSON)
	}
	if patch.DesiredStatus != nil {
		if !patch.DesiredStatus.Valid() {
			return nil, fmt.Errorf("%w: desired status %q", ErrInvalidRecord, *patch.DesiredStatus)
		}
		sets = append(sets, "desired_status=?")
		args = append(args, string(*patch.DesiredStatus))
	}
	if patch.LastStartedAt != nil {
		sets = append(sets, "last_started_at=?")
		args = append(args, formatTime(*patch.LastStartedAt))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCredential
		}
		return nil, fmt.Errorf("update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetBot(ctx, id)
}

// DeleteBot removes the bot and, through foreign keys, its process row and
// configuration history. It reports whether a row was removed.
func (s *Store) DeleteBot(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id=?`, id)
	if err != nil {
		return false, fmt.Errorf("delete bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListBotsByStatus fails as a whole when any matching row is unreadable;
// callers that must isolate rows use ListBotIDsByStatus and GetBot.
func (s *Store) ListBotsByStatus(ctx context.Context, status domain.DesiredStatus) ([]domain.BotRecord, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE desired_status=? ORDER BY created_at, id`, string(status))
}

// ListBotIDsByStatus returns ids only, so one undecodable row cannot hide
// the others.
func (s *Store) ListBotIDsByStatus(ctx context.Context, status domain.DesiredStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM bots WHERE desired_status=? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetDesiredStatus writes the status column without reading the row back.
// It works on rows GetBot cannot decode. It reports whether a row matched.
func (s *Store) SetDesiredStatus(ctx context.Context, id string, status domain.DesiredStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: desired status %q", ErrInvalidRecord, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET desired_status=?, updated_at=? WHERE id=?`,
		string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return false, fmt.Errorf("set desired status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) queryBots(ctx context.Context, q string, args ...any) ([]domain.BotRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BotRecord
	for rows.Next() {
		b, err := s.scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) scanBot(row scanner) (*domain.BotRecord, error) {
	var (
		b                    domain.BotRecord
		credential           string
		cfgJSON              string
		identityJSON         sql.NullString
		status               string
		createdAt, updatedAt string
		lastStartedAt        sql.NullString
	)
	if err := row.Scan(&b.ID, &b.OwnerID, &credential, &b.DisplayName, &b.Description, &cfgJSON, &identityJSON,
		&status, &createdAt, &updatedAt, &lastStartedAt); err != nil {
		return nil, err
	}
	plain, err := s.sealer.open(credential)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w: open credential: %w", b.ID, ErrUnreadableRecord, err)
	}
	b.Credential = plain
	if err := json.Unmarshal([]byte(cfgJSON), &b.Configuration); err != nil {
		return nil, fmt.Errorf("bot %s: %w: decode configuration: %w", b.ID, ErrUnreadableRecord, err)
	}
	// 旧数据没有 schemaVersion，按 v1 读取
	b.Configuration.Normalize()
	if identityJSON.Valid && strings.TrimSpace(identityJSON.String) != "" {
		var id domain.PlatformIdentity
		if err := json.Unmarshal([]byte(identityJSON.String), &id); err == nil {
			b.PlatformIdentity = &id
		}
	}
	b.DesiredStatus = domain.DesiredStatus(status)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.LastStartedAt = parseNullTime(lastStartedAt)
	return &b, nil
}

func encodeIdentity(id *domain.PlatformIdentity) (any, error) {
	if id == nil {
		return nil, nil
	}
	b, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode platform identity: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
