package domain

import "time"

// DesiredStatus 持久化的期望状态，与进程实际是否存活无关
type DesiredStatus string

const (
	StatusRunning DesiredStatus = "running"
	StatusStopped DesiredStatus = "stopped"
)

func (s DesiredStatus) Valid() bool {
	return s == StatusRunning || s == StatusStopped
}

// PlatformIdentity is what Telegram's getMe reports for a credential.
type PlatformIdentity struct {
	ID                    int64  `json:"id"`
	Username              string `json:"username"`
	FirstName             string `json:"first_name"`
	CanJoinGroups         bool   `json:"can_join_groups"`
	SupportsInlineQueries bool   `json:"supports_inline_queries"`
}

// Handle returns "@username", or the first name when the bot has no username.
func (p PlatformIdentity) Handle() string {
	if p.Username != "" {
		return "@" + p.Username
	}
	return p.FirstName
}

// BotRecord 持久化的 bot 记录
type BotRecord struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	Credential       string            `json:"-"`
	DisplayName      string            `json:"display_name"`
	Description      string            `json:"description"`
	Configuration    Configuration     `json:"configuration"`
	PlatformIdentity *PlatformIdentity `json:"platform_identity,omitempty"`
	DesiredStatus    DesiredStatus     `json:"desired_status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastStartedAt    *time.Time        `json:"last_started_at,omitempty"`
}

// BotPatch is a partial update. Nil fields are left unchanged.
type BotPatch struct {
	Credential       *string
	DisplayName      *string
	Description      *string
	Configuration    *Configuration
	PlatformIdentity *PlatformIdentity
	DesiredStatus    *DesiredStatus
	LastStartedAt    *time.Time
}

// Empty reports whether the patch changes nothing.
func (p BotPatch) Empty() bool {
	return p.Credential == nil && p.DisplayName == nil && p.Description == nil &&
		p.Configuration == nil && p.PlatformIdentity == nil && p.DesiredStatus == nil &&
		p.LastStartedAt == nil
}

// ProcessInfo 最近一次已知的进程信息（bot_process 表）
type ProcessInfo struct {
	BotID        string     `json:"bot_id"`
	PID          *int       `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastExitAt   *time.Time `json:"last_exit_at,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

// ConfigVersion 配置历史版本
type ConfigVersion struct {
	BotID         string        `json:"bot_id"`
	Version       int           `json:"version"`
	Configuration Configuration `json:"configuration"`
	CreatedAt     time.Time     `json:"created_at"`
}

// WebAppAction is one event posted by a bot's companion page.
type WebAppAction struct {
	BotID     string         `json:"bot_id"`
	UserID    int64          `json:"user_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
