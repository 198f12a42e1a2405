package server

import (
	"time"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/lifecycle"
)

type createBotRequest struct {
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Credential    string               `json:"credential"`
	Configuration domain.Configuration `json:"configuration"`
}

type updateBotRequest struct {
	Name          *string               `json:"name,omitempty"`
	Description   *string               `json:"description,omitempty"`
	Credential    *string               `json:"credential,omitempty"`
	Configuration *domain.Configuration `json:"configuration,omitempty"`
}

// Bot is the API view of a bot. The credential is never returned.
type Bot struct {
	ID               string                   `json:"id"`
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	PlatformIdentity *domain.PlatformIdentity `json:"platform_identity,omitempty"`
	Status           domain.DesiredStatus     `json:"status"`
	Running          bool                     `json:"running"`
	PID              int                      `json:"pid,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	LastStartedAt    *time.Time               `json:"last_started_at,omitempty"`
}

func toBot(v lifecycle.BotView) Bot {
	return Bot{
		ID:               v.ID,
		Name:             v.DisplayName,
		Description:      v.Description,
		PlatformIdentity: v.PlatformIdentity,
		Status:           v.DesiredStatus,
		Running:          v.Running,
		PID:              v.PID,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		LastStartedAt:    v.LastStartedAt,
	}
}

type webAppActionRequest struct {
	Type    string         `json:"type"`
	UserID  int64          `json:"user_id"`
	Payload map[string]any `json:"payload"`
}

// webAppData is what a companion page may read: never the credential or
// the bot's status.
type webAppData struct {
	BotID         string              `json:"bot_id"`
	Title         string              `json:"title"`
	Pages         []domain.WebAppPage `json:"pages"`
	Fields        []domain.DataField  `json:"fields"`
	RecentActions []recentAction      `json:"recent_actions"`
}

type recentAction struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}
