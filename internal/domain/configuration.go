package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CurrentSchemaVersion is the newest configuration layout the generator understands.
const CurrentSchemaVersion = 1

// Button actions.
const (
	ActionGoto   = "goto"
	ActionURL    = "url"
	ActionWebApp = "webapp"
	ActionPay    = "pay"
	ActionQR     = "qr"
	ActionUpload = "upload"
)

// Configuration 用户在可视化编辑器中构建的 bot 文档。
// 生成的进程完全由它决定。
type Configuration struct {
	SchemaVersion int           `json:"schemaVersion"`
	Scenes        []Scene       `json:"scenes"`
	Features      Features      `json:"features"`
	Fields        []DataField   `json:"fields,omitempty"`
	Integrations  []Integration `json:"integrations,omitempty"`
	WebApp        *WebApp       `json:"webApp,omitempty"`
}

type Scene struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	Message string   `json:"message"`
	Start   bool     `json:"start,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

type Button struct {
	Text   string `json:"text"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

type Features struct {
	WebApp     bool               `json:"webApp,omitempty"`
	Payments   *PaymentsFeature   `json:"payments,omitempty"`
	Scheduling *SchedulingFeature `json:"scheduling,omitempty"`
	FileUpload bool               `json:"fileUpload,omitempty"`
	QRCode     bool               `json:"qrCode,omitempty"`
}

// PaymentsFeature describes a single invoice. Price is a decimal string in major units.
type PaymentsFeature struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Currency      string `json:"currency"`
	Price         string `json:"price"`
	ProviderToken string `json:"providerToken,omitempty"`
}

type SchedulingFeature struct {
	Jobs []ScheduledJob `json:"jobs"`
}

type ScheduledJob struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

// DataField is a column of the bot's own local store.
type DataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Integration struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type WebApp struct {
	Title string       `json:"title"`
	Pages []WebAppPage `json:"pages,omitempty"`
}

type WebAppPage struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Normalize 补齐旧文档缺失的 schemaVersion
func (c *Configuration) Normalize() {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = CurrentSchemaVersion
	}
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	b, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out Configuration
	if err := json.Unmarshal(b, &out); err != nil {
		return c
	}
	return out
}

// Digest is the hex sha256 of the canonical JSON encoding.
func (c Configuration) Digest() string {
	c.Normalize()
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c Configuration) Equal(other Configuration) bool {
	return c.Digest() == other.Digest()
}

// StartScene returns the scene flagged as start, or the first scene.
func (c Configuration) StartScene() *Scene {
	for i := range c.Scenes {
		if c.Scenes[i].Start {
			return &c.Scenes[i]
		}
	}
	if len(c.Scenes) == 0 {
		return nil
	}
	return &c.Scenes[0]
}
