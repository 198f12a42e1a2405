package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/domain"
)

var testIdentity = domain.PlatformIdentity{ID: 42, Username: "shop_bot", FirstName: "Shop"}

func minimalConfig() domain.Configuration {
	return domain.Configuration{
		Scenes: []domain.Scene{
			{ID: "welcome", Message: "Hello!", Buttons: []domain.Button{{Text: "Menu", Action: domain.ActionGoto, Target: "menu"}}},
			{ID: "menu", Message: "Pick one", Buttons: []domain.Button{{Text: "Site", Action: domain.ActionURL, Target: "https://example.com"}}},
		},
	}
}

func fullConfig() domain.Configuration {
	cfg := minimalConfig()
	cfg.Features = domain.Features{
		WebApp:     true,
		FileUpload: true,
		QRCode:     true,
		Payments:   &domain.PaymentsFeature{Title: "Coffee", Description: "One cup", Currency: "USD", Price: "9.99"},
		Scheduling: &domain.SchedulingFeature{Jobs: []domain.ScheduledJob{{Name: "morning", Cron: "0 9 * * *", ChatID: 100, Text: "Good morning"}}},
	}
	cfg.Fields = []domain.DataField{{Name: "email", Type: "string"}, {Name: "age", Type: "int"}}
	cfg.Integrations = []domain.Integration{{Name: "crm", Kind: "webhook", URL: "https://crm.example.com/hook"}}
	cfg.WebApp = &domain.WebApp{Title: "Shop", Pages: []domain.WebAppPage{{Slug: "catalog", Title: "Catalog", Body: "<b>items</b>"}}}
	cfg.Scenes[1].Buttons = append(cfg.Scenes[1].Buttons,
		domain.Button{Text: "Open", Action: domain.ActionWebApp, Target: "catalog"},
		domain.Button{Text: "Buy", Action: domain.ActionPay},
		domain.Button{Text: "QR", Action: domain.ActionQR, Target: "hello"},
		domain.Button{Text: "Upload", Action: domain.ActionUpload},
	)
	return cfg
}

func TestGenerate_Deterministic(t *testing.T) {
	g := New(Options{APIBaseURL: "https://api.example.com/"})
	for name, cfg := range map[string]domain.Configuration{"minimal": minimalConfig(), "full": fullConfig()} {
		t.Run(name, func(t *testing.T) {
			a, err := g.Generate(cfg, testIdentity, "ws-1")
			require.NoError(t, err)
			b, err := g.Generate(cfg, testIdentity, "ws-1")
			require.NoError(t, err)
			assert.Equal(t, a, b)
			assert.Equal(t, a.Files(), b.Files())
		})
	}
}

func TestGenerate_MissingWorkspaceID(t *testing.T) {
	g := New(Options{})
	_, err := g.Generate(minimalConfig(), testIdentity, "  ")
	assert.True(t, errors.Is(err, ErrMissingWorkspaceID))
}

func TestGenerate_MinimalHasNoOptionalFeatures(t *testing.T) {
	g := New(Options{APIBaseURL: "https://api.example.com"})
	out, err := g.Generate(minimalConfig(), testIdentity, "ws-1")
	require.NoError(t, err)

	assert.Nil(t, out.CompanionSource)
	assert.Len(t, out.Files(), 2)
	assert.Equal(t, "python-telegram-bot=="+DefaultRuntimeVersion+"\n", out.Manifest)

	for _, absent := range []string{"apscheduler", "qrcode", "httpx", "LabeledPrice", "sqlite3", "WebAppInfo", "WEBAPP_URL", "PreCheckoutQueryHandler", "filters"} {
		assert.NotContains(t, out.MainSource, absent)
	}
	assert.Contains(t, out.MainSource, `BOT_TOKEN = os.environ["BOT_TOKEN"]`)
	assert.Contains(t, out.MainSource, `WORKSPACE_ID = "ws-1"`)
	assert.Contains(t, out.MainSource, `BOT_HANDLE = "@shop_bot"`)
	assert.Contains(t, out.MainSource, `START_SCENE = "welcome"`)
}

func TestGenerate_FullFeatures(t *testing.T) {
	g := New(Options{APIBaseURL: "https://api.example.com", RuntimeVersion: "21.0"})
	out, err := g.Generate(fullConfig(), testIdentity, "ws-9")
	require.NoError(t, err)

	require.NotNil(t, out.CompanionSource)
	files := out.Files()
	assert.Len(t, files, 3)
	assert.Contains(t, files, CompanionFile)

	src := out.MainSource
	assert.Contains(t, src, "from apscheduler.schedulers.asyncio import AsyncIOScheduler")
	assert.Contains(t, src, "import qrcode")
	assert.Contains(t, src, "import httpx")
	assert.Contains(t, src, "import sqlite3")
	assert.Contains(t, src, "PAYMENT_AMOUNT = 999")
	assert.Contains(t, src, `WEBAPP_URL = "https://api.example.com/webapp/ws-9"`)
	assert.Contains(t, src, `url = WEBAPP_URL + "#" + target if target else WEBAPP_URL`, "buttons open the companion page itself")
	assert.Contains(t, src, `("email", "TEXT")`)
	assert.Contains(t, src, `("age", "INTEGER")`)
	assert.Contains(t, src, ".post_init(post_init)")

	lines := strings.Split(strings.TrimSpace(out.Manifest), "\n")
	assert.Equal(t, []string{
		"python-telegram-bot==21.0",
		"APScheduler==3.10.4",
		"httpx==0.27.2",
		"qrcode[pil]==7.4.2",
	}, lines)

	page := *out.CompanionSource
	assert.Contains(t, page, `"https://api.example.com/webapp/ws-9/data"`)
	assert.Contains(t, page, "&lt;b&gt;items&lt;/b&gt;", "page body is escaped")
	assert.Contains(t, page, "location.hash", "the fragment selects the initial page")
}

func TestGenerate_QuotesUserText(t *testing.T) {
	cfg := minimalConfig()
	cfg.Scenes[0].Message = "say \"hi\"\nthen leave"
	out, err := New(Options{}).Generate(cfg, testIdentity, "ws-1")
	require.NoError(t, err)
	assert.Contains(t, out.MainSource, `"message": "say \"hi\"\nthen leave"`)
}

func TestGenerate_RejectsNewerSchema(t *testing.T) {
	cfg := minimalConfig()
	cfg.SchemaVersion = domain.CurrentSchemaVersion + 1
	_, err := New(Options{}).Generate(cfg, testIdentity, "ws-1")
	assert.Error(t, err)
}

func TestGenerate_DoesNotMutateInput(t *testing.T) {
	cfg := minimalConfig()
	before := cfg.Clone()
	_, err := New(Options{}).Generate(cfg, testIdentity, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, before, cfg)
}
