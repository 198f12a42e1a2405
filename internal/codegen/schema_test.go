package codegen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botcraft/botcraft/internal/domain"
)

func TestValidate_Accepts(t *testing.T) {
	assert.NoError(t, Validate(minimalConfig()))
	assert.NoError(t, Validate(fullConfig()))
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *domain.Configuration){
		"no scenes":         func(c *domain.Configuration) { c.Scenes = nil },
		"bad scene id":      func(c *domain.Configuration) { c.Scenes[0].ID = "has space" },
		"duplicate scene":   func(c *domain.Configuration) { c.Scenes[1].ID = c.Scenes[0].ID },
		"missing goto":      func(c *domain.Configuration) { c.Scenes[0].Buttons[0].Target = "nowhere" },
		"two start scenes":  func(c *domain.Configuration) { c.Scenes[0].Start = true; c.Scenes[1].Start = true },
		"unknown action":    func(c *domain.Configuration) { c.Scenes[0].Buttons[0].Action = "explode" },
		"webapp disabled":   func(c *domain.Configuration) { c.Features.WebApp = false },
		"payments disabled": func(c *domain.Configuration) { c.Features.Payments = nil },
		"bad cron":          func(c *domain.Configuration) { c.Features.Scheduling.Jobs[0].Cron = "every morning" },
		"cron @every":       func(c *domain.Configuration) { c.Features.Scheduling.Jobs[0].Cron = "@every 1h" },
		"cron @daily":       func(c *domain.Configuration) { c.Features.Scheduling.Jobs[0].Cron = "@daily" },
		"cron time zone":    func(c *domain.Configuration) { c.Features.Scheduling.Jobs[0].Cron = "TZ=UTC 0 9 * * *" },
		"cron six fields":   func(c *domain.Configuration) { c.Features.Scheduling.Jobs[0].Cron = "0 0 9 * * *" },
		"zero price":        func(c *domain.Configuration) { c.Features.Payments.Price = "0" },
		"sub-cent price":    func(c *domain.Configuration) { c.Features.Payments.Price = "1.005" },
		"bad currency":      func(c *domain.Configuration) { c.Features.Payments.Currency = "usd" },
		"reserved field":    func(c *domain.Configuration) { c.Fields = append(c.Fields, domain.DataField{Name: "user_id", Type: "int"}) },
		"bad field type":    func(c *domain.Configuration) { c.Fields[0].Type = "blob" },
		"newer schema":      func(c *domain.Configuration) { c.SchemaVersion = domain.CurrentSchemaVersion + 1 },
		"non-http url":      func(c *domain.Configuration) { c.Scenes[1].Buttons[0].Target = "ftp://x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := fullConfig()
			mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %T: %v", err, err)
			assert.NotEmpty(t, ve.Problems)
		})
	}
}

func TestMinorUnits(t *testing.T) {
	n, err := minorUnits("12.5")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), n)

	n, err = minorUnits("3")
	require.NoError(t, err)
	assert.Equal(t, int64(300), n)

	_, err = minorUnits("abc")
	assert.Error(t, err)
	_, err = minorUnits("-1")
	assert.Error(t, err)
}
