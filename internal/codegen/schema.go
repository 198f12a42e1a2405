package codegen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shopspring/decimal"

	"github.com/botcraft/botcraft/internal/domain"
)

// callback_data is limited to 64 bytes by the Bot API.
const maxCallbackData = 64

// crontabParser accepts plain five-field crontab lines only, the form the
// generated scheduler feeds to CronTrigger.from_crontab.
var crontabParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCrontab(spec string) error {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return fmt.Errorf("time zone prefixes are not supported")
	}
	_, err := crontabParser.Parse(spec)
	return err
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configurationSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := embeddedFS.ReadFile("schema/configuration.schema.json")
		if err != nil {
			schemaErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("configuration.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("configuration.schema.json")
	})
	return compiledSchema, schemaErr
}

// Validate checks a configuration against the embedded JSON schema and then
// against the rules the schema cannot express. It returns *ValidationError for
// user mistakes and a plain error only if the schema itself is broken.
func Validate(cfg domain.Configuration) error {
	cfg.Normalize()
	ve := &ValidationError{}

	if cfg.SchemaVersion > domain.CurrentSchemaVersion {
		ve.add("schemaVersion %d is newer than supported version %d", cfg.SchemaVersion, domain.CurrentSchemaVersion)
		return ve
	}

	sch, err := configurationSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		ve.add("%s", strings.TrimSpace(err.Error()))
		return ve
	}

	checkScenes(cfg, ve)
	checkFeatures(cfg, ve)

	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}

func checkScenes(cfg domain.Configuration, ve *ValidationError) {
	ids := make(map[string]bool, len(cfg.Scenes))
	starts := 0
	for _, sc := range cfg.Scenes {
		if ids[sc.ID] {
			ve.add("duplicate scene id %q", sc.ID)
		}
		ids[sc.ID] = true
		if sc.Start {
			starts++
		}
	}
	if starts > 1 {
		ve.add("%d scenes are marked as start, at most one allowed", starts)
	}

	f := cfg.Features
	for _, sc := range cfg.Scenes {
		for i, b := range sc.Buttons {
			where := fmt.Sprintf("scene %q button %d", sc.ID, i)
			switch b.Action {
			case domain.ActionGoto:
				if !ids[b.Target] {
					ve.add("%s: goto target %q does not exist", where, b.Target)
				}
			case domain.ActionURL:
				if !strings.HasPrefix(b.Target, "https://") && !strings.HasPrefix(b.Target, "http://") {
					ve.add("%s: url target must be an http(s) URL", where)
				}
			case domain.ActionWebApp:
				if !f.WebApp {
					ve.add("%s: webapp button requires features.webApp", where)
				}
			case domain.ActionPay:
				if f.Payments == nil {
					ve.add("%s: pay button requires features.payments", where)
				}
			case domain.ActionQR:
				if !f.QRCode {
					ve.add("%s: qr button requires features.qrCode", where)
				}
			case domain.ActionUpload:
				if !f.FileUpload {
					ve.add("%s: upload button requires features.fileUpload", where)
				}
			}
			if len(b.Action)+1+len(b.Target) > maxCallbackData && b.Action != domain.ActionURL && b.Action != domain.ActionWebApp {
				ve.add("%s: target too long", where)
			}
		}
	}
}

func checkFeatures(cfg domain.Configuration, ve *ValidationError) {
	if p := cfg.Features.Payments; p != nil {
		if _, err := minorUnits(p.Price); err != nil {
			ve.add("features.payments.price: %v", err)
		}
	}
	if s := cfg.Features.Scheduling; s != nil {
		names := map[string]bool{}
		for _, j := range s.Jobs {
			if names[j.Name] {
				ve.add("duplicate scheduled job %q", j.Name)
			}
			names[j.Name] = true
			if err := parseCrontab(j.Cron); err != nil {
				ve.add("scheduled job %q: bad cron expression %q: %v", j.Name, j.Cron, err)
			}
		}
	}
	fields := map[string]bool{}
	for _, fd := range cfg.Fields {
		if fd.Name == "user_id" || fields[fd.Name] {
			ve.add("field name %q is reserved or duplicated", fd.Name)
		}
		fields[fd.Name] = true
	}
}

// minorUnits converts a decimal price in major units to an integer amount in
// minor units (cents), rejecting non-positive prices and sub-cent precision.
func minorUnits(price string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return 0, fmt.Errorf("not a decimal number: %q", price)
	}
	if !d.GreaterThan(decimal.Zero) {
		return 0, fmt.Errorf("must be greater than zero")
	}
	m := d.Shift(2)
	if !m.Equal(m.Truncate(0)) {
		return 0, fmt.Errorf("at most two decimal places allowed")
	}
	return m.IntPart(), nil
}
