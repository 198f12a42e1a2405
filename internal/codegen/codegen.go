package codegen

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/botcraft/botcraft/internal/domain"
)

// Generated file names inside a workspace.
const (
	MainFile      = "bot.py"
	ManifestFile  = "requirements.txt"
	CompanionFile = "webapp/index.html"
)

// DefaultRuntimeVersion pins python-telegram-bot.
const DefaultRuntimeVersion = "21.6"

// ErrMissingWorkspaceID is returned when Generate is called without a workspace id.
var ErrMissingWorkspaceID = errors.New("codegen: missing workspace id")

// Pinned versions of optional runtime dependencies.
var optionalRequirements = map[string]string{
	"scheduling":   "APScheduler==3.10.4",
	"qrCode":       "qrcode[pil]==7.4.2",
	"integrations": "httpx==0.27.2",
}

var (
	textTemplates = template.Must(template.New("").Funcs(template.FuncMap{
		"py":      pyString,
		"sqltype": sqlType,
	}).ParseFS(embeddedFS, "templates/bot.py.tmpl", "templates/requirements.txt.tmpl"))

	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(embeddedFS, "templates/index.html.tmpl"))
)

// Options configure a Generator.
type Options struct {
	// APIBaseURL is the public address of this service; the companion page calls back into it.
	APIBaseURL     string
	RuntimeVersion string
}

// Generator renders bot sources from configurations. It holds no state
// between calls.
type Generator struct {
	opts Options
}

// New trims the base URL and applies the default runtime version.
func New(opts Options) *Generator {
	opts.APIBaseURL = strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if opts.RuntimeVersion == "" {
		opts.RuntimeVersion = DefaultRuntimeVersion
	}
	return &Generator{opts: opts}
}

// Output is the generated source for one workspace.
type Output struct {
	MainSource      string
	CompanionSource *string
	Manifest        string
}

// Files maps workspace-relative paths to contents.
func (o Output) Files() map[string]string {
	files := map[string]string{
		MainFile:     o.MainSource,
		ManifestFile: o.Manifest,
	}
	if o.CompanionSource != nil {
		files[CompanionFile] = *o.CompanionSource
	}
	return files
}

// Flags are the capabilities a configuration switches on.
type Flags struct {
	WebApp       bool
	Payments     bool
	Scheduling   bool
	FileUpload   bool
	QRCode       bool
	Fields       bool
	Integrations bool
}

func FlagsOf(cfg domain.Configuration) Flags {
	f := cfg.Features
	return Flags{
		WebApp:       f.WebApp,
		Payments:     f.Payments != nil,
		Scheduling:   f.Scheduling != nil && len(f.Scheduling.Jobs) > 0,
		FileUpload:   f.FileUpload,
		QRCode:       f.QRCode,
		Fields:       len(cfg.Fields) > 0,
		Integrations: len(cfg.Integrations) > 0,
	}
}

type paymentData struct {
	Title         string
	Description   string
	Currency      string
	Amount        int64
	ProviderToken string
}

type botData struct {
	WorkspaceID     string
	Handle          string
	WebAppURL       string
	Flags           Flags
	TelegramImports string
	ExtImports      string
	Scenes          []domain.Scene
	StartScene      string
	Payment         *paymentData
	Jobs            []domain.ScheduledJob
	Fields          []domain.DataField
	Integrations    []domain.Integration
}

type manifestData struct {
	RuntimeVersion string
	Extra          []string
}

type companionData struct {
	Title       string
	WorkspaceID string
	DataURL     string
	ActionURL   string
	Pages       []domain.WebAppPage
}

// Generate renders the bot source, its manifest and (with features.webApp) the
// companion page. Output depends only on the arguments and the generator options.
func (g *Generator) Generate(cfg domain.Configuration, identity domain.PlatformIdentity, workspaceID string) (Output, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return Output{}, ErrMissingWorkspaceID
	}
	cfg = cfg.Clone()
	cfg.Normalize()
	if cfg.SchemaVersion > domain.CurrentSchemaVersion {
		return Output{}, fmt.Errorf("codegen: unsupported schemaVersion %d", cfg.SchemaVersion)
	}
	start := cfg.StartScene()
	if start == nil {
		return Output{}, fmt.Errorf("codegen: configuration has no scenes")
	}

	flags := FlagsOf(cfg)
	data := botData{
		WorkspaceID:     workspaceID,
		Handle:          identity.Handle(),
		WebAppURL:       g.webAppURL(workspaceID),
		Flags:           flags,
		TelegramImports: strings.Join(telegramImports(flags), ", "),
		ExtImports:      strings.Join(extImports(flags), ", "),
		Scenes:          cfg.Scenes,
		StartScene:      start.ID,
		Fields:          cfg.Fields,
		Integrations:    cfg.Integrations,
	}
	if flags.Payments {
		p := cfg.Features.Payments
		amount, err := minorUnits(p.Price)
		if err != nil {
			return Output{}, fmt.Errorf("codegen: payments price: %w", err)
		}
		data.Payment = &paymentData{
			Title:         p.Title,
			Description:   p.Description,
			Currency:      p.Currency,
			Amount:        amount,
			ProviderToken: p.ProviderToken,
		}
	}
	if flags.Scheduling {
		data.Jobs = cfg.Features.Scheduling.Jobs
	}

	var out Output
	var buf bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&buf, "bot.py.tmpl", data); err != nil {
		return Output{}, fmt.Errorf("codegen: render %s: %w", MainFile, err)
	}
	out.MainSource = buf.String()

	buf.Reset()
	if err := textTemplates.ExecuteTemplate(&buf, "requirements.txt.tmpl", manifestData{
		RuntimeVersion: g.opts.RuntimeVersion,
		Extra:          extraRequirements(flags),
	}); err != nil {
		return Output{}, fmt.Errorf("codegen: render %s: %w", ManifestFile, err)
	}
	out.Manifest = buf.String()

	if flags.WebApp {
		cd := companionData{
			Title:       "Web App",
			WorkspaceID: workspaceID,
			DataURL:     data.WebAppURL + "/data",
			ActionURL:   data.WebAppURL + "/action",
		}
		if cfg.WebApp != nil {
			if cfg.WebApp.Title != "" {
				cd.Title = cfg.WebApp.Title
			}
			cd.Pages = cfg.WebApp.Pages
		}
		buf.Reset()
		if err := htmlTemplates.ExecuteTemplate(&buf, "index.html.tmpl", cd); err != nil {
			return Output{}, fmt.Errorf("codegen: render %s: %w", CompanionFile, err)
		}
		s := buf.String()
		out.CompanionSource = &s
	}
	return out, nil
}

func (g *Generator) webAppURL(workspaceID string) string {
	return g.opts.APIBaseURL + "/webapp/" + workspaceID
}

func telegramImports(f Flags) []string {
	names := []string{"InlineKeyboardButton", "InlineKeyboardMarkup", "Update"}
	if f.WebApp {
		names = append(names, "WebAppInfo")
	}
	if f.Payments {
		names = append(names, "LabeledPrice")
	}
	sort.Strings(names)
	return names
}

func extImports(f Flags) []string {
	names := []string{"Application", "CallbackQueryHandler", "CommandHandler", "ContextTypes"}
	if f.FileUpload || f.Payments {
		names = append(names, "MessageHandler", "filters")
	}
	if f.Payments {
		names = append(names, "PreCheckoutQueryHandler")
	}
	sort.Strings(names)
	return names
}

func extraRequirements(f Flags) []string {
	var out []string
	if f.Scheduling {
		out = append(out, optionalRequirements["scheduling"])
	}
	if f.QRCode {
		out = append(out, optionalRequirements["qrCode"])
	}
	if f.Integrations {
		out = append(out, optionalRequirements["integrations"])
	}
	sort.Strings(out)
	return out
}

// pyString renders s as a Python string literal.
func pyString(s string) string {
	return strconv.Quote(s)
}

func sqlType(t string) string {
	switch t {
	case "int", "bool":
		return "INTEGER"
	default:
		return "TEXT"
	}
}
