package codegen

import "embed"

//go:embed templates/*.tmpl schema/configuration.schema.json
var embeddedFS embed.FS
