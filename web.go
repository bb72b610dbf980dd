package llmhive

import "embed"

// WebFS embeds the admin dashboard's static assets so the binary serves
// them without depending on a filesystem layout at deploy time.
//
//go:embed web
var WebFS embed.FS
