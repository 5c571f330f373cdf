// Package templates embeds default configuration examples installed by
// foreman setup.
package templates

import "embed"

//go:embed schedules.yaml job.example.json
var FS embed.FS
