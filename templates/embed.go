// Package templates embeds the default configuration and the prompt templates.
package templates

import "embed"

//go:embed config.yaml prompts
var FS embed.FS
