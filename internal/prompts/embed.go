// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed roles/*.md review/*.md
var embeddedFS embed.FS
