// Package builtin embeds the definitions shipped with the binary.
package builtin

import "embed"

// Root is the directory of FS that holds the definitions.
const Root = "definitions"

// FS contains the predelivered definitions.
//
//go:embed definitions
var FS embed.FS
