// Package ui embeds the single-page key console served at /.
package ui

import "embed"

// Dist holds dist/index.html, a dependency-free page that drives the
// issue, validate and revoke endpoints with fetch.
//
//go:embed all:dist
var Dist embed.FS
