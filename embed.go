// Package blocksite holds the resources embedded into the blocksite binary.
package blocksite

import "embed"

// Files contains the HTML templates, static assets and the service's own
// dependency manifest.
//
//go:embed package.json templates/*.html static/*
var Files embed.FS
