package web

import (
	"embed"
)

// staticFiles holds the control panel page.
//
//go:embed static/*
var staticFiles embed.FS
