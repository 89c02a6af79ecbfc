// Package webui embeds the local status panel: a single page that renders
// the tracked orders, the notification feed, and channel health from the
// sync API, updating live over the SSE stream.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed index.html
var content embed.FS

// FS exposes the embedded assets as an fs.FS.
func FS() fs.FS {
	return content
}

// Handler returns an http.Handler that serves the embedded panel.
func Handler() http.Handler {
	return http.FileServer(http.FS(content))
}
