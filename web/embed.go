package web

import (
	"embed"
	"io/fs"
)

//go:embed dist/*
var distFiles embed.FS

// StaticFS returns the status page files rooted at dist
func StaticFS() (fs.FS, error) {
	return fs.Sub(distFiles, "dist")
}
