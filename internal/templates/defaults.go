package templates

import (
	"embed"
	"io/fs"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// Defaults returns the built-in grant and newsletter templates.
func Defaults() *Catalog {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		panic("templates: failed to create sub filesystem: " + err.Error())
	}
	c, err := LoadFS(sub, "*.yaml")
	if err != nil {
		panic("templates: invalid built-in templates: " + err.Error())
	}
	return c
}
