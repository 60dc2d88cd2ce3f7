package assets

import (
	"embed"
	"io/fs"
)

//go:embed placeholder
var placeholderAssets embed.FS

// Placeholder returns the page served before the project has build output,
// with the "placeholder" prefix stripped.
func Placeholder() fs.FS {
	sub, err := fs.Sub(placeholderAssets, "placeholder")
	if err != nil {
		// Only possible if the embed directive above is changed.
		panic(err)
	}
	return sub
}
