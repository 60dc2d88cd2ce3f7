package handlers

import (
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/bananajs/banana/internal/assets"
	"github.com/bananajs/banana/internal/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
)

// StaticFS returns the filesystem served for the app: staticDir when it
// exists, otherwise the embedded placeholder page.
func StaticFS(staticDir string) fs.FS {
	if staticDir != "" {
		if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
			return os.DirFS(staticDir)
		}
		logger.Warnf("⚠️ Static directory %s not found, serving placeholder page", staticDir)
	}
	return assets.Placeholder()
}

// ServeStatic serves files from root. Unknown paths fall back to index.html
// so client-side routes resolve.
func ServeStatic(root fs.FS) fiber.Handler {
	return filesystem.New(filesystem.Config{
		Root:         http.FS(root),
		Browse:       false,
		Index:        "index.html",
		NotFoundFile: "index.html",
		Next: func(c *fiber.Ctx) bool {
			// Unmatched API routes must 404 instead of rendering the app.
			return strings.HasPrefix(c.Path(), "/v1/")
		},
	})
}
