package handlers

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

// sampleEvery is how many polls of a sampled endpoint produce one log line.
const sampleEvery = 10

// sampledPaths are hit on a timer by dashboards and probes.
var sampledPaths = map[string]bool{
	"/v1/health": true,
}

// SamplingLogger is the access log. Polled endpoints are thinned to one line
// per sampleEvery requests; WebSocket and SSE requests are logged when they end.
func SamplingLogger() fiber.Handler {
	return samplingLogger(os.Stdout)
}

func samplingLogger(out io.Writer) fiber.Handler {
	var polls atomic.Uint64
	return logger.New(logger.Config{
		Format:        "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat:    "15:04:05",
		Output:        out,
		DisableColors: !colorOutput(out),
		Next: func(c *fiber.Ctx) bool {
			if !sampledPaths[c.Path()] {
				return false
			}
			return polls.Add(1)%sampleEvery != 0
		},
	})
}

func colorOutput(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return false
	}
	return os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}
