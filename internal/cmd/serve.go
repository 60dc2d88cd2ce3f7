package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bananajs/banana/internal/config"
	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🍌 Start the dev server",
	Long: `# 🍌 Start the Dev Server

**Serves your built app, watches your sources and accepts terminal sessions.**

## 🌐 Endpoints

- **/v1/session** - WebSocket terminal session (one shell per connection)
- **/v1/events** - Server-Sent Events mirror of updates and metrics
- **/v1/build/start**, **/v1/hmr/applied** - mark build milestones
- **/v1/health** - health check
- everything else - static files with index.html fallback

## ⚙️  Configuration

Settings are read from **banana.config.yaml** in the project directory (or
**--config**), then **BANANA_*** environment variables, then flags.

## 💡 Examples

` + "```bash\nbanana serve --port 4000 --static dist\nbanana serve --watch src --watch styles --exclude '*.test.js'\n```",
	RunE: runServe,
}

var serveOpts struct {
	configPath string
	host       string
	port       int
	staticDir  string
	workspace  string
	shell      string
	watch      []string
	exclude    []string
	coalesceMs int
	metricsMs  int
	authSecret string
}

func init() {
	rootCmd.AddCommand(serveCmd)
	bindServeFlags(serveCmd)
}

func bindServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&serveOpts.configPath, "config", "c", "", "Path to banana.config.yaml")
	f.StringVar(&serveOpts.host, "host", "", "Listen host")
	f.IntVarP(&serveOpts.port, "port", "p", 0, "Listen port")
	f.StringVar(&serveOpts.staticDir, "static", "", "Directory of built assets to serve")
	f.StringVar(&serveOpts.workspace, "workspace", "", "Directory shells start in")
	f.StringVar(&serveOpts.shell, "shell", "", "Shell to spawn for sessions")
	f.StringSliceVarP(&serveOpts.watch, "watch", "w", nil, "Directories to watch for changes")
	f.StringSliceVarP(&serveOpts.exclude, "exclude", "x", nil, "Glob patterns to ignore (added to configured ones)")
	f.IntVar(&serveOpts.coalesceMs, "coalesce-ms", 0, "Collapse repeated changes to one file within this window")
	f.IntVar(&serveOpts.metricsMs, "metrics-ms", 0, "Metrics interval in milliseconds")
	f.StringVar(&serveOpts.authSecret, "auth-secret", "", "Require tokens signed with this secret on /v1")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveOpts.configPath)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	configureLogging(devMode || cfg.Dev, cfg.LogLevel)
	rt := config.DetectRuntime()
	logger.Debugf("🔧 Runtime %s, shell %s", rt.Mode, cfg.Shell)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

// applyServeFlags overrides cfg with the flags the user actually set.
// Relative directories given on the command line resolve against the
// current directory.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	abs := func(p string) (string, error) {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("invalid path %q: %w", p, err)
		}
		return a, nil
	}

	if f.Changed("host") {
		cfg.Host = serveOpts.host
	}
	if f.Changed("port") {
		cfg.Port = serveOpts.port
	}
	if f.Changed("static") {
		dir, err := abs(serveOpts.staticDir)
		if err != nil {
			return err
		}
		cfg.StaticDir = dir
	}
	if f.Changed("workspace") {
		dir, err := abs(serveOpts.workspace)
		if err != nil {
			return err
		}
		cfg.WorkspaceDir = dir
	}
	if f.Changed("shell") {
		cfg.Shell = serveOpts.shell
	}
	if f.Changed("watch") {
		roots := make([]string, 0, len(serveOpts.watch))
		for _, w := range serveOpts.watch {
			dir, err := abs(w)
			if err != nil {
				return err
			}
			roots = append(roots, dir)
		}
		cfg.Watch.Roots = roots
	}
	if f.Changed("exclude") {
		cfg.Watch.Exclude = append(cfg.Watch.Exclude, serveOpts.exclude...)
	}
	if f.Changed("coalesce-ms") {
		cfg.Watch.CoalesceMs = serveOpts.coalesceMs
	}
	if f.Changed("metrics-ms") && serveOpts.metricsMs > 0 {
		cfg.Metrics.IntervalMs = serveOpts.metricsMs
	}
	if f.Changed("auth-secret") {
		cfg.AuthSecret = serveOpts.authSecret
	}
	return cfg.Validate()
}
