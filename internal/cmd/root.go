package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/bananajs/banana/internal/logger"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "banana",
	Short: "🍌 BananaJS - Dev server with live terminal sessions",
	Long: `# 🍌 BananaJS

**A dev server that serves your app, watches your sources and gives every
browser tab a live shell.**

## ✨ Features

- 🖥️  **Terminal sessions** over WebSocket, one shell per tab
- 🔥 **Update events** pushed to every client when a source file changes
- 📊 **Metrics** (memory, CPU, build and HMR timings) every second
- 🛡️  **Command guard** that rejects destructive commands before the shell sees them

## 🚀 Getting Started

Run **banana serve** in your project directory.

Use **banana attach** to open a session from another terminal, or
**banana dashboard** to watch updates and metrics live.`,
	SilenceUsage: true,
}

var (
	logLevel  string
	devMode   bool
	serverURL string
	authToken string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Human-readable logs and debug level by default")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

// addClientFlags registers the flags shared by commands that talk to a
// running server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverURL, "server", "s", envOr("BANANA_SERVER", "http://localhost:3000"), "Server URL")
	cmd.Flags().StringVarP(&authToken, "token", "t", os.Getenv("BANANA_TOKEN"), "Auth token (see banana token)")
}

// configureLogging applies --log-level over the environment and an optional
// configured level.
func configureLogging(dev bool, configured string) {
	level := logger.GetLogLevelFromEnv(dev)
	if configured != "" {
		level = logger.ParseLevel(configured)
	}
	if logLevel != "" {
		level = logger.ParseLevel(logLevel)
	}
	logger.Configure(level, dev)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// helpMarkdown assembles the markdown for a command's help page.
func helpMarkdown(cmd *cobra.Command) string {
	var b strings.Builder
	section := func(title, body string) {
		fmt.Fprintf(&b, "## %s\n\n%s\n", title, body)
	}
	fence := func(lang, body string) string {
		return "```" + lang + "\n" + strings.TrimRight(body, "\n") + "\n```\n"
	}

	if cmd.Long != "" {
		b.WriteString(cmd.Long + "\n\n")
	} else {
		b.WriteString("# " + cmd.Short + "\n\n")
	}
	section("📖 Usage", fence("bash", cmd.UseLine()))

	if cmd.HasAvailableSubCommands() {
		var list strings.Builder
		for _, sub := range cmd.Commands() {
			if sub.IsAvailableCommand() {
				fmt.Fprintf(&list, "- **%s** - %s\n", sub.Name(), sub.Short)
			}
		}
		section("🔧 Commands", list.String())
	}
	if cmd.HasAvailableLocalFlags() {
		section("⚙️  Flags", fence("", cmd.LocalFlags().FlagUsages()))
	}
	if cmd.HasParent() && cmd.InheritedFlags().HasFlags() {
		section("🌐 Global Flags", fence("", cmd.InheritedFlags().FlagUsages()))
	}
	return b.String()
}

// renderMarkdownHelp prints help through glamour, falling back to cobra's
// plain usage when rendering fails.
func renderMarkdownHelp(cmd *cobra.Command) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		_ = cmd.Usage()
		return
	}
	rendered, err := renderer.Render(helpMarkdown(cmd))
	if err != nil {
		_ = cmd.Usage()
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), rendered)
}
