package cmd

import (
	"fmt"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "📊 Watch updates and metrics from a running server",
	Long: `# 📊 Dashboard

**Live view of a running dev server.**

- 📈 Memory, CPU and build/HMR timings, refreshed every sample
- 🔥 The most recent file updates
- 🔄 Reconnects on its own; press **r** to reconnect now
- ⏱️  Press **b** / **h** to mark a build start or an applied HMR update`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	addClientFlags(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	// The TUI owns the terminal; keep logs to errors only.
	logger.Configure(logger.LevelError, false)

	url, err := client.SessionURL(serverURL, authToken, 0, 0)
	if err != nil {
		return err
	}
	marker, err := client.NewMarker(serverURL, authToken)
	if err != nil {
		return err
	}

	m := client.NewManager(client.Options{URL: url})
	defer m.Close()

	model := tui.NewModel(tui.SessionController{Manager: m, Marker: marker}, serverURL)
	p := tea.NewProgram(model, tea.WithAltScreen())
	tui.Subscribe(m, p)

	go func() {
		// A failed first dial is retried with backoff; the state line shows it.
		_ = m.Connect()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}
