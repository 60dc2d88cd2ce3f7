package tui

import (
	"fmt"
	"strings"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/tui/components"
	"github.com/charmbracelet/lipgloss"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(components.HeaderStyle.Render("🍌 banana dashboard"))
	b.WriteString("\n")
	b.WriteString(m.renderConnection())
	b.WriteString("\n\n")

	panels := lipgloss.JoinHorizontal(lipgloss.Top,
		components.PanelStyle.Render(m.renderMetrics()),
		" ",
		components.PanelStyle.Render(m.renderUpdates()),
	)
	b.WriteString(panels)
	b.WriteString("\n")

	if m.lastError != "" {
		b.WriteString(components.ErrorStyle.Render("⚠ " + m.lastError))
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}

	b.WriteString(m.renderFooter())
	return components.MainContentStyle.Render(b.String())
}

func (m Model) renderConnection() string {
	label := components.MutedStyle.Render(m.server)
	switch m.state {
	case client.StateOpen:
		return components.StatusConnectedStyle.Render("● connected") + "  " + label
	case client.StateConnecting:
		return m.spinner.View() + " connecting  " + label
	case client.StateFailed:
		return components.StatusDisconnectedStyle.Render("✗ gave up reconnecting") + "  " + m.errSuffix()
	default:
		return components.WarningStyle.Render("○ "+m.state.String()) + "  " + m.errSuffix()
	}
}

func (m Model) errSuffix() string {
	if m.stateErr == nil {
		return ""
	}
	return components.MutedStyle.Render(m.stateErr.Error())
}

func (m Model) renderMetrics() string {
	var b strings.Builder
	b.WriteString(components.SectionHeaderStyle.Render("Metrics"))
	b.WriteString("\n")

	if !m.haveMetrics {
		b.WriteString(components.MutedStyle.Render("waiting for first sample"))
		return b.String()
	}

	rows := [][2]string{
		{"memory", fmt.Sprintf("%.1f MiB", m.metrics.Memory)},
		{"cpu", fmt.Sprintf("%.0f ms", m.metrics.CPU)},
		{"since build", formatMillis(m.metrics.BuildTime)},
		{"since hmr", formatMillis(m.metrics.HMRUpdateTime)},
	}
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("%-12s %s\n", r[0], components.ValueStyle.Render(r[1])))
	}
	b.WriteString(components.MutedStyle.Render(sparkline(m.memHistory)))
	return b.String()
}

func (m Model) renderUpdates() string {
	var b strings.Builder
	b.WriteString(components.SectionHeaderStyle.Render("Updates"))
	b.WriteString("\n")

	if len(m.updates) == 0 {
		b.WriteString(components.MutedStyle.Render("no file changes yet"))
		return b.String()
	}
	for i, u := range m.updates {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%s %s %s",
			components.MutedStyle.Render(u.at.Format("15:04:05")),
			components.FileStyle.Render(u.file),
			components.MutedStyle.Render("+"+formatMillis(u.sinceBuild)),
		))
	}
	return b.String()
}

func (m Model) renderFooter() string {
	parts := make([]string, 0, len(components.FooterKeys))
	for _, k := range components.FooterKeys {
		parts = append(parts, components.KeyHighlightStyle.Render(k[0])+" "+k[1])
	}
	footer := strings.Join(parts, "  ")
	if m.width > 0 {
		return components.ApplyWidth(components.FooterStyle, m.width).Render(footer)
	}
	return components.FooterStyle.Render(footer)
}

func formatMillis(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
		}
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}
