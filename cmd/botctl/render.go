package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // 绿色
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // 红色
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(14)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func statusCell(b bot) string {
	if b.Running {
		return runningStyle.Render("running")
	}
	return stoppedStyle.Render(b.Status)
}

func handle(b bot) string {
	if b.PlatformIdentity != nil && b.PlatformIdentity.Username != "" {
		return "@" + b.PlatformIdentity.Username
	}
	return "-"
}

// renderTable lays rows out in columns padded to their widest visible cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.Join(parts, "  ")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(line(header)))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(line(r))
		b.WriteString("\n")
	}
	return b.String()
}

func renderBots(bots []bot) string {
	if len(bots) == 0 {
		return stoppedStyle.Render("no bots") + "\n"
	}
	rows := make([][]string, 0, len(bots))
	for _, b := range bots {
		pid := "-"
		if b.PID > 0 {
			pid = fmt.Sprint(b.PID)
		}
		rows = append(rows, []string{b.ID, b.Name, handle(b), statusCell(b), pid})
	}
	return renderTable([]string{"ID", "NAME", "HANDLE", "STATUS", "PID"}, rows)
}

func renderBot(b bot, p processInfo) string {
	kv := func(k, v string) string { return labelStyle.Render(k) + v }
	lines := []string{
		kv("id", b.ID),
		kv("name", b.Name),
		kv("handle", handle(b)),
		kv("status", statusCell(b)),
	}
	if b.PID > 0 {
		lines = append(lines, kv("pid", fmt.Sprint(b.PID)))
	}
	if b.LastStartedAt != nil {
		lines = append(lines, kv("started", b.LastStartedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if p.LastExitCode != nil {
		lines = append(lines, kv("last exit", fmt.Sprint(*p.LastExitCode)))
	}
	if p.LastError != nil && *p.LastError != "" {
		lines = append(lines, kv("last error", errorStyle.Render(*p.LastError)))
	}
	return borderStyle.Render(strings.Join(lines, "\n")) + "\n"
}
