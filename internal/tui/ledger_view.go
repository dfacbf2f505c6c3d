package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	colorAccent = lipgloss.Color("#F47A60")
	colorYellow = lipgloss.Color("#FFD54A")
	colorSky    = lipgloss.Color("#87CEEB")
	colorGreen  = lipgloss.Color("#5CCB76")
	colorRed    = lipgloss.Color("#F15B5B")
	colorMuted  = lipgloss.Color("#9CA3AF")
	colorDim    = lipgloss.Color("#6B7280")
)

type column struct {
	title string
	width int
}

var ledgerColumns = []column{
	{"member", 18},
	{"service", 12},
	{"cycle", 16},
	{"due", 10},
	{"paid", 10},
	{"diff", 10},
	{"status", 9},
	{"method", 7},
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	frame := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1)
	contentStyle := lipgloss.NewStyle().Padding(1, 1, 0, 1)
	if m.width > 0 {
		frame = frame.Width(max(1, m.width-frame.GetHorizontalBorderSize()))
	}
	if m.height > 0 {
		frame = frame.Height(max(1, m.height-frame.GetVerticalBorderSize()))
	}

	layoutWidth := max(40, m.width-frame.GetHorizontalFrameSize()-contentStyle.GetHorizontalFrameSize())
	layoutHeight := max(1, m.height-frame.GetVerticalFrameSize()-contentStyle.GetVerticalFrameSize())

	var overlay string
	switch {
	case m.pinDialog:
		overlay = m.renderPINDialog(layoutWidth)
	case m.showHelp:
		overlay = renderHelpOverlay(layoutWidth)
	}
	if overlay != "" {
		if m.height > 0 {
			overlay = lipgloss.Place(layoutWidth, layoutHeight, lipgloss.Center, lipgloss.Center, overlay)
		}
		return frame.Render(contentStyle.Render(overlay))
	}
	return frame.Render(contentStyle.Render(m.renderLedgerScreen(layoutWidth)))
}

func renderBlockTitle() string {
	raw := []string{
		"█▀▄ █▀█ █▀▀ ▀▄▀ █▀█ ▄▀█ █▄█",
		"█▄▀ █▀▄ ██▄ █ █ █▀▀ █▀█  █ ",
	}
	style := lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	rows := make([]string, 0, len(raw))
	for _, line := range raw {
		rows = append(rows, style.Render(line))
	}
	return strings.Join(rows, "\n")
}

func (m model) renderLedgerScreen(layoutWidth int) string {
	title := lipgloss.PlaceHorizontal(layoutWidth, lipgloss.Center, renderBlockTitle())
	parts := []string{title, "", m.renderHeader(layoutWidth), ""}

	rows := m.visibleRows()
	switch {
	case m.errText != "" && len(m.rows) == 0:
		parts = append(parts, lipgloss.NewStyle().Foreground(colorRed).Render("error: "+m.errText))
	case m.loading && len(m.rows) == 0:
		parts = append(parts, lipgloss.NewStyle().Foreground(colorMuted).Render("loading ledger..."))
	case len(rows) == 0:
		msg := "no subscriptions for this period"
		if m.reviewOnly {
			msg = "nothing awaiting review"
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(colorMuted).Render(msg))
	default:
		parts = append(parts, m.renderTable(rows), "", m.renderTotals(rows))
	}

	if m.errText != "" && len(m.rows) > 0 {
		parts = append(parts, "", lipgloss.NewStyle().Foreground(colorRed).Render("refresh failed, showing last data: "+m.errText))
	}
	if len(m.gaps) > 0 {
		parts = append(parts, "", lipgloss.NewStyle().Foreground(colorYellow).Render(fmt.Sprintf("%d data issue(s): %s", len(m.gaps), m.gaps[0])))
	}

	parts = append(parts, "", m.renderStatusLine(), renderKeyHints(layoutWidth))
	return strings.Join(parts, "\n")
}

func (m model) renderHeader(layoutWidth int) string {
	label := lipgloss.NewStyle().Foreground(colorSky).Bold(true)
	value := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Bold(true)
	arrow := func(enabled bool, s string) string {
		if enabled {
			return lipgloss.NewStyle().Foreground(lipgloss.Color("#D1D5DB")).Bold(true).Render(s)
		}
		return lipgloss.NewStyle().Foreground(colorDim).Render(s)
	}

	period := m.currentPeriod()
	periodText := arrow(m.periodIdx > 0, "←") + " " + value.Render(period.Label) + " " + arrow(m.periodIdx < len(m.periods)-1, "→")

	mode := lipgloss.NewStyle().Foreground(colorMuted).Render("member")
	if m.backend.IsManager() {
		mode = lipgloss.NewStyle().Foreground(colorYellow).Bold(true).Render("manager")
	}

	line1 := label.Render("period ") + periodText + "   " + label.Render("mode ") + mode
	line2 := label.Render("service ") + value.Render(optionLabel(m.serviceOptions(), m.serviceFilter)) +
		"   " + label.Render("member ") + value.Render(optionLabel(m.memberOptions(), m.memberFilter)) +
		"   " + label.Render("method ") + value.Render(string(m.method()))
	if m.reviewOnly {
		line2 += "   " + lipgloss.NewStyle().Foreground(colorYellow).Render("[review queue]")
	}

	return lipgloss.PlaceHorizontal(layoutWidth, lipgloss.Left, line1+"\n"+line2)
}

func (m model) renderTable(rows []ledger.Row) string {
	headerStyle := lipgloss.NewStyle().Foreground(colorMuted).Bold(true)
	headers := make([]string, 0, len(ledgerColumns))
	for _, col := range ledgerColumns {
		headers = append(headers, cell(col.title, col.width))
	}
	lines := []string{headerStyle.Render("  " + strings.Join(headers, " "))}

	visible := m.tableVisibleRows()
	start := max(0, min(m.offset, max(0, len(rows)-1)))
	end := min(len(rows), start+visible)
	for i := start; i < end; i++ {
		r := rows[i]
		values := []string{
			cell(r.MemberName, ledgerColumns[0].width),
			cell(r.ServiceName, ledgerColumns[1].width),
			cell(r.CycleLabel, ledgerColumns[2].width),
			cell(formatAmount(r.RequiredAmount), ledgerColumns[3].width),
			cell(formatAmount(r.PaidAmount), ledgerColumns[4].width),
			diffStyle(r).Render(cell(formatDiff(r.Discrepancy()), ledgerColumns[5].width)),
			statusStyle(r).Render(cell(statusText(r), ledgerColumns[6].width)),
			cell(methodText(r.Method), ledgerColumns[7].width),
		}
		prefix := "  "
		line := strings.Join(values, " ")
		if i == m.cursor {
			prefix = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Render("> ")
			line = lipgloss.NewStyle().Bold(true).Render(line)
		}
		lines = append(lines, prefix+line)
	}

	if len(rows) > visible {
		lines = append(lines, lipgloss.NewStyle().Foreground(colorMuted).Render(
			fmt.Sprintf("showing %d-%d/%d", start+1, end, len(rows))))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderTotals(rows []ledger.Row) string {
	due, paid := decimal.Zero, decimal.Zero
	pending := 0
	for _, r := range rows {
		due = due.Add(r.RequiredAmount)
		paid = paid.Add(r.PaidAmount)
		if r.Status == ledger.Pending {
			pending++
		}
	}
	outstanding := due.Sub(paid)
	text := fmt.Sprintf("due %s   paid %s   outstanding %s   awaiting review %d",
		formatAmount(due), formatAmount(paid), formatAmount(outstanding), pending)
	return lipgloss.NewStyle().Foreground(colorSky).Bold(true).Render(text)
}

func (m model) renderStatusLine() string {
	parts := []string{}
	if m.source != "" {
		parts = append(parts, "source "+m.source)
	}
	if m.fetchedAt != nil {
		age := time.Since(*m.fetchedAt).Round(time.Second)
		if age < 0 {
			age = 0
		}
		parts = append(parts, "updated "+age.String()+" ago")
	}
	if m.loading {
		parts = append(parts, "refreshing")
	}
	line := lipgloss.NewStyle().Foreground(colorMuted).Render(strings.Join(parts, "  ·  "))
	if m.statusText != "" {
		color := colorGreen
		if m.statusIsErr {
			color = colorRed
		}
		line += "  " + lipgloss.NewStyle().Foreground(color).Bold(true).Render(m.statusText)
	}
	return line
}

func renderKeyHints(layoutWidth int) string {
	hints := "←/→ period  ↑/↓ row  tab service  f member  v review  p method  r report  c confirm  t toggle  m manager  R refresh  ? help  q quit"
	return lipgloss.NewStyle().Foreground(colorDim).Width(layoutWidth).Render(hints)
}

func renderHelpOverlay(maxWidth int) string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#5FA8FF")).Bold(true).Render("Keys")
	entries := [][2]string{
		{"←/→ h/l", "previous / next billing month"},
		{"↑/↓ k/j", "move selection"},
		{"tab", "cycle service filter"},
		{"f / F", "cycle member filter"},
		{"v", "show only rows awaiting review"},
		{"p", "cycle payment method"},
		{"r", "report the selected row as paid (pending)"},
		{"c", "confirm a pending row (manager)"},
		{"t", "toggle paid / unpaid (manager)"},
		{"m", "unlock or lock manager mode"},
		{"R", "refresh now"},
		{"q", "quit"},
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%-10s %s", e[0], e[1]))
	}
	footer := lipgloss.NewStyle().Foreground(colorYellow).Bold(true).Render("Esc to close")
	content := strings.Join([]string{title, "", strings.Join(lines, "\n"), "", footer}, "\n")

	panelWidth := max(36, min(maxWidth-6, 64))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#6CBFE6")).
		Padding(1, 2).
		Width(panelWidth).
		Render(content)
}

func (m model) renderPINDialog(maxWidth int) string {
	panelWidth := max(44, min(maxWidth-6, 64))
	input := m.pin
	input.Width = max(18, panelWidth-12)

	hint := "Enter the manager PIN to confirm and toggle payments."
	if m.statusIsErr && m.statusText != "" {
		hint = lipgloss.NewStyle().Foreground(colorRed).Render(m.statusText)
	}
	content := strings.Join([]string{
		"Unlock manager mode",
		"",
		hint,
		"",
		input.View(),
		"",
		"Enter to unlock, Esc to cancel",
	}, "\n")
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#6CBFE6")).
		Padding(1, 2).
		Width(panelWidth).
		Render(content)
}

func cell(s string, width int) string {
	return lipgloss.NewStyle().Width(width).MaxWidth(width).Render(s)
}

func formatAmount(d decimal.Decimal) string {
	return "₱" + d.StringFixed(2)
}

// formatDiff renders a signed amount: "-₱125.00", "+₱0.00".
func formatDiff(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-" + formatAmount(d.Neg())
	}
	return "+" + formatAmount(d)
}

func diffStyle(r ledger.Row) lipgloss.Style {
	if r.Discrepancy().IsNegative() {
		return lipgloss.NewStyle().Foreground(colorRed)
	}
	return lipgloss.NewStyle().Foreground(colorGreen)
}

func statusText(r ledger.Row) string {
	if r.Status == ledger.Unpaid && r.IsOverdue {
		return "overdue"
	}
	return r.Status.String()
}

func statusStyle(r ledger.Row) lipgloss.Style {
	switch r.Status {
	case ledger.Paid:
		return lipgloss.NewStyle().Foreground(colorGreen)
	case ledger.Pending:
		return lipgloss.NewStyle().Foreground(colorYellow)
	default:
		style := lipgloss.NewStyle().Foreground(colorRed)
		if r.IsOverdue {
			style = style.Bold(true)
		}
		return style
	}
}

func methodText(m ledger.Method) string {
	if m == ledger.MethodNone {
		return "-"
	}
	return string(m)
}
