package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/session"
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.divider())
	b.WriteString("\n")

	if m.outcome != nil {
		b.WriteString(HandoffStyle.Render(session.FeedbackPending))
		b.WriteString("\n")
		b.WriteString(StatusStyle.Render(fmt.Sprintf("Session %s ended after %s. Continue at %s.",
			m.outcome.SessionID, clock(m.outcome.Elapsed), m.outcome.Route)))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.renderMessages())
	if ind := m.renderIndicators(); ind != "" {
		b.WriteString(ind)
		b.WriteString("\n")
	}
	if alert := m.alert(); alert != "" {
		b.WriteString(ErrorStyle.Render(alert))
		b.WriteString("\n")
	}
	if m.snap.State == conversation.StateLeaveConfirm {
		b.WriteString(WarningBoxStyle.Render(m.snap.Warning + "\n\n" + footer([][2]string{{"y", "leave"}, {"n", "stay"}})))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(m.divider())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	dot := IdleDotStyle.Render("○")
	if m.snap.Recording {
		dot = RecordingDotStyle.Render("●")
	}
	parts := []string{
		TitleStyle.Render("parley"),
		dot,
		StatusStyle.Render(strings.ToLower(m.snap.State.String())),
		StatusStyle.Render(clock(m.snap.Elapsed)),
	}
	if m.snap.Transport != "" {
		parts = append(parts, StatusStyle.Render(m.snap.Transport))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderMessages() string {
	msgs := m.snap.Messages
	limit := len(msgs)
	if m.height > 0 {
		// header, dividers, indicator, alert, footer
		limit = max(1, (m.height-6)/2)
	}
	end := len(msgs) - m.scroll
	if end < 0 {
		end = 0
	}
	start := max(0, end-limit)

	var b strings.Builder
	for _, msg := range msgs[start:end] {
		label := InterviewerStyle.Render("Interviewer")
		if msg.Role == conversation.RoleUser {
			label = CandidateStyle.Render("You")
		}
		text := msg.Text
		if !msg.Final {
			text = PartialTextStyle.Render(text + "…")
		}
		if m.width > 0 {
			text = lipgloss.NewStyle().Width(m.width - 2).Render(text)
		}
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderIndicators() string {
	var parts []string
	ind := m.snap.Indicators
	if ind.Processing {
		parts = append(parts, "Processing…")
	}
	if ind.Sending {
		parts = append(parts, "Interviewer is typing…")
	}
	if ind.Speaking {
		parts = append(parts, "Speaking…")
	}
	if len(parts) == 0 {
		return ""
	}
	return IndicatorStyle.Render(strings.Join(parts, "  "))
}

func (m Model) alert() string {
	if m.errText != "" {
		return m.errText
	}
	return m.snap.Alert
}

func (m Model) renderFooter() string {
	record := "record"
	if m.snap.Recording {
		record = "stop"
	}
	return footer([][2]string{{"space", record}, {"↑/↓", "scroll"}, {"q", "leave"}})
}

func (m Model) divider() string {
	w := m.width
	if w <= 0 {
		w = 40
	}
	return DividerStyle.Render(strings.Repeat("─", w))
}

func footer(keys [][2]string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, FooterKeyStyle.Render(k[0])+" "+FooterDescStyle.Render(k[1]))
	}
	return strings.Join(parts, "  ")
}

func clock(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
