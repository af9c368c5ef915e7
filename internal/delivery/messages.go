package delivery

import (
	"strings"

	"eventbot/internal/reminder"
	"eventbot/pkg/tgui"
)

func (s *Scheduler) render(r reminder.Reminder, st Stage) string {
	tail := "5 minutes left."
	if st == StageStart {
		tail = "starts now."
	}
	cfg := s.config()

	var b strings.Builder
	if p := strings.TrimSpace(cfg.MentionPrefix); p != "" {
		b.WriteString(tgui.Esc(p).String())
		b.WriteByte('\n')
	}
	b.WriteString("⏰ ")
	b.WriteString(tgui.B("Event Reminder").String())
	b.WriteString("\nTitle: ")
	b.WriteString(tgui.Esc(r.Title).String())
	b.WriteString("\nServer time ")
	b.WriteString(r.ServerTime)
	b.WriteString(" (")
	b.WriteString(s.zones.DisplayLabel)
	b.WriteString(" ")
	b.WriteString(r.DisplayTime)
	b.WriteString(") — ")
	b.WriteString(tail)
	return b.String()
}
