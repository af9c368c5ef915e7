package bot

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"eventbot/internal/transport"
	"eventbot/internal/transport/telegram/router"
)

func (h *Handlers) cmdStatus(ctx context.Context, req *router.Request) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, h.statusText(), &transport.SendOptions{DisablePreview: true})
	return err
}

// statusText is plain text so a stray character can never break parsing.
func (h *Handlers) statusText() string {
	o := h.opt
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var b strings.Builder
	b.Grow(1024)
	b.WriteString("🏥 Bot Status\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "Uptime: %s\n", durRel(h.clock.Since(h.started)))
	if o.Store != nil {
		fmt.Fprintf(&b, "Reminders: %d\n", o.Store.Len())
	}
	if o.Broker != nil {
		fmt.Fprintf(&b, "Pending confirmations: %d\n", o.Broker.Len())
	}
	if h.tr != nil {
		state := "off"
		if h.tr.Enabled() {
			state = "on"
		}
		fmt.Fprintf(&b, "Translation: %s", state)
		if o.Cache != nil {
			fmt.Fprintf(&b, " (%d cached messages)", o.Cache.Len())
		}
		b.WriteString("\n")
	}

	b.WriteString("\n💾 Memory\n")
	fmt.Fprintf(&b, "  • Allocated: %s\n", fmtBytes(m.Alloc))
	fmt.Fprintf(&b, "  • System:    %s\n", fmtBytes(m.Sys))
	fmt.Fprintf(&b, "  • Goroutines: %d\n", runtime.NumGoroutine())

	if o.Engine != nil {
		s := o.Engine.Snapshot()
		b.WriteString("\n📊 Task Engine\n")
		fmt.Fprintf(&b, "  • Enabled: %v\n", s.Enabled)
		if s.Enabled {
			fmt.Fprintf(&b, "  • Workers: %d\n", s.Workers)
			fmt.Fprintf(&b, "  • Queue:   %d/%d (in flight %d)\n", s.QueueLen, s.QueueCap, s.InFlight)
			fmt.Fprintf(&b, "  • Dropped: %d, skipped: %d\n", s.Dropped, s.Skipped)
		}
		if n := len(s.History); n > 0 {
			last := s.History[n-1]
			res := "ok"
			if last.Error != "" {
				res = last.Error
			}
			fmt.Fprintf(&b, "  • Last: %s (%s) %s\n", last.Name, durRel(last.Duration), res)
		}
	}

	if o.Scheduler != nil {
		s := o.Scheduler.Snapshot()
		b.WriteString("\n⏱ Scheduler\n")
		fmt.Fprintf(&b, "  • Timezone: %s\n", s.Timezone)
		fmt.Fprintf(&b, "  • One-shot timers: %d\n", s.Once)
		for _, si := range s.Schedules {
			next := "-"
			if !si.Next.IsZero() {
				next = "in " + durRel(si.Next.Sub(h.clock.Now()))
			}
			fmt.Fprintf(&b, "  • %s [%s] next %s\n", si.Name, si.Spec, next)
		}
	}

	if o.Supervisors != nil {
		sups := o.Supervisors.Snapshot()
		names := make([]string, 0, len(sups))
		for n := range sups {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) > 0 {
			b.WriteString("\n🧵 Supervisors\n")
		}
		for _, n := range names {
			var restarts, panics uint64
			for _, st := range sups[n].Stats() {
				restarts += st.Restarts
				panics += st.Panics
			}
			fmt.Fprintf(&b, "  • %s: %d active, %d restarts, %d panics\n", n, sups[n].Active(), restarts, panics)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
