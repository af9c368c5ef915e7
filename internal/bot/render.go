package bot

import (
	"fmt"

	"eventbot/internal/events"
	"eventbot/internal/reminder"
	"eventbot/pkg/tgui"
)

const (
	// listBodyLimit caps the visible text of /eventlist.
	listBodyLimit = 1990
	titleLimit    = 200

	msgNotFound = "No event reminder with that ID.\nIt may have been delivered already or cancelled."
	msgNoEvents = "No events are registered in this chat."
)

func (h *Handlers) times(r reminder.Reminder) string {
	label := h.ev.Zones().DisplayLabel
	return fmt.Sprintf("<b>%s</b> (%s <b>%s</b>)", tgui.Esc(r.ServerTime), tgui.Esc(label), tgui.Esc(r.DisplayTime))
}

func (h *Handlers) renderRegistered(r reminder.Reminder) tgui.H {
	return tgui.JoinH("\n",
		tgui.Raw("✅ "+tgui.B("Event reminder registered").String()),
		tgui.Raw("Server time "+h.times(r)+": this chat is notified 5 minutes before and at the start."),
		tgui.Raw("Title: "+tgui.Esc(r.Title).String()),
		tgui.Raw("ID: "+tgui.Code(r.ID).String()+" (cancel with /eventcancel and this ID)"),
	)
}

func (h *Handlers) renderDuplicate(res events.Result) (tgui.Message, error) {
	add, err := tgui.Data(confirmPrefix, confirmAction, res.ConfirmID+":"+confirmAdd)
	if err != nil {
		return tgui.Message{}, err
	}
	cancel, err := tgui.Data(confirmPrefix, confirmAction, res.ConfirmID+":"+confirmCancel)
	if err != nil {
		return tgui.Message{}, err
	}
	ex := res.Existing
	return tgui.New().
		Title("⚠", "An event at the same time is already registered in this chat.").
		Line(fmt.Sprintf("Existing: %q at %s", ex.Title, ex.ServerTime)).
		Blank().
		Line("Add another one at the same time?").
		Inline(tgui.ConfirmInline(tgui.Btn("Add anyway", add), tgui.Btn("Cancel", cancel))).
		Build(), nil
}

func (h *Handlers) renderAddedAnyway(r reminder.Reminder) tgui.H {
	return tgui.JoinH("\n",
		tgui.Raw("✅ "+tgui.B("Added next to the existing event at the same time.").String()),
		tgui.Raw("Server time "+h.times(r)),
		tgui.Raw("Title: "+tgui.Esc(r.Title).String()),
		tgui.Raw("ID: "+tgui.Code(r.ID).String()),
	)
}

func (h *Handlers) renderCancelled(r reminder.Reminder) tgui.H {
	return tgui.JoinH("\n",
		tgui.Raw("🗑 "+tgui.B("Event reminder cancelled").String()),
		tgui.Raw("ID: "+tgui.Code(r.ID).String()),
		tgui.Raw("Title: "+tgui.Esc(r.Title).String()),
		tgui.Raw("Server time: "+h.times(r)),
	)
}

// renderList cuts at an entry boundary so the HTML stays balanced.
func (h *Handlers) renderList(l events.Listing) tgui.H {
	if l.Total == 0 {
		return tgui.Esc(msgNoEvents)
	}
	entries := make([]tgui.H, 0, len(l.Items))
	for _, r := range l.Items {
		entries = append(entries, tgui.Raw("\n\n• "+tgui.B(tgui.TruncRunes(r.Title, titleLimit)).String()+" "+h.times(r)+
			"\n  ID: "+tgui.Code(r.ID).String()))
	}
	body, left := tgui.Fit(tgui.B(fmt.Sprintf("Events in this chat (%d)", l.Total)), entries, listBodyLimit)
	if more := l.Total - len(entries) + left; more > 0 {
		return tgui.Raw(body.String() + fmt.Sprintf("\n\n(+%d more)", more))
	}
	return body
}
