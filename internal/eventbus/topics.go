package eventbus

// Reminder lifecycle topics. Data is a ReminderEvent.
const (
	ReminderCreated = "reminder.created"
	ReminderUpdated = "reminder.updated"
	ReminderDeleted = "reminder.deleted"
	ReminderFired   = "reminder.fired"
	ReminderSwept   = "reminder.swept"
)

// Confirmation topics. Data is a ConfirmEvent.
const (
	ConfirmProposed = "confirm.proposed"
	ConfirmResolved = "confirm.resolved"
	ConfirmExpired  = "confirm.expired"
)

// Other topics.
const (
	TranslateDone  = "translate.done"
	ConfigReloaded = "config.reloaded"
)

type ReminderEvent struct {
	ID         string
	ChannelRef string
	Stage      string // fired: "5min" or "start"; swept: "stale" or "completed"
}

type ConfirmEvent struct {
	ConfirmID  string
	ChannelRef string
}

type TranslateEvent struct {
	ChatID    int64
	MessageID int
	Lang      string
	Err       string
}
