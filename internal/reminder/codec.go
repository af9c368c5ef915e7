package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"eventbot/internal/storage"
)

// Durable field names.
const (
	fChannel   = "channelId"
	fGuild     = "guildId"
	fTitle     = "eventTitle"
	fServer    = "serverStr"
	fDisplay   = "jstStr"
	fEventAtMs = "eventUtcMs"
	fCreatedBy = "createdBy"
	fSent5Min  = "sent5min"
	fSentStart = "sentStart"
)

func encode(r Reminder) storage.Fields {
	return storage.Fields{
		fChannel:   r.ChannelRef,
		fGuild:     r.GuildRef,
		fTitle:     r.Title,
		fServer:    r.ServerTime,
		fDisplay:   r.DisplayTime,
		fEventAtMs: r.EventAt.UnixMilli(),
		fCreatedBy: r.CreatedBy,
		fSent5Min:  r.Sent5Min,
		fSentStart: r.SentStart,
	}
}

func decode(rec storage.Record) (Reminder, error) {
	if rec.Fields == nil {
		return Reminder{}, errors.New("no fields")
	}
	f := rec.Fields
	r := Reminder{
		ID:          rec.Key,
		ChannelRef:  str(f[fChannel]),
		GuildRef:    str(f[fGuild]),
		Title:       str(f[fTitle]),
		ServerTime:  str(f[fServer]),
		DisplayTime: str(f[fDisplay]),
		CreatedBy:   str(f[fCreatedBy]),
	}
	switch {
	case r.ChannelRef == "":
		return Reminder{}, fmt.Errorf("missing %s", fChannel)
	case r.Title == "":
		return Reminder{}, fmt.Errorf("missing %s", fTitle)
	case r.ServerTime == "":
		return Reminder{}, fmt.Errorf("missing %s", fServer)
	}
	ms, err := millis(f[fEventAtMs])
	if err != nil {
		return Reminder{}, fmt.Errorf("%s: %w", fEventAtMs, err)
	}
	r.EventAt = time.UnixMilli(ms).UTC()
	if r.Sent5Min, err = flag(f[fSent5Min]); err != nil {
		return Reminder{}, fmt.Errorf("%s: %w", fSent5Min, err)
	}
	if r.SentStart, err = flag(f[fSentStart]); err != nil {
		return Reminder{}, fmt.Errorf("%s: %w", fSentStart, err)
	}
	return r, nil
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func millis(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func flag(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	default:
		return false, fmt.Errorf("unexpected type %T", v)
	}
}
