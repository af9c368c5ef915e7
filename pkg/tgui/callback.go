package tgui

import "strings"

// Data formats callback data as "prefix:action[:payload]". The payload is
// not escaped and may itself contain colons.
func Data(prefix, action, payload string) (string, error) {
	s := strings.TrimSpace(prefix) + ":" + strings.TrimSpace(action)
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}
