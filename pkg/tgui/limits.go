package tgui

import "errors"

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

// MaxMessageRunes is the text limit of one Telegram message.
const MaxMessageRunes = 4096

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
