// Package tgui holds Telegram UI helpers: HTML escaping, inline keyboards,
// callback data and a small HTML message builder.
package tgui
