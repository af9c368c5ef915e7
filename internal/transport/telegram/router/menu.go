package router

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	kit "eventbot/internal/transport"
	"eventbot/pkg/tgui"
)

// Telegram bot command limits.
const (
	maxCommandLen  = 32
	maxMenuDescLen = 256
	maxMenuEntries = 100
	lockMark       = "🔒 "
)

// commandName folds s into a Telegram command name ([a-z0-9_], at most 32
// bytes, starting with a letter). Separators collapse to one underscore and
// any other rune is dropped. It returns "" when nothing usable is left.
func commandName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			pendingSep = true
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// menuName is the flat command for a route: ["event","list"] -> "event_list".
func menuName(route []string) (string, bool) {
	name := commandName(strings.Join(route, "_"))
	return name, name != ""
}

type menuEntry struct {
	kit.BotCommand
	rank int // 0 for top-level entries, 1 for flattened subcommands
}

// menuCommands builds the bot command menu: every top-level node first, then
// one flattened entry per multi-token route. On a name clash the lower rank
// wins, then the shorter description.
func menuCommands(root *cmdNode, cmds []Command) []kit.BotCommand {
	byName := map[string]menuEntry{}
	put := func(name, desc string, locked bool, rank int) {
		if name = commandName(name); name == "" {
			return
		}
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if locked {
			desc = lockMark + desc
		}
		desc = tgui.TruncRunes(desc, maxMenuDescLen-1)
		e := menuEntry{BotCommand: kit.BotCommand{Command: name, Description: desc}, rank: rank}
		if cur, ok := byName[name]; ok && (cur.rank < rank || cur.rank == rank && len(cur.Description) <= len(desc)) {
			return
		}
		byName[name] = e
	}

	if root != nil {
		for _, name := range root.childNames() {
			if n, _ := root.child(name); n != nil {
				put(name, n.summary(), n.ownerOnly(), 0)
			}
		}
	}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := menuName(route); ok {
			desc := cmp.Or(strings.TrimSpace(c.Description), strings.Join(route, " "))
			put(name, desc, c.Access == AccessOwnerOnly, 1)
		}
	}

	entries := make([]menuEntry, 0, len(byName))
	for _, e := range byName {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b menuEntry) int {
		return cmp.Or(cmp.Compare(a.rank, b.rank), strings.Compare(a.Command, b.Command))
	})
	if len(entries) > maxMenuEntries {
		entries = entries[:maxMenuEntries]
	}
	out := make([]kit.BotCommand, len(entries))
	for i, e := range entries {
		out[i] = e.BotCommand
	}
	return out
}
