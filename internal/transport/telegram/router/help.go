package router

import (
	"slices"
	"strings"

	"eventbot/pkg/tgui"
)

var helpUnknown = tgui.New().
	Title("❓", "Unknown command").
	HTML("Type " + tgui.Code("/help") + " to list commands.").
	Build().Text

// helpText renders the help for path in Telegram HTML. An empty path lists
// the top-level commands.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return m.helpIndex(root)
	}
	node, full, ok := resolveHelp(root, alias, path)
	if !ok {
		return helpUnknown
	}
	return helpPage(node, full)
}

// resolveHelp walks path down the tree. A token that is not a child may name
// an alias, which jumps straight to its command.
func resolveHelp(root *cmdNode, alias map[string]*cmdNode, path []string) (*cmdNode, []string, bool) {
	cur := root
	full := make([]string, 0, len(path))
	for _, tok := range path {
		if n, ok := cur.child(tok); ok {
			cur, full = n, append(full, n.name)
			continue
		}
		leaf := alias[strings.ToLower(tok)]
		if leaf == nil || leaf.cmd == nil {
			return nil, nil, false
		}
		return leaf, splitRoute(leaf.cmd.Route), true
	}
	return cur, full, true
}

func helpRow(cmd, desc string, locked bool) tgui.H {
	row := tgui.Raw("• ")
	if locked {
		row += tgui.Raw(lockMark)
	}
	row += tgui.Code(cmd)
	if desc != "" {
		row += " - " + tgui.Esc(desc)
	}
	return row
}

func (m *CommandManager) helpIndex(root *cmdNode) string {
	type row struct {
		name   string
		desc   string
		locked bool
	}
	var rows []row
	for _, name := range root.childNames() {
		if n, _ := root.child(name); n != nil {
			rows = append(rows, row{name: name, desc: n.summary(), locked: n.ownerOnly()})
		}
	}
	// open commands first; childNames is already sorted
	slices.SortStableFunc(rows, func(a, b row) int {
		switch {
		case a.locked == b.locked:
			return 0
		case b.locked:
			return -1
		default:
			return 1
		}
	})

	b := tgui.New().
		Title("📚", "Commands").
		HTML("Type " + tgui.Code("/help <cmd>") + " for details.").
		Blank()
	for _, r := range rows {
		b.HTML(helpRow("/"+r.name, r.desc, r.locked))
	}
	if m.hooks.HelpFooter != nil {
		if f := strings.TrimSpace(m.hooks.HelpFooter()); f != "" {
			b.Blank().HTML(tgui.Raw(f))
		}
	}
	return b.Build().Text
}

func helpPage(cur *cmdNode, full []string) string {
	b := tgui.New().HTML("📚 " + tgui.B("Help") + " " + tgui.Code("/"+strings.Join(full, " ")))

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.Line(d)
		}
		if c.Access == AccessOwnerOnly {
			b.HTML(tgui.Raw(lockMark) + tgui.I("Owner only"))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.Blank().HTML(tgui.B("Usage")).HTML(tgui.Code(u))
		}
		if short := shortcuts(*c); len(short) > 0 {
			b.Blank().HTML(tgui.B("Shortcuts"))
			for _, s := range short {
				b.HTML("• " + tgui.Code("/"+s))
			}
		}
	} else {
		b.Line("Command group.")
		if cur.ownerOnly() {
			b.HTML(tgui.Raw(lockMark) + tgui.I("Owner only"))
		}
	}

	if len(cur.children) > 0 {
		b.Blank().HTML(tgui.B("Subcommands"))
		for _, name := range cur.childNames() {
			n := cur.children[name]
			cmd := "/" + strings.Join(append(slices.Clone(full), name), " ")
			b.HTML(helpRow(cmd, n.summary(), n.ownerOnly()))
		}
	}
	return b.Build().Text
}

// shortcuts lists every other way to invoke c: its flat menu name and each
// single-token alias, raw and folded.
func shortcuts(c Command) []string {
	var out []string
	if name, ok := menuName(splitRoute(c.Route)); ok {
		out = append(out, name)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		out = append(out, a)
		if folded := commandName(a); folded != "" {
			out = append(out, folded)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
