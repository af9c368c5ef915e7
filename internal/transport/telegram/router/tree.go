package router

import (
	"sort"
	"strings"
)

// cmdNode is one token of a command route. Leaves carry the command.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

func (r *cmdNode) add(route []string, c Command) {
	cur := r
	for _, tok := range route {
		n, ok := cur.children[tok]
		if !ok {
			n = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = n
		}
		cur = n
	}
	cur.cmd = &c
}

func (r *cmdNode) find(path []string) *cmdNode {
	cur := r
	for _, tok := range path {
		n, ok := cur.children[tok]
		if !ok {
			return nil
		}
		cur = n
	}
	return cur
}

func (r *cmdNode) child(name string) (*cmdNode, bool) {
	n, ok := r.children[strings.ToLower(name)]
	return n, ok
}

func (r *cmdNode) childNames() []string {
	out := make([]string, 0, len(r.children))
	for k := range r.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// summary is the one-line description of a node: its command description,
// or the first few subcommands of a group.
func (r *cmdNode) summary() string {
	if r == nil {
		return ""
	}
	if r.cmd != nil {
		if d := strings.TrimSpace(r.cmd.Description); d != "" {
			return d
		}
	}
	kids := r.childNames()
	if len(kids) == 0 {
		return ""
	}
	const shown = 3
	if len(kids) > shown {
		kids = append(kids[:shown:shown], "…")
	}
	return "subcommands: " + strings.Join(kids, ", ")
}

// ownerOnly reports whether the node is closed to non-owners. A group is
// closed when no command below it is open to everyone.
func (r *cmdNode) ownerOnly() bool {
	if r == nil {
		return false
	}
	if r.cmd != nil {
		return r.cmd.Access == AccessOwnerOnly
	}
	return r.closed()
}

func (r *cmdNode) closed() bool {
	if r.cmd != nil && r.cmd.Access == AccessEveryone {
		return false
	}
	for _, ch := range r.children {
		if !ch.closed() {
			return false
		}
	}
	return true
}
