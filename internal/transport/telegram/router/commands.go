package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"eventbot/internal/runtime/supervisor"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

const (
	msgUnknownCommand = "Unknown command. Try /help"
	msgUnauthorized   = "unauthorized"
	msgBusy           = "busy, try again"
)

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // prefix -> action -> route

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	hooks   Hooks
	rt      *Runtime

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, hooks Hooks, rt *Runtime) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rt == nil {
		rt = &Runtime{}
	}
	ownCopy := append([]int64(nil), owners...)
	return &CommandManager{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		hooks:     hooks,
		rt:        rt,
		owners:    ownCopy,
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue (the jobs channel may be closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for owner-only checks.
func (m *CommandManager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return m.sendHelp(ctx, req.Chat, req.replyTo(), req.Args)
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c
		root.add(route, cc)
		menuCandidates = append(menuCandidates, cc)

		leaf := root.find(route)
		// The canonical single-token name never goes into the alias map,
		// otherwise "/a b" would hit the alias for "a" and skip subcommands.
		if leaf != nil {
			if menu, ok := menuName(route); ok {
				if len(route) > 1 || menu != route[0] {
					if _, exists := alias[menu]; !exists {
						alias[menu] = leaf
					}
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := commandName(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		p := strings.TrimSpace(r.Prefix)
		a := strings.TrimSpace(r.Action)
		if p == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[p] == nil {
			cb[p] = map[string]CallbackRoute{}
		}
		cb[p][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := menuCommands(root, menuCandidates)
		run := func(parent context.Context) {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}
		if m.rt.AppSupervisor != nil {
			m.rt.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
				run(ctx)
				return nil
			})
		} else {
			go run(context.Background())
		}
	}
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.rt.Supervisors.Set("telegram.router", sup)

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.rt.Supervisors.Delete("telegram.router")
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	case kit.UpdateReaction:
		m.routeReaction(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	if m.hooks.OnMessage != nil {
		m.hooks.OnMessage(msg)
	}
	text := strings.TrimSpace(msg.Text)
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if strings.EqualFold(text, "!help") {
		m.tryEnqueue(func() {
			if err := m.sendHelp(root, to, replyToFor(msg), nil); err != nil {
				m.log.Warn("help send failed", logx.Err(err))
			}
		})
		return
	}
	if !strings.HasPrefix(text, "/") {
		return
	}

	word, botName, rest := splitCommandWord(text)
	if word == "" {
		return
	}
	if botName != "" && !m.addressedToUs(botName) {
		return
	}
	args := tokenizeCommandLine(rest)

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(root, up, cmd, splitRoute(cmd.Route), pos, args, rest, flags, bools)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Groups often host several bots; stay quiet there.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, to, msgUnknownCommand, nil)
		}
		return
	}
	path := []string{word}
	argText := rest
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") {
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
		argText = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(argText), nxt))
	}

	if cur.cmd == nil {
		m.tryEnqueue(func() { _ = m.sendHelp(root, to, replyToFor(msg), path) })
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, cmd, path, pos, args, argText, flags, bools)
}

// addressedToUs reports whether "/cmd@name" targets this bot. Adapters that
// cannot tell their own username accept every mention.
func (m *CommandManager) addressedToUs(name string) bool {
	u, ok := m.adapter.(interface{ Username() string })
	if !ok || u.Username() == "" {
		return true
	}
	return strings.EqualFold(u.Username(), name)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path, args, raw []string, argText string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.adapter.SendText(root, to, msgUnauthorized, nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:    up,
		Message:   msg,
		Chat:      to,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      args,
		RawArgs:   raw,
		ArgText:   strings.TrimSpace(argText),
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		OwnerUserID: owners,
	}

	final := standardChain(cmd.Handle, m.log, cmd.Timeout)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, to, msgBusy, nil)
	}
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	prefix, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[prefix][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	owners := m.ownersSnapshot()
	if route.Access == CallbackAccessOwnerOnly && !isOwner(cb.FromID, owners) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}
	rid := newReqID()
	key := "cb:" + prefix + ":" + action
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: key,
		Payload: payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int("thread_id", cb.ThreadID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", key),
		),
		OwnerUserID: owners,
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := standardChain(h, m.log, route.Timeout)

	if !m.tryEnqueue(func() {
		_ = final(root, req)
		// stops the client spinner if the handler did not answer
		_ = req.Answer(root, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (m *CommandManager) routeReaction(root context.Context, up kit.Update) {
	if up.Reaction == nil || m.hooks.OnReaction == nil || len(up.Reaction.Added) == 0 {
		return
	}
	r := *up.Reaction
	if !m.tryEnqueue(func() {
		defer func() {
			if p := recover(); p != nil {
				m.log.Error("panic in reaction hook", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
		}()
		m.hooks.OnReaction(root, r)
	}) {
		m.log.Warn("reaction dropped, queue full", logx.Int64("chat_id", r.ChatID), logx.Int("msg_id", r.MessageID))
	}
}

func (m *CommandManager) sendHelp(ctx context.Context, to kit.ChatTarget, replyTo int, path []string) error {
	text := m.helpText(path)
	ref, err := m.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyTo: replyTo})
	if err != nil {
		return err
	}
	if m.hooks.OnHelpSent != nil {
		m.hooks.OnHelpSent(to, ref, tgui.PlainText(text))
	}
	return nil
}

func (r *Request) replyTo() int {
	return replyToFor(r.Message)
}

func replyToFor(m *kit.Message) int {
	if m == nil || !m.IsGroup {
		return 0
	}
	return m.ID
}
