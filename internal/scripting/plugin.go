package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/plugin"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/session"
)

// Plugin loads every *.lua file of a directory into one sandboxed VM.
// Scripts subscribe with swarm.on(kind, fn); fn(bot, op) then runs for every
// matching operation received by any bot. Calls into the VM are serialised.
type Plugin struct {
	dir       string
	instLimit int
	logger    *zap.Logger

	mu     sync.Mutex
	L      *lua.LState
	hooks  map[protocol.Kind][]*lua.LFunction
	order  []protocol.Kind
	sealed bool
}

var _ plugin.Plugin = (*Plugin)(nil)

// NewPlugin returns a Plugin for the scripts in dir.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns an unloaded Plugin; scripts run on Register.
func NewPlugin(dir string, instLimit int, logger *zap.Logger) *Plugin {
	return &Plugin{
		dir:       dir,
		instLimit: instLimit,
		logger:    logger.With(zap.String("plugin", "lua:"+filepath.Base(dir))),
		hooks:     make(map[protocol.Kind][]*lua.LFunction),
	}
}

func (p *Plugin) Name() string { return "lua:" + filepath.Base(p.dir) }

// Register executes the scripts in lexicographic order and registers one
// operation handler per subscribed kind.
//
// Postcondition: Returns an error if the directory is unreadable or any
// script fails to load; no handler is registered in that case.
func (p *Plugin) Register(r plugin.Registrar) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", p.dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(p.dir, e.Name()))
		}
	}
	sort.Strings(files)

	L := NewSandboxedState(p.instLimit)
	p.registerModules(L)
	for _, path := range files {
		if err := withBudget(L, p.instLimit, func() error { return L.DoFile(path) }); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	p.mu.Lock()
	p.L = L
	p.sealed = true
	kinds := append([]protocol.Kind(nil), p.order...)
	p.mu.Unlock()

	for _, kind := range kinds {
		if err := r.RegisterOperationHandler(kind, p.handler(kind)); err != nil {
			return err
		}
	}
	p.logger.Info("lua scripts loaded", zap.Int("files", len(files)), zap.Int("subscriptions", len(kinds)))
	return nil
}

// Close releases the VM.
func (p *Plugin) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.L != nil {
		p.L.Close()
		p.L = nil
	}
}

// handler runs the hooks for kind with the VM locked. Operations the hooks
// request are queued on the bot only after the VM is released, so one bot
// with a full queue cannot hold up hooks for the rest of the swarm.
func (p *Plugin) handler(kind protocol.Kind) session.Handler {
	return func(ctx context.Context, bot session.Bot, op protocol.Operation) error {
		pending, hookErr := p.call(kind, bot, op)
		for _, out := range pending {
			if err := bot.Enqueue(ctx, out); err != nil {
				return errors.Join(hookErr, fmt.Errorf("lua handler for %s: sending %s: %w", kind, out.Kind(), err))
			}
		}
		return hookErr
	}
}

func (p *Plugin) call(kind protocol.Kind, bot session.Bot, op protocol.Operation) ([]protocol.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	L := p.L
	if L == nil {
		return nil, nil
	}

	var pending []protocol.Operation
	botTbl := newBotTable(L, bot, &pending)
	opTbl := newOpTable(L, op)
	for _, fn := range p.hooks[kind] {
		err := withBudget(L, p.instLimit, func() error {
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, botTbl, opTbl)
		})
		if err != nil {
			return pending, fmt.Errorf("lua handler for %s: %w", kind, err)
		}
	}
	return pending, nil
}
