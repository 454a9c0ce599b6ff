package scripting_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/botswarm/internal/plugin"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/protocol/v117"
	"github.com/cory-johannsen/botswarm/internal/scripting"
	"github.com/cory-johannsen/botswarm/internal/session"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []protocol.Operation
	fail error
	pos  *session.Position
}

func (b *fakeBot) ID() string                { return "s-1" }
func (b *fakeBot) Name() string              { return "Bot_3" }
func (b *fakeBot) Slot() int                 { return 3 }
func (b *fakeBot) Version() protocol.Version { return v117.Version }
func (b *fakeBot) State() session.State      { return session.StateActive }
func (b *fakeBot) EntityID() int32           { return 42 }

func (b *fakeBot) Position() (session.Position, bool) {
	if b.pos == nil {
		return session.Position{}, false
	}
	return *b.pos, true
}

func (b *fakeBot) Enqueue(_ context.Context, op protocol.Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.sent = append(b.sent, op)
	return nil
}

func (b *fakeBot) Sent() []protocol.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Operation(nil), b.sent...)
}

func writeScripts(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600))
	}
	return dir
}

func load(t *testing.T, dir string, limit int) (*scripting.Plugin, session.Handlers) {
	t.Helper()
	p := scripting.NewPlugin(dir, limit, zaptest.NewLogger(t))
	t.Cleanup(p.Close)
	host := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, host.Load(p))
	return p, host.Handlers()
}

func dispatch(t *testing.T, hs session.Handlers, bot session.Bot, op protocol.Operation) error {
	t.Helper()
	for _, h := range hs[op.Kind()] {
		if err := h(context.Background(), bot, op); err != nil {
			return err
		}
	}
	return nil
}

func TestPlugin_Name(t *testing.T) {
	p := scripting.NewPlugin("/srv/scripts/greeter", 0, zaptest.NewLogger(t))
	assert.Equal(t, "lua:greeter", p.Name())
}

func TestPlugin_ChatReply(t *testing.T) {
	dir := writeScripts(t, map[string]string{"echo.lua": `
		swarm.on("chat_message", function(bot, op)
			if string.find(op.json, "hello") then
				bot.chat("hi from " .. bot.name .. " #" .. bot.slot)
			end
		end)
	`})
	_, hs := load(t, dir, 0)
	require.Len(t, hs[protocol.KindChatMessage], 1)

	bot := &fakeBot{}
	require.NoError(t, dispatch(t, hs, bot, protocol.ChatMessage{JSON: `{"text":"hello"}`}))
	require.NoError(t, dispatch(t, hs, bot, protocol.ChatMessage{JSON: `{"text":"bye"}`}))
	assert.Equal(t, []protocol.Operation{protocol.Chat{Message: "hi from Bot_3 #3"}}, bot.Sent())
}

func TestPlugin_MethodSyntaxAndMove(t *testing.T) {
	dir := writeScripts(t, map[string]string{"move.lua": `
		swarm.on("position_sync", function(bot, op)
			bot:move(op.x + 1, op.y, op.z - 1)
		end)
		swarm.on("update_health", function(bot, op)
			if op.health <= 0 then bot.respawn() end
		end)
	`})
	_, hs := load(t, dir, 0)

	bot := &fakeBot{}
	require.NoError(t, dispatch(t, hs, bot, protocol.PositionSync{X: 10, Y: 64, Z: 10}))
	require.NoError(t, dispatch(t, hs, bot, protocol.UpdateHealth{Health: 0}))
	require.NoError(t, dispatch(t, hs, bot, protocol.UpdateHealth{Health: 20}))
	assert.Equal(t, []protocol.Operation{
		protocol.PlayerMove{X: 11, Y: 64, Z: 9, OnGround: true},
		protocol.ClientStatus{Action: protocol.ActionRespawn},
	}, bot.Sent())
}

func TestPlugin_BotFieldsAndPosition(t *testing.T) {
	dir := writeScripts(t, map[string]string{"fields.lua": `
		swarm.on("keep_alive", function(bot, op)
			assert(bot.id == "s-1", "id")
			assert(bot.entity_id == 42, "entity_id")
			assert(bot.version == "1.17.1", "version")
			assert(bot.state == "active", "state")
			assert(op.id == 7, "op id")
			local x, y, z = bot.position()
			assert(x == 1 and y == 2 and z == 3, "position")
		end)
	`})
	_, hs := load(t, dir, 0)
	bot := &fakeBot{pos: &session.Position{X: 1, Y: 2, Z: 3}}
	assert.NoError(t, dispatch(t, hs, bot, protocol.KeepAlive{ID: 7}))
}

func TestPlugin_FilesLoadInOrder(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"b.lua":        `swarm.on("disconnect", function(bot, op) bot.chat("b") end)`,
		"a.lua":        `swarm.on("disconnect", function(bot, op) bot.chat("a") end)`,
		"notes.txt":    `this is not lua`,
		"c.lua.backup": `error("never loaded")`,
	})
	_, hs := load(t, dir, 0)
	bot := &fakeBot{}
	require.NoError(t, dispatch(t, hs, bot, protocol.Disconnect{Reason: "bye"}))
	assert.Equal(t, []protocol.Operation{protocol.Chat{Message: "a"}, protocol.Chat{Message: "b"}}, bot.Sent())
}

func TestPlugin_EnqueueFailureIsReturned(t *testing.T) {
	dir := writeScripts(t, map[string]string{"fail.lua": `
		swarm.on("chat_message", function(bot, op)
			local ok = bot.chat("x")
			assert(ok, "actions are accepted while the hook runs")
		end)
	`})
	_, hs := load(t, dir, 0)
	full := errors.New("queue full")
	bot := &fakeBot{fail: full}
	err := dispatch(t, hs, bot, protocol.ChatMessage{JSON: "{}"})
	require.ErrorIs(t, err, full)
	assert.Contains(t, err.Error(), "chat_message")
}

// stuckBot blocks every Enqueue until release is closed.
type stuckBot struct {
	fakeBot
	entered chan struct{}
	release chan struct{}
}

func (b *stuckBot) Enqueue(ctx context.Context, op protocol.Operation) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return b.fakeBot.Enqueue(ctx, op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPlugin_SlowBotDoesNotBlockOthers(t *testing.T) {
	dir := writeScripts(t, map[string]string{"reply.lua": `
		swarm.on("chat_message", function(bot, op) bot.chat("pong") end)
	`})
	_, hs := load(t, dir, 0)
	h := hs[protocol.KindChatMessage][0]

	stuck := &stuckBot{entered: make(chan struct{}, 1), release: make(chan struct{})}
	stuckDone := make(chan error, 1)
	go func() { stuckDone <- h(context.Background(), stuck, protocol.ChatMessage{JSON: "{}"}) }()
	select {
	case <-stuck.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stuck bot never reached Enqueue")
	}

	healthy := &fakeBot{}
	healthyDone := make(chan error, 1)
	go func() { healthyDone <- h(context.Background(), healthy, protocol.ChatMessage{JSON: "{}"}) }()
	select {
	case err := <-healthyDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("healthy bot waited on another bot's queue")
	}
	assert.Equal(t, []protocol.Operation{protocol.Chat{Message: "pong"}}, healthy.Sent())

	close(stuck.release)
	require.NoError(t, <-stuckDone)
	assert.Equal(t, []protocol.Operation{protocol.Chat{Message: "pong"}}, stuck.Sent())
}

func TestPlugin_HandlerErrorsAreReturned(t *testing.T) {
	dir := writeScripts(t, map[string]string{"boom.lua": `
		swarm.on("join_game", function(bot, op) error("boom") end)
	`})
	_, hs := load(t, dir, 0)
	err := dispatch(t, hs, &fakeBot{}, protocol.JoinGame{EntityID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPlugin_HandlerBudgetIsPerCall(t *testing.T) {
	dir := writeScripts(t, map[string]string{"loop.lua": `
		swarm.on("chat_message", function(bot, op)
			if op.json == "spin" then while true do end end
			bot.chat("ok")
		end)
	`})
	_, hs := load(t, dir, 1000)
	bot := &fakeBot{}
	require.Error(t, dispatch(t, hs, bot, protocol.ChatMessage{JSON: "spin"}))
	require.NoError(t, dispatch(t, hs, bot, protocol.ChatMessage{JSON: "{}"}))
	assert.Equal(t, []protocol.Operation{protocol.Chat{Message: "ok"}}, bot.Sent())
}

func TestPlugin_LoadErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":       `swarm.on("chat_message", function(`,
		"unknown kind": `swarm.on("teleport_everyone", function() end)`,
		"runaway":      `while true do end`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			dir := writeScripts(t, map[string]string{"bad.lua": src})
			p := scripting.NewPlugin(dir, 1000, zaptest.NewLogger(t))
			defer p.Close()
			host := plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t))
			err := host.Load(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "bad.lua")
			assert.Empty(t, host.Handlers())
		})
	}
}

func TestPlugin_MissingDir(t *testing.T) {
	p := scripting.NewPlugin(filepath.Join(t.TempDir(), "absent"), 0, zaptest.NewLogger(t))
	err := p.Register(plugin.NewHost(protocol.NewRegistry(), zaptest.NewLogger(t)))
	assert.Error(t, err)
}

func TestPlugin_OnAfterLoadIsRejected(t *testing.T) {
	dir := writeScripts(t, map[string]string{"late.lua": `
		swarm.on("keep_alive", function(bot, op)
			swarm.on("chat_message", function() end)
		end)
	`})
	_, hs := load(t, dir, 0)
	err := dispatch(t, hs, &fakeBot{}, protocol.KeepAlive{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only available while scripts load")
}
