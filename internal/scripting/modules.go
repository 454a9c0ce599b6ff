package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/session"
)

// registerModules defines the swarm global in L.
//
// Postcondition: swarm.on and swarm.log are callable from scripts.
func (p *Plugin) registerModules(L *lua.LState) {
	swarm := L.NewTable()
	L.SetField(swarm, "on", L.NewFunction(p.luaOn))
	L.SetField(swarm, "log", L.NewFunction(p.luaLog))
	L.SetGlobal("swarm", swarm)
}

// luaOn implements swarm.on(kind, fn).
func (p *Plugin) luaOn(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	if p.sealed {
		L.RaiseError("swarm.on is only available while scripts load")
		return 0
	}
	kind, err := protocol.ParseKind(name)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if _, seen := p.hooks[kind]; !seen {
		p.order = append(p.order, kind)
	}
	p.hooks[kind] = append(p.hooks[kind], fn)
	return 0
}

func (p *Plugin) luaLog(L *lua.LState) int {
	p.logger.Info("lua", zap.String("message", L.CheckString(1)))
	return 0
}

// newBotTable exposes bot to a handler call. Methods work with either
// bot.chat(msg) or bot:chat(msg). chat, move and respawn append to pending,
// which the caller sends once the hooks return.
func newBotTable(L *lua.LState, bot session.Bot, pending *[]protocol.Operation) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "name", lua.LString(bot.Name()))
	L.SetField(t, "slot", lua.LNumber(bot.Slot()))
	L.SetField(t, "id", lua.LString(bot.ID()))
	L.SetField(t, "entity_id", lua.LNumber(bot.EntityID()))
	L.SetField(t, "version", lua.LString(bot.Version().ID))
	L.SetField(t, "state", lua.LString(bot.State().String()))

	send := func(L *lua.LState, op protocol.Operation) int {
		*pending = append(*pending, op)
		L.Push(lua.LTrue)
		return 1
	}

	L.SetField(t, "chat", L.NewFunction(func(L *lua.LState) int {
		return send(L, protocol.Chat{Message: L.CheckString(argBase(L))})
	}))
	L.SetField(t, "move", L.NewFunction(func(L *lua.LState) int {
		b := argBase(L)
		return send(L, protocol.PlayerMove{
			X:        float64(L.CheckNumber(b)),
			Y:        float64(L.CheckNumber(b + 1)),
			Z:        float64(L.CheckNumber(b + 2)),
			OnGround: L.OptBool(b+3, true),
		})
	}))
	L.SetField(t, "respawn", L.NewFunction(func(L *lua.LState) int {
		return send(L, protocol.ClientStatus{Action: protocol.ActionRespawn})
	}))
	L.SetField(t, "position", L.NewFunction(func(L *lua.LState) int {
		pos, ok := bot.Position()
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(pos.X))
		L.Push(lua.LNumber(pos.Y))
		L.Push(lua.LNumber(pos.Z))
		return 3
	}))
	return t
}

// argBase skips the receiver when a method is called with colon syntax.
func argBase(L *lua.LState) int {
	if _, ok := L.Get(1).(*lua.LTable); ok {
		return 2
	}
	return 1
}

// newOpTable flattens op into a table with a kind field plus its payload.
func newOpTable(L *lua.LState, op protocol.Operation) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "kind", lua.LString(op.Kind().String()))
	switch o := op.(type) {
	case protocol.ChatMessage:
		L.SetField(t, "json", lua.LString(o.JSON))
		L.SetField(t, "position", lua.LNumber(o.Position))
		L.SetField(t, "sender", lua.LString(o.Sender.String()))
	case protocol.KeepAlive:
		L.SetField(t, "id", lua.LNumber(o.ID))
	case protocol.Ping:
		L.SetField(t, "id", lua.LNumber(o.ID))
	case protocol.JoinGame:
		L.SetField(t, "entity_id", lua.LNumber(o.EntityID))
		L.SetField(t, "game_mode", lua.LNumber(o.GameMode))
		L.SetField(t, "hardcore", lua.LBool(o.Hardcore))
	case protocol.PositionSync:
		L.SetField(t, "x", lua.LNumber(o.X))
		L.SetField(t, "y", lua.LNumber(o.Y))
		L.SetField(t, "z", lua.LNumber(o.Z))
		L.SetField(t, "yaw", lua.LNumber(o.Yaw))
		L.SetField(t, "pitch", lua.LNumber(o.Pitch))
		L.SetField(t, "teleport_id", lua.LNumber(o.TeleportID))
	case protocol.UpdateHealth:
		L.SetField(t, "health", lua.LNumber(o.Health))
		L.SetField(t, "food", lua.LNumber(o.Food))
		L.SetField(t, "saturation", lua.LNumber(o.Saturation))
	case protocol.Disconnect:
		L.SetField(t, "reason", lua.LString(o.Reason))
	case protocol.Unknown:
		L.SetField(t, "id", lua.LNumber(o.ID))
		L.SetField(t, "data", lua.LString(string(o.Data)))
	}
	return t
}
