// Package v114 implements the 1.14.4 (protocol 498) dialect.
package v114

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cory-johannsen/botswarm/internal/protocol"
)

// Version describes the 1.14.4 release.
var Version = protocol.Version{ID: "1.14.4", Protocol: 498, Name: "Minecraft 1.14.4"}

// Aliases are the short identifiers that resolve to Version.
var Aliases = []string{"1.14"}

// Play-phase packet IDs.
const (
	idTeleportConfirm = 0x00
	idChat            = 0x03
	idClientStatus    = 0x04
	idKeepAliveOut    = 0x0F
	idPosition        = 0x11
	idPositionLook    = 0x12

	idChatMessage  = 0x0E
	idDisconnect   = 0x1A
	idKeepAliveIn  = 0x20
	idJoinGame     = 0x25
	idPositionSync = 0x35
	idUpdateHealth = 0x48
)

const hardcoreBit = 0x08

var dialect = protocol.MustDialect(Version,
	protocol.HandshakePackets(),
	protocol.StatusPackets(),
	protocol.LoginPackets(loginSuccess),
	playPackets(),
)

// Dialect returns the 1.14.4 packet table.
func Dialect() *protocol.Dialect { return dialect }

// NewCodec returns a fresh 1.14.4 codec for side.
func NewCodec(side protocol.Side) protocol.Codec { return protocol.NewCodec(dialect, side) }

// 1.14 sends the player UUID as a hyphenated string.
var loginSuccess = protocol.Packet{
	Phase: protocol.PhaseLogin, Bound: protocol.Clientbound, ID: 0x02, Kind: protocol.KindLoginSuccess,
	Encode: func(w *protocol.Writer, op protocol.Operation) error {
		ls, err := protocol.As[protocol.LoginSuccess](op)
		if err != nil {
			return err
		}
		if err := w.String(ls.UUID.String(), 36); err != nil {
			return err
		}
		return w.String(ls.Name, protocol.MaxNameLength)
	},
	Decode: func(r *protocol.Reader) (protocol.Operation, error) {
		raw := r.String(36)
		name := r.String(protocol.MaxNameLength)
		if r.Err() != nil {
			return nil, r.Err()
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("login success uuid: %w", err)
		}
		return protocol.LoginSuccess{UUID: id, Name: name}, nil
	},
}

func playPackets() []protocol.Packet {
	out := []protocol.Packet{
		protocol.TeleportConfirmPacket(idTeleportConfirm),
		protocol.ChatPacket(idChat),
		protocol.ClientStatusPacket(idClientStatus),
		protocol.KeepAlivePacket(protocol.Serverbound, idKeepAliveOut),
		protocol.KeepAlivePacket(protocol.Clientbound, idKeepAliveIn),
		protocol.DisconnectPacket(idDisconnect),
		protocol.UpdateHealthPacket(idUpdateHealth),
		{
			Phase: protocol.PhasePlay, Bound: protocol.Clientbound, ID: idChatMessage, Kind: protocol.KindChatMessage,
			Encode: func(w *protocol.Writer, op protocol.Operation) error {
				msg, err := protocol.As[protocol.ChatMessage](op)
				if err != nil {
					return err
				}
				if msg.Sender != uuid.Nil {
					return fmt.Errorf("%w: chat sender requires 1.16 or later", protocol.ErrNotRepresentable)
				}
				if err := w.String(msg.JSON, protocol.MaxJSONLength); err != nil {
					return err
				}
				w.Byte(msg.Position)
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				return protocol.ChatMessage{JSON: r.String(protocol.MaxJSONLength), Position: r.Byte()}, nil
			},
		},
		{
			Phase: protocol.PhasePlay, Bound: protocol.Clientbound, ID: idJoinGame, Kind: protocol.KindJoinGame,
			Encode: func(w *protocol.Writer, op protocol.Operation) error {
				jg, err := protocol.As[protocol.JoinGame](op)
				if err != nil {
					return err
				}
				if jg.GameMode > 3 {
					return fmt.Errorf("game mode %d invalid", jg.GameMode)
				}
				mode := jg.GameMode
				if jg.Hardcore {
					mode |= hardcoreBit
				}
				w.Int32(jg.EntityID)
				w.Byte(mode)
				w.Int32(0) // overworld
				w.Byte(20)
				if err := w.String("default", 16); err != nil {
					return err
				}
				w.VarInt(10)
				w.Bool(false)
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				entity := r.Int32()
				mode := r.Byte()
				return protocol.JoinGame{
					EntityID: entity,
					Hardcore: mode&hardcoreBit != 0,
					GameMode: mode &^ hardcoreBit,
				}, nil
			},
		},
		{
			Phase: protocol.PhasePlay, Bound: protocol.Clientbound, ID: idPositionSync, Kind: protocol.KindPositionSync,
			Encode: func(w *protocol.Writer, op protocol.Operation) error {
				ps, err := protocol.As[protocol.PositionSync](op)
				if err != nil {
					return err
				}
				if ps.Dismount {
					return fmt.Errorf("%w: dismount flag requires 1.17 or later", protocol.ErrNotRepresentable)
				}
				w.Float64(ps.X)
				w.Float64(ps.Y)
				w.Float64(ps.Z)
				w.Float32(ps.Yaw)
				w.Float32(ps.Pitch)
				w.Byte(ps.Flags)
				w.VarInt(ps.TeleportID)
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				return protocol.PositionSync{
					X: r.Float64(), Y: r.Float64(), Z: r.Float64(),
					Yaw: r.Float32(), Pitch: r.Float32(),
					Flags:      r.Byte(),
					TeleportID: r.VarInt(),
				}, nil
			},
		},
	}
	return append(out, protocol.PlayerMovePackets(idPosition, idPositionLook)...)
}
