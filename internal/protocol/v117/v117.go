// Package v117 implements the 1.17.1 (protocol 756) dialect.
package v117

import (
	"fmt"

	"github.com/cory-johannsen/botswarm/internal/protocol"
)

// Version describes the 1.17.1 release.
var Version = protocol.Version{ID: "1.17.1", Protocol: 756, Name: "Minecraft 1.17.1"}

// Aliases are the short identifiers that resolve to Version.
var Aliases = []string{"1.17"}

// Play-phase packet IDs.
const (
	idTeleportConfirm = 0x00
	idChat            = 0x03
	idClientStatus    = 0x04
	idKeepAliveOut    = 0x0F
	idPosition        = 0x11
	idPositionLook    = 0x12
	idPong            = 0x1D

	idChatMessage  = 0x0F
	idDisconnect   = 0x1A
	idKeepAliveIn  = 0x21
	idJoinGame     = 0x26
	idPing         = 0x30
	idPositionSync = 0x38
	idUpdateHealth = 0x52
)

var dialect = protocol.MustDialect(Version,
	protocol.HandshakePackets(),
	protocol.StatusPackets(),
	protocol.LoginPackets(loginSuccess),
	playPackets(),
)

// Dialect returns the 1.17.1 packet table.
func Dialect() *protocol.Dialect { return dialect }

// NewCodec returns a fresh 1.17.1 codec for side.
func NewCodec(side protocol.Side) protocol.Codec { return protocol.NewCodec(dialect, side) }

// Since 1.16 the player UUID travels as two big-endian longs.
var loginSuccess = protocol.Packet{
	Phase: protocol.PhaseLogin, Bound: protocol.Clientbound, ID: 0x02, Kind: protocol.KindLoginSuccess,
	Encode: func(w *protocol.Writer, op protocol.Operation) error {
		ls, err := protocol.As[protocol.LoginSuccess](op)
		if err != nil {
			return err
		}
		w.UUID(ls.UUID)
		return w.String(ls.Name, protocol.MaxNameLength)
	},
	Decode: func(r *protocol.Reader) (protocol.Operation, error) {
		return protocol.LoginSuccess{UUID: r.UUID(), Name: r.String(protocol.MaxNameLength)}, nil
	},
}

func int32Packet(bound protocol.Direction, id int32, kind protocol.Kind,
	get func(protocol.Operation) (int32, error), build func(int32) protocol.Operation) protocol.Packet {
	return protocol.Packet{
		Phase: protocol.PhasePlay, Bound: bound, ID: id, Kind: kind,
		Encode: func(w *protocol.Writer, op protocol.Operation) error {
			v, err := get(op)
			if err != nil {
				return err
			}
			w.Int32(v)
			return nil
		},
		Decode: func(r *protocol.Reader) (protocol.Operation, error) {
			return build(r.Int32()), nil
		},
	}
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
		int32Packet(protocol.Clientbound, idPing, protocol.KindPing,
			func(op protocol.Operation) (int32, error) {
				p, err := protocol.As[protocol.Ping](op)
				return p.ID, err
			},
			func(v int32) protocol.Operation { return protocol.Ping{ID: v} }),
		int32Packet(protocol.Serverbound, idPong, protocol.KindPong,
			func(op protocol.Operation) (int32, error) {
				p, err := protocol.As[protocol.Pong](op)
				return p.ID, err
			},
			func(v int32) protocol.Operation { return protocol.Pong{ID: v} }),
		{
			Phase: protocol.PhasePlay, Bound: protocol.Clientbound, ID: idChatMessage, Kind: protocol.KindChatMessage,
			Encode: func(w *protocol.Writer, op protocol.Operation) error {
				msg, err := protocol.As[protocol.ChatMessage](op)
				if err != nil {
					return err
				}
				if err := w.String(msg.JSON, protocol.MaxJSONLength); err != nil {
					return err
				}
				w.Byte(msg.Position)
				w.UUID(msg.Sender)
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				return protocol.ChatMessage{
					JSON:     r.String(protocol.MaxJSONLength),
					Position: r.Byte(),
					Sender:   r.UUID(),
				}, nil
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
				w.Int32(jg.EntityID)
				w.Bool(jg.Hardcore)
				w.Byte(jg.GameMode)
				w.Byte(0xFF) // no previous game mode
				w.VarInt(0)  // no world names
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				return protocol.JoinGame{
					EntityID: r.Int32(),
					Hardcore: r.Bool(),
					GameMode: r.Byte(),
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
				w.Float64(ps.X)
				w.Float64(ps.Y)
				w.Float64(ps.Z)
				w.Float32(ps.Yaw)
				w.Float32(ps.Pitch)
				w.Byte(ps.Flags)
				w.VarInt(ps.TeleportID)
				w.Bool(ps.Dismount)
				return nil
			},
			Decode: func(r *protocol.Reader) (protocol.Operation, error) {
				return protocol.PositionSync{
					X: r.Float64(), Y: r.Float64(), Z: r.Float64(),
					Yaw: r.Float32(), Pitch: r.Float32(),
					Flags:      r.Byte(),
					TeleportID: r.VarInt(),
					Dismount:   r.Bool(),
				}, nil
			},
		},
	}
	return append(out, protocol.PlayerMovePackets(idPosition, idPositionLook)...)
}
