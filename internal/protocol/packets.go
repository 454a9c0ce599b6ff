package protocol

import (
	"fmt"
)

// String length limits shared by all dialects.
const (
	MaxHostLength       = 255
	MaxNameLength       = 16
	MaxChatLength       = 256
	MaxJSONLength       = 262144
	MaxStatusLength     = 32767
	MaxIdentifierLength = 32767
	MaxServerIDLength   = 20
)

// HandshakePackets returns the handshaking-phase table, identical in every
// supported version.
func HandshakePackets() []Packet {
	return []Packet{
		{
			Phase: PhaseHandshaking, Bound: Serverbound, ID: 0x00, Kind: KindHandshake,
			Encode: func(w *Writer, op Operation) error {
				hs, err := As[Handshake](op)
				if err != nil {
					return err
				}
				if hs.Next != NextStatus && hs.Next != NextLogin {
					return fmt.Errorf("handshake next state %d invalid", hs.Next)
				}
				w.VarInt(hs.Protocol)
				if err := w.String(hs.Host, MaxHostLength); err != nil {
					return err
				}
				w.Uint16(hs.Port)
				w.VarInt(int32(hs.Next))
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				hs := Handshake{
					Protocol: r.VarInt(),
					Host:     r.String(MaxHostLength),
					Port:     r.Uint16(),
					Next:     NextState(r.VarInt()),
				}
				if r.Err() == nil && hs.Next != NextStatus && hs.Next != NextLogin {
					return nil, fmt.Errorf("handshake next state %d invalid", hs.Next)
				}
				return hs, nil
			},
		},
	}
}

// StatusPackets returns the status-phase table (server list ping).
func StatusPackets() []Packet {
	return []Packet{
		{
			Phase: PhaseStatus, Bound: Serverbound, ID: 0x00, Kind: KindStatusRequest,
			Encode: func(*Writer, Operation) error { return nil },
			Decode: func(*Reader) (Operation, error) { return StatusRequest{}, nil },
		},
		{
			Phase: PhaseStatus, Bound: Serverbound, ID: 0x01, Kind: KindStatusPing,
			Encode: encodeStatusPing,
			Decode: decodeStatusPing,
		},
		{
			Phase: PhaseStatus, Bound: Clientbound, ID: 0x00, Kind: KindStatusResponse,
			Encode: func(w *Writer, op Operation) error {
				resp, err := As[StatusResponse](op)
				if err != nil {
					return err
				}
				return w.String(resp.JSON, MaxStatusLength)
			},
			Decode: func(r *Reader) (Operation, error) {
				return StatusResponse{JSON: r.String(MaxStatusLength)}, nil
			},
		},
		{
			Phase: PhaseStatus, Bound: Clientbound, ID: 0x01, Kind: KindStatusPing,
			Encode: encodeStatusPing,
			Decode: decodeStatusPing,
		},
	}
}

func encodeStatusPing(w *Writer, op Operation) error {
	p, err := As[StatusPing](op)
	if err != nil {
		return err
	}
	w.Int64(p.Payload)
	return nil
}

func decodeStatusPing(r *Reader) (Operation, error) {
	return StatusPing{Payload: r.Int64()}, nil
}

// LoginPackets returns the login-phase table. Versions differ only in how
// Login Success carries the player UUID, so the caller supplies that packet.
func LoginPackets(loginSuccess Packet) []Packet {
	return []Packet{
		{
			Phase: PhaseLogin, Bound: Serverbound, ID: 0x00, Kind: KindLoginStart,
			Encode: func(w *Writer, op Operation) error {
				ls, err := As[LoginStart](op)
				if err != nil {
					return err
				}
				if ls.Name == "" {
					return fmt.Errorf("login name must not be empty")
				}
				return w.String(ls.Name, MaxNameLength)
			},
			Decode: func(r *Reader) (Operation, error) {
				return LoginStart{Name: r.String(MaxNameLength)}, nil
			},
		},
		{
			Phase: PhaseLogin, Bound: Serverbound, ID: 0x02, Kind: KindLoginPluginResponse,
			Encode: func(w *Writer, op Operation) error {
				resp, err := As[LoginPluginResponse](op)
				if err != nil {
					return err
				}
				w.VarInt(resp.MessageID)
				w.Bool(resp.Understood)
				if resp.Understood {
					w.Raw(resp.Data)
				}
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				resp := LoginPluginResponse{MessageID: r.VarInt(), Understood: r.Bool()}
				if resp.Understood {
					resp.Data = r.Rest()
				}
				return resp, nil
			},
		},
		{
			Phase: PhaseLogin, Bound: Clientbound, ID: 0x00, Kind: KindDisconnect,
			Encode: EncodeDisconnect,
			Decode: DecodeDisconnect,
		},
		{
			Phase: PhaseLogin, Bound: Clientbound, ID: 0x01, Kind: KindEncryptionRequest,
			Encode: func(w *Writer, op Operation) error {
				req, err := As[EncryptionRequest](op)
				if err != nil {
					return err
				}
				if err := w.String(req.ServerID, MaxServerIDLength); err != nil {
					return err
				}
				w.ByteArray(req.PublicKey)
				w.ByteArray(req.VerifyToken)
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				return EncryptionRequest{
					ServerID:    r.String(MaxServerIDLength),
					PublicKey:   r.ByteArray(),
					VerifyToken: r.ByteArray(),
				}, nil
			},
		},
		loginSuccess,
		{
			Phase: PhaseLogin, Bound: Clientbound, ID: 0x03, Kind: KindSetCompression,
			Encode: func(w *Writer, op Operation) error {
				sc, err := As[SetCompression](op)
				if err != nil {
					return err
				}
				w.VarInt(sc.Threshold)
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				return SetCompression{Threshold: r.VarInt()}, nil
			},
		},
		{
			Phase: PhaseLogin, Bound: Clientbound, ID: 0x04, Kind: KindLoginPluginRequest,
			Encode: func(w *Writer, op Operation) error {
				req, err := As[LoginPluginRequest](op)
				if err != nil {
					return err
				}
				w.VarInt(req.MessageID)
				if err := w.String(req.Channel, MaxIdentifierLength); err != nil {
					return err
				}
				w.Raw(req.Data)
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				return LoginPluginRequest{
					MessageID: r.VarInt(),
					Channel:   r.String(MaxIdentifierLength),
					Data:      r.Rest(),
				}, nil
			},
		},
	}
}

// EncodeDisconnect writes a Disconnect reason as a chat JSON string. Shared by
// the login and play tables of every dialect.
func EncodeDisconnect(w *Writer, op Operation) error {
	d, err := As[Disconnect](op)
	if err != nil {
		return err
	}
	return w.String(d.Reason, MaxJSONLength)
}

// DecodeDisconnect reads a Disconnect reason.
func DecodeDisconnect(r *Reader) (Operation, error) {
	return Disconnect{Reason: r.String(MaxJSONLength)}, nil
}

// Simple packet helpers for play-phase packets whose layout is stable across
// versions. Each returns the encode/decode pair for one operation type.

// KeepAlivePacket builds a play-phase KeepAlive packet (a single long).
func KeepAlivePacket(bound Direction, id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: bound, ID: id, Kind: KindKeepAlive,
		Encode: func(w *Writer, op Operation) error {
			ka, err := As[KeepAlive](op)
			if err != nil {
				return err
			}
			w.Int64(ka.ID)
			return nil
		},
		Decode: func(r *Reader) (Operation, error) {
			return KeepAlive{ID: r.Int64()}, nil
		},
	}
}

// DisconnectPacket builds a play-phase Disconnect packet.
func DisconnectPacket(id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: Clientbound, ID: id, Kind: KindDisconnect,
		Encode: EncodeDisconnect,
		Decode: DecodeDisconnect,
	}
}

// ChatPacket builds the serverbound chat packet.
func ChatPacket(id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: Serverbound, ID: id, Kind: KindChat,
		Encode: func(w *Writer, op Operation) error {
			c, err := As[Chat](op)
			if err != nil {
				return err
			}
			if c.Message == "" {
				return fmt.Errorf("chat message must not be empty")
			}
			return w.String(c.Message, MaxChatLength)
		},
		Decode: func(r *Reader) (Operation, error) {
			return Chat{Message: r.String(MaxChatLength)}, nil
		},
	}
}

// TeleportConfirmPacket builds the serverbound teleport confirmation.
func TeleportConfirmPacket(id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: Serverbound, ID: id, Kind: KindTeleportConfirm,
		Encode: func(w *Writer, op Operation) error {
			tc, err := As[TeleportConfirm](op)
			if err != nil {
				return err
			}
			w.VarInt(tc.TeleportID)
			return nil
		},
		Decode: func(r *Reader) (Operation, error) {
			return TeleportConfirm{TeleportID: r.VarInt()}, nil
		},
	}
}

// ClientStatusPacket builds the serverbound client status packet.
func ClientStatusPacket(id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: Serverbound, ID: id, Kind: KindClientStatus,
		Encode: func(w *Writer, op Operation) error {
			cs, err := As[ClientStatus](op)
			if err != nil {
				return err
			}
			if cs.Action != ActionRespawn && cs.Action != ActionRequestStats {
				return fmt.Errorf("client status action %d invalid", cs.Action)
			}
			w.VarInt(int32(cs.Action))
			return nil
		},
		Decode: func(r *Reader) (Operation, error) {
			return ClientStatus{Action: ClientStatusAction(r.VarInt())}, nil
		},
	}
}

// PlayerMovePackets builds the serverbound position (posID) and
// position-with-rotation (rotID) packets.
func PlayerMovePackets(posID, rotID int32) []Packet {
	return []Packet{
		{
			Phase: PhasePlay, Bound: Serverbound, ID: posID, Kind: KindPlayerMove,
			Accept: func(op Operation) bool {
				m, err := As[PlayerMove](op)
				return err == nil && !m.Rotation
			},
			Encode: func(w *Writer, op Operation) error {
				m, err := As[PlayerMove](op)
				if err != nil {
					return err
				}
				w.Float64(m.X)
				w.Float64(m.Y)
				w.Float64(m.Z)
				w.Bool(m.OnGround)
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				return PlayerMove{X: r.Float64(), Y: r.Float64(), Z: r.Float64(), OnGround: r.Bool()}, nil
			},
		},
		{
			Phase: PhasePlay, Bound: Serverbound, ID: rotID, Kind: KindPlayerMove,
			Accept: func(op Operation) bool {
				m, err := As[PlayerMove](op)
				return err == nil && m.Rotation
			},
			Encode: func(w *Writer, op Operation) error {
				m, err := As[PlayerMove](op)
				if err != nil {
					return err
				}
				w.Float64(m.X)
				w.Float64(m.Y)
				w.Float64(m.Z)
				w.Float32(m.Yaw)
				w.Float32(m.Pitch)
				w.Bool(m.OnGround)
				return nil
			},
			Decode: func(r *Reader) (Operation, error) {
				return PlayerMove{
					X: r.Float64(), Y: r.Float64(), Z: r.Float64(),
					Yaw: r.Float32(), Pitch: r.Float32(),
					OnGround: r.Bool(), Rotation: true,
				}, nil
			},
		},
	}
}

// UpdateHealthPacket builds the clientbound health update.
func UpdateHealthPacket(id int32) Packet {
	return Packet{
		Phase: PhasePlay, Bound: Clientbound, ID: id, Kind: KindUpdateHealth,
		Encode: func(w *Writer, op Operation) error {
			h, err := As[UpdateHealth](op)
			if err != nil {
				return err
			}
			w.Float32(h.Health)
			w.VarInt(h.Food)
			w.Float32(h.Saturation)
			return nil
		},
		Decode: func(r *Reader) (Operation, error) {
			return UpdateHealth{Health: r.Float32(), Food: r.VarInt(), Saturation: r.Float32()}, nil
		},
	}
}
