// Package protocol defines the version-agnostic operation model exchanged with
// a game server, the Codec contract every protocol version implements, and the
// registry that maps version identifiers to codecs.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies an Operation variant independently of any wire encoding.
type Kind uint8

// Operation kinds. Serverbound kinds are sent by bots, clientbound kinds are
// sent by the server; KeepAlive, StatusPing and Unknown travel both ways.
const (
	KindUnknown Kind = iota
	KindHandshake
	KindStatusRequest
	KindStatusResponse
	KindStatusPing
	KindLoginStart
	KindLoginSuccess
	KindSetCompression
	KindEncryptionRequest
	KindLoginPluginRequest
	KindLoginPluginResponse
	KindDisconnect
	KindJoinGame
	KindKeepAlive
	KindChat
	KindChatMessage
	KindPlayerMove
	KindPositionSync
	KindTeleportConfirm
	KindUpdateHealth
	KindClientStatus
	KindPing
	KindPong
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindHandshake:           "handshake",
	KindStatusRequest:       "status_request",
	KindStatusResponse:      "status_response",
	KindStatusPing:          "status_ping",
	KindLoginStart:          "login_start",
	KindLoginSuccess:        "login_success",
	KindSetCompression:      "set_compression",
	KindEncryptionRequest:   "encryption_request",
	KindLoginPluginRequest:  "login_plugin_request",
	KindLoginPluginResponse: "login_plugin_response",
	KindDisconnect:          "disconnect",
	KindJoinGame:            "join_game",
	KindKeepAlive:           "keep_alive",
	KindChat:                "chat",
	KindChatMessage:         "chat_message",
	KindPlayerMove:          "player_move",
	KindPositionSync:        "position_sync",
	KindTeleportConfirm:     "teleport_confirm",
	KindUpdateHealth:        "update_health",
	KindClientStatus:        "client_status",
	KindPing:                "ping",
	KindPong:                "pong",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a snake_case kind name as produced by Kind.String.
//
// Postcondition: Returns the kind, or an error for unrecognised names.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown operation kind %q", name)
}

// Operation is one version-agnostic unit of protocol exchange.
type Operation interface {
	Kind() Kind
}

// NextState selects the phase a Handshake switches the connection into.
type NextState int32

const (
	NextStatus NextState = 1
	NextLogin  NextState = 2
)

// Handshake opens every connection. A zero Protocol is replaced with the
// dialect's protocol number on encode, so Handshake{Protocol: 0} decodes with
// that number rather than zero. Any other value is sent unchanged.
type Handshake struct {
	Protocol int32
	Host     string
	Port     uint16
	Next     NextState
}

// StatusRequest asks the server for its status document.
type StatusRequest struct{}

// StatusResponse carries the server's status JSON document.
type StatusResponse struct {
	JSON string
}

// StatusPing is echoed verbatim by the server in the status phase.
type StatusPing struct {
	Payload int64
}

// LoginStart announces the player name.
type LoginStart struct {
	Name string
}

// LoginSuccess completes login and switches the connection to the play phase.
type LoginSuccess struct {
	UUID uuid.UUID
	Name string
}

// SetCompression enables frame compression for payloads of at least
// Threshold bytes. A negative threshold disables compression.
type SetCompression struct {
	Threshold int32
}

// EncryptionRequest is sent by servers running in online mode.
type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

// LoginPluginRequest is a custom query sent during login, typically by proxies.
type LoginPluginRequest struct {
	MessageID int32
	Channel   string
	Data      []byte
}

// LoginPluginResponse answers a LoginPluginRequest. Data is only sent when
// Understood is true.
type LoginPluginResponse struct {
	MessageID  int32
	Understood bool
	Data       []byte
}

// Disconnect is the server closing the connection, in login or play phase.
type Disconnect struct {
	Reason string
}

// JoinGame is the first play-phase packet. Only the fields swarm logic uses
// are modelled; trailing world data is skipped on decode.
type JoinGame struct {
	EntityID int32
	Hardcore bool
	GameMode uint8
}

// KeepAlive is a liveness challenge from the server that clients must echo.
type KeepAlive struct {
	ID int64
}

// Chat is a chat line or command sent by a bot.
type Chat struct {
	Message string
}

// ChatMessage is a chat line delivered to a bot. Sender is only carried by
// protocol versions that attribute chat.
type ChatMessage struct {
	JSON     string
	Position uint8
	Sender   uuid.UUID
}

// PlayerMove reports the bot's position. Rotation selects the variant that
// also carries Yaw and Pitch.
type PlayerMove struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
	Rotation   bool
}

// PositionSync is the server teleporting the bot. Flags mark relative axes.
type PositionSync struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	Flags      uint8
	TeleportID int32
	Dismount   bool
}

// TeleportConfirm acknowledges a PositionSync.
type TeleportConfirm struct {
	TeleportID int32
}

// UpdateHealth reports the bot's health and food levels.
type UpdateHealth struct {
	Health     float32
	Food       int32
	Saturation float32
}

// ClientStatusAction enumerates ClientStatus actions.
type ClientStatusAction int32

const (
	ActionRespawn      ClientStatusAction = 0
	ActionRequestStats ClientStatusAction = 1
)

// ClientStatus requests a respawn or statistics.
type ClientStatus struct {
	Action ClientStatusAction
}

// Ping is a play-phase liveness probe from the server.
type Ping struct {
	ID int32
}

// Pong answers a Ping.
type Pong struct {
	ID int32
}

// Unknown is a play-phase packet outside the modelled set. Its payload is
// passed through untouched.
type Unknown struct {
	ID   int32
	Data []byte
}

func (Handshake) Kind() Kind { return KindHandshake }
func (StatusRequest) Kind() Kind { return KindStatusRequest }
func (StatusResponse) Kind() Kind { return KindStatusResponse }
func (StatusPing) Kind() Kind { return KindStatusPing }
func (LoginStart) Kind() Kind { return KindLoginStart }
func (LoginSuccess) Kind() Kind { return KindLoginSuccess }
func (SetCompression) Kind() Kind { return KindSetCompression }
func (EncryptionRequest) Kind() Kind { return KindEncryptionRequest }
func (LoginPluginRequest) Kind() Kind { return KindLoginPluginRequest }
func (LoginPluginResponse) Kind() Kind { return KindLoginPluginResponse }
func (Disconnect) Kind() Kind { return KindDisconnect }
func (JoinGame) Kind() Kind { return KindJoinGame }
func (KeepAlive) Kind() Kind { return KindKeepAlive }
func (Chat) Kind() Kind { return KindChat }
func (ChatMessage) Kind() Kind { return KindChatMessage }
func (PlayerMove) Kind() Kind { return KindPlayerMove }
func (PositionSync) Kind() Kind { return KindPositionSync }
func (TeleportConfirm) Kind() Kind { return KindTeleportConfirm }
func (UpdateHealth) Kind() Kind { return KindUpdateHealth }
func (ClientStatus) Kind() Kind { return KindClientStatus }
func (Ping) Kind() Kind { return KindPing }
func (Pong) Kind() Kind { return KindPong }
func (Unknown) Kind() Kind { return KindUnknown }
