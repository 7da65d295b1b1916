package sockrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	EventHeartbeat     = "heartbeat"
	EventCreatePlayer  = "create_player"
	EventGetPlayer     = "get_player"
	EventSetPlayerData = "set_player_data"
	EventCreateRoom    = "create_room"
	EventListPlayers   = "list_players"
	EventDeletePlayer  = "delete_player"

	// EventPlayerLeft is broadcast by the backend when a player is removed.
	EventPlayerLeft = "player_left"
)

// Caller is anything that can run a correlated call; *Dispatcher and
// *Breaker both are.
type Caller interface {
	Call(ctx context.Context, event string, payload interface{}, opts ...CallOption) (json.RawMessage, error)
}

type PlayerRef struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id"`
}

func (r PlayerRef) validate() error {
	if r.PlayerID == "" || r.RoomID == "" {
		return fmt.Errorf("%w: player_id and room_id are required", ErrInvalidArgument)
	}
	return nil
}

type Player struct {
	PlayerID string          `json:"player_id"`
	RoomID   string          `json:"room_id"`
	Status   string          `json:"status,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Raw is the reply exactly as the backend sent it.
	Raw json.RawMessage `json:"-"`
}

type Ack struct {
	PlayerID string `json:"player_id,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

type setPlayerDataRequest struct {
	PlayerRef
	Data json.RawMessage `json:"data"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

// Players is the typed surface over the player and room events. It holds no
// state of its own.
type Players struct {
	caller Caller
}

func NewPlayers(caller Caller) *Players {
	return &Players{caller: caller}
}

func (p *Players) Heartbeat(ctx context.Context, playerID, roomID string, opts ...CallOption) (*Ack, error) {
	return p.ack(ctx, EventHeartbeat, PlayerRef{PlayerID: playerID, RoomID: roomID}, opts)
}

func (p *Players) CreatePlayer(ctx context.Context, playerID, roomID string, opts ...CallOption) (*Ack, error) {
	return p.ack(ctx, EventCreatePlayer, PlayerRef{PlayerID: playerID, RoomID: roomID}, opts)
}

func (p *Players) DeletePlayer(ctx context.Context, playerID, roomID string, opts ...CallOption) (*Ack, error) {
	return p.ack(ctx, EventDeletePlayer, PlayerRef{PlayerID: playerID, RoomID: roomID}, opts)
}

func (p *Players) GetPlayer(ctx context.Context, playerID, roomID string, opts ...CallOption) (*Player, error) {
	ref := PlayerRef{PlayerID: playerID, RoomID: roomID}
	if err := ref.validate(); err != nil {
		return nil, err
	}
	raw, err := p.caller.Call(ctx, EventGetPlayer, ref, opts...)
	if err != nil {
		return nil, err
	}
	var player Player
	if err := decodeReply(EventGetPlayer, raw, &player); err != nil {
		return nil, err
	}
	player.Raw = raw
	return &player, nil
}

// SetPlayerData replaces the data stored for a player. data must be a
// non-empty json document.
func (p *Players) SetPlayerData(ctx context.Context, playerID, roomID string, data json.RawMessage, opts ...CallOption) (*Ack, error) {
	ref := PlayerRef{PlayerID: playerID, RoomID: roomID}
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, fmt.Errorf("%w: player data must be valid json", ErrInvalidArgument)
	}
	raw, err := p.caller.Call(ctx, EventSetPlayerData, setPlayerDataRequest{PlayerRef: ref, Data: data}, opts...)
	if err != nil {
		return nil, err
	}
	return decodeAck(EventSetPlayerData, raw)
}

func (p *Players) CreateRoom(ctx context.Context, roomID string, opts ...CallOption) (*Ack, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room_id is required", ErrInvalidArgument)
	}
	raw, err := p.caller.Call(ctx, EventCreateRoom, roomRequest{RoomID: roomID}, opts...)
	if err != nil {
		return nil, err
	}
	return decodeAck(EventCreateRoom, raw)
}

func (p *Players) ListPlayers(ctx context.Context, roomID string, opts ...CallOption) ([]Player, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room_id is required", ErrInvalidArgument)
	}
	raw, err := p.caller.Call(ctx, EventListPlayers, roomRequest{RoomID: roomID}, opts...)
	if err != nil {
		return nil, err
	}
	var players []Player
	if err := decodeReply(EventListPlayers, raw, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (p *Players) ack(ctx context.Context, event string, ref PlayerRef, opts []CallOption) (*Ack, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	raw, err := p.caller.Call(ctx, event, ref, opts...)
	if err != nil {
		return nil, err
	}
	return decodeAck(event, raw)
}

func decodeAck(event string, raw json.RawMessage) (*Ack, error) {
	var ack Ack
	if !hasPayload(raw) {
		return &ack, nil
	}
	if err := decodeReply(event, raw, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func decodeReply(event string, raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: reply to %q: %v", ErrDecoding, event, err)
	}
	return nil
}
