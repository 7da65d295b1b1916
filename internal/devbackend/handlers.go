package devbackend

import (
	"context"
	"encoding/json"

	"github.com/anhtranbk/sockrpc"
)

type playerRequest struct {
	PlayerID string          `json:"player_id"`
	RoomID   string          `json:"room_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

func (s *Server) registerPlayerHandlers() {
	s.Handle(sockrpc.EventHeartbeat, s.heartbeat)
	s.Handle(sockrpc.EventCreatePlayer, s.createPlayer)
	s.Handle(sockrpc.EventGetPlayer, s.getPlayer)
	s.Handle(sockrpc.EventSetPlayerData, s.setPlayerData)
	s.Handle(sockrpc.EventCreateRoom, s.createRoom)
	s.Handle(sockrpc.EventListPlayers, s.listPlayers)
	s.Handle(sockrpc.EventDeletePlayer, s.deletePlayer)
}

func decodePlayer(payload json.RawMessage) (playerRequest, error) {
	var req playerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, ErrInvalidData
	}
	if req.PlayerID == "" || req.RoomID == "" {
		return req, ErrInvalidData
	}
	return req, nil
}

func decodeRoom(payload json.RawMessage) (roomRequest, error) {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		return req, ErrInvalidData
	}
	return req, nil
}

func ack(req playerRequest, message string) sockrpc.Ack {
	return sockrpc.Ack{PlayerID: req.PlayerID, RoomID: req.RoomID, Message: message}
}

func (s *Server) heartbeat(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodePlayer(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.Heartbeat(req.RoomID, req.PlayerID, s.now()); err != nil {
		return nil, err
	}
	return ack(req, "Heartbeat received"), nil
}

func (s *Server) createPlayer(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodePlayer(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePlayer(req.RoomID, req.PlayerID); err != nil {
		return nil, err
	}
	return ack(req, "Player created"), nil
}

func (s *Server) getPlayer(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodePlayer(payload)
	if err != nil {
		return nil, err
	}
	return s.store.Get(req.RoomID, req.PlayerID)
}

func (s *Server) setPlayerData(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodePlayer(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetData(req.RoomID, req.PlayerID, req.Data); err != nil {
		return nil, err
	}
	return ack(req, "Player data updated"), nil
}

func (s *Server) createRoom(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRoom(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRoom(req.RoomID); err != nil {
		return nil, err
	}
	return sockrpc.Ack{RoomID: req.RoomID, Message: "Room created"}, nil
}

func (s *Server) listPlayers(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRoom(payload)
	if err != nil {
		return nil, err
	}
	return s.store.List(req.RoomID)
}

func (s *Server) deletePlayer(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodePlayer(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(req.RoomID, req.PlayerID); err != nil {
		return nil, err
	}
	s.Broadcast(sockrpc.EventPlayerLeft, sockrpc.PlayerRef{PlayerID: req.PlayerID, RoomID: req.RoomID})
	return ack(req, "Player deleted"), nil
}
